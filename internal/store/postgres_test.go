package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

// anyArgs returns n pgxmock.AnyArg matchers, for statements where the test
// only cares about the statement shape, not the bound values.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_GetChip_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM gpu_chip WHERE id = \$1`).
		WithArgs("chip_missing").
		WillReturnError(pgx.ErrNoRows)

	chip, err := s.GetChip(context.Background(), "chip_missing")
	require.NoError(t, err)
	assert.Nil(t, chip)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateChip_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO gpu_chip .+ ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(anyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := s.CreateChip(context.Background(), model.Chip{
		ID: "chip_1", VendorID: "NVIDIA", ModelName: "RTX 5090",
	}, nil, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateChip_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO gpu_chip .+ ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(anyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	created, err := s.CreateChip(context.Background(), model.Chip{
		ID: "chip_1", VendorID: "NVIDIA", ModelName: "RTX 5090",
	}, nil, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateVariant_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO gpu_variant .+ ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(anyArgs(18)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := s.CreateVariant(context.Background(), model.Variant{
		ID: "var_1", ChipID: "chip_1", AIBManufacturer: "ASUS",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LinkObservation_AlreadyLinked(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE gpu_market_observation SET variant_id = \$1 WHERE id = \$2 AND variant_id IS NULL`).
		WithArgs("var_1", "obs_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	linked, err := s.LinkObservation(context.Background(), "obs_1", "var_1")
	require.NoError(t, err)
	assert.False(t, linked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasSeen(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM description_fingerprint WHERE key = \$1`).
		WithArgs("fp-abc").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	seen, err := s.HasSeen(context.Background(), "fp-abc")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "run-x", model.RunStatusComplete, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordDeferral(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO resolution_deferral .+ ON CONFLICT \(observation_id, run_id\) DO UPDATE`).
		WithArgs("obs_1", "run-1", "ambiguous", "two candidate chips").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordDeferral(context.Background(), model.Deferral{
		ObservationID: "obs_1", RunID: "run-1", Reason: "ambiguous", Detail: "two candidate chips",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
