package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/store"
)

func newIntake(t *testing.T) (*Intake, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewIntake(st), st
}

func validRecord() ObservationRecord {
	sku := "90YV0LA0-M0NA00"
	return ObservationRecord{
		Description: "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC",
		Retailer:    "alternate",
		SKU:         &sku,
		ProductURL:  "https://www.alternate.de/p/12345",
		PriceEUR:    2399.00,
		Currency:    "EUR",
		StockStatus: "in_stock",
		ObservedAt:  "2026-08-20T09:00:00Z",
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestValidateObservation(t *testing.T) {
	obs, rej := ValidateObservation(validRecord(), "run_1")
	require.Nil(t, rej)

	assert.True(t, len(obs.ID) > 4 && obs.ID[:4] == "obs_")
	assert.Equal(t, "alternate", obs.Retailer)
	assert.Equal(t, model.StockInStock, obs.StockStatus)
	assert.Equal(t, "run_1", obs.RunID)

	// Same record, same id, regardless of run.
	again, rej := ValidateObservation(validRecord(), "run_2")
	require.Nil(t, rej)
	assert.Equal(t, obs.ID, again.ID)
}

func TestValidateObservationMissingFields(t *testing.T) {
	rec := validRecord()
	rec.Retailer = ""
	rec.Currency = " "

	_, rej := ValidateObservation(rec, "run_1")
	require.NotNil(t, rej)
	assert.Equal(t, RejectMissingField, rej.Reason)
	assert.Contains(t, rej.Detail, "retailer")
	assert.Contains(t, rej.Detail, "currency")
}

func TestValidateObservationBadPrice(t *testing.T) {
	rec := validRecord()
	rec.PriceEUR = 0

	_, rej := ValidateObservation(rec, "run_1")
	require.NotNil(t, rej)
	assert.Equal(t, RejectInvalidPrice, rej.Reason)
}

func TestValidateObservationBadStockStatus(t *testing.T) {
	rec := validRecord()
	rec.StockStatus = "maybe"

	_, rej := ValidateObservation(rec, "run_1")
	require.NotNil(t, rej)
	assert.Equal(t, RejectInvalidStockStatus, rej.Reason)
}

func TestValidateObservationBadTimestamp(t *testing.T) {
	rec := validRecord()
	rec.ObservedAt = "20/08/2026 09:00"

	_, rej := ValidateObservation(rec, "run_1")
	require.NotNil(t, rej)
	assert.Equal(t, RejectInvalidTimestamp, rej.Reason)
}

func TestIngestObservationFileIsolatesBadRecords(t *testing.T) {
	in, st := newIntake(t)
	ctx := context.Background()

	good := validRecord()
	other := validRecord()
	other.Description = "Sapphire NITRO+ RX 9070 XT 16GB"
	bad := validRecord()
	bad.StockStatus = "maybe"

	path := filepath.Join(t.TempDir(), "page_pg=1.products.json")
	writeJSON(t, path, []ObservationRecord{good, bad, other})

	report, err := in.IngestObservationFile(ctx, "run_1", path)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 1, report.Rejected)
	require.Len(t, report.Rejections, 1)
	assert.Equal(t, RejectInvalidStockStatus, report.Rejections[0].Reason)
	assert.Equal(t, 1, report.Rejections[0].Index)

	// Nothing from the rejected record was persisted.
	unlinked, err := st.UnlinkedObservations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unlinked, 2)
}

func TestIngestObservationFileIdempotent(t *testing.T) {
	in, _ := newIntake(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "page_pg=1.products.json")
	writeJSON(t, path, []ObservationRecord{validRecord()})

	first, err := in.IngestObservationFile(ctx, "run_1", path)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)

	second, err := in.IngestObservationFile(ctx, "run_2", path)
	require.NoError(t, err)
	assert.Zero(t, second.Accepted)
	assert.Equal(t, 1, second.Duplicates)
}

func TestIngestHypothesisFile(t *testing.T) {
	in, st := newIntake(t)
	ctx := context.Background()

	var rec HypothesisRecord
	rec.HypothesisType = "gpu_variant"
	rec.Source = "perplexity"
	rec.CreatedAt = "2026-08-21T10:00:00Z"
	rec.Input.ModelName = "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC"
	rec.Extraction = model.HypothesisClaims{
		ChipsetManufacturer: strPtr("NVIDIA"),
		ChipsetModel:        strPtr("GeForce RTX 5090"),
		AIBManufacturer:     strPtr("ASUS"),
	}

	path := filepath.Join(t.TempDir(), "obs_abc.hypothesis.json")
	writeJSON(t, path, rec)

	report, err := in.IngestHypothesisFile(ctx, "run_1", path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)

	hyps, err := st.HypothesesForDescription(ctx,
		"asus tuf gaming geforce rtx 5090 32gb gddr7 oc")
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	assert.Equal(t, "perplexity", hyps[0].Source)
	require.NotNil(t, hyps[0].Claims.ChipsetModel)
	assert.Equal(t, "GeForce RTX 5090", *hyps[0].Claims.ChipsetModel)

	// Same file, second pass: duplicate, not a new row.
	report, err = in.IngestHypothesisFile(ctx, "run_2", path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
}

func TestIngestHypothesisFileRejectsMissingSource(t *testing.T) {
	in, _ := newIntake(t)

	var rec HypothesisRecord
	rec.CreatedAt = "2026-08-21T10:00:00Z"
	rec.Input.ModelName = "ASUS TUF RTX 5090"

	path := filepath.Join(t.TempDir(), "obs_abc.hypothesis.json")
	writeJSON(t, path, rec)

	report, err := in.IngestHypothesisFile(context.Background(), "run_1", path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, RejectMissingField, report.Rejections[0].Reason)
}

func TestIngestDir(t *testing.T) {
	in, _ := newIntake(t)
	ctx := context.Background()

	dir := t.TempDir()
	runDir := filepath.Join(dir, "marketplace", "geizhals", "runs", "2026-08-20")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	writeJSON(t, filepath.Join(runDir, "page_pg=1.products.json"), []ObservationRecord{validRecord()})

	var hyp HypothesisRecord
	hyp.Source = "perplexity"
	hyp.CreatedAt = "2026-08-21T10:00:00Z"
	hyp.Input.ModelName = "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC"
	hypDir := filepath.Join(dir, "hypotheses")
	require.NoError(t, os.MkdirAll(hypDir, 0o755))
	writeJSON(t, filepath.Join(hypDir, "obs_abc.hypothesis.json"), hyp)

	// Unreadable products file is reported, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "page_pg=2.products.json"), []byte("{not json"), 0o644))

	report, err := in.IngestDir(ctx, "run_1", dir)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 1, report.Rejected)
	require.NotEmpty(t, report.Rejections)
}

func strPtr(s string) *string { return &s }
