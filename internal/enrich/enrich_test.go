package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/store"
	"github.com/pcbuilder/gpumarket-cli/pkg/perplexity"
)

func strPtr(s string) *string { return &s }

func newEnrichStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedObservation(t *testing.T, st *store.SQLiteStore, id, description string) {
	t.Helper()
	_, err := st.AppendObservation(context.Background(), model.Observation{
		ID:          id,
		Description: description,
		Retailer:    "alternate",
		ProductURL:  "https://example.test/p/" + id,
		PriceEUR:    999.0,
		Currency:    "EUR",
		StockStatus: model.StockInStock,
		ObservedAt:  time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		RunID:       "run_ingest",
	})
	require.NoError(t, err)
}

type fakeProvider struct {
	calls  int
	err    error
	claims model.HypothesisClaims
}

func (f *fakeProvider) Name() string { return "perplexity" }

func (f *fakeProvider) Extract(_ context.Context, _, _ string) (model.HypothesisClaims, error) {
	f.calls++
	if f.err != nil {
		return model.HypothesisClaims{}, f.err
	}
	return f.claims, nil
}

func TestParseClaims(t *testing.T) {
	direct := `{"aib_manufacturer":"ASUS","fan_count":3}`
	claims, err := parseClaims(direct)
	require.NoError(t, err)
	require.NotNil(t, claims.AIBManufacturer)
	assert.Equal(t, "ASUS", *claims.AIBManufacturer)
	require.NotNil(t, claims.FanCount)
	assert.Equal(t, 3, *claims.FanCount)

	fenced := "Here is the data:\n```json\n{\"aib_manufacturer\":\"MSI\"}\n```\nDone."
	claims, err = parseClaims(fenced)
	require.NoError(t, err)
	require.NotNil(t, claims.AIBManufacturer)
	assert.Equal(t, "MSI", *claims.AIBManufacturer)

	embedded := `The extraction follows. {"aib_manufacturer":"Gigabyte"} Hope it helps.`
	claims, err = parseClaims(embedded)
	require.NoError(t, err)
	require.NotNil(t, claims.AIBManufacturer)
	assert.Equal(t, "Gigabyte", *claims.AIBManufacturer)

	_, err = parseClaims("no json here at all")
	assert.Error(t, err)
}

func TestMergeLexicalClaims(t *testing.T) {
	desc := "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC"
	claims := mergeLexicalClaims(desc, model.HypothesisClaims{
		AIBManufacturer: strPtr("ASUS"),
	})

	require.NotNil(t, claims.ChipsetManufacturer)
	assert.Equal(t, "NVIDIA", *claims.ChipsetManufacturer)
	require.NotNil(t, claims.ChipsetModel)
	assert.Equal(t, "RTX 5090", *claims.ChipsetModel)
	require.NotNil(t, claims.VRAMGB)
	assert.Equal(t, 32, *claims.VRAMGB)
	require.NotNil(t, claims.IsOC)
	assert.True(t, *claims.IsOC)
}

func TestMergeLexicalClaimsKeepsProvided(t *testing.T) {
	claims := mergeLexicalClaims("ASUS TUF RTX 5090 32GB", model.HypothesisClaims{
		ChipsetModel: strPtr("GeForce RTX 5090"),
		VRAMGB:       new(int),
	})

	assert.Equal(t, "GeForce RTX 5090", *claims.ChipsetModel, "claimed values are never overwritten")
	assert.Equal(t, 0, *claims.VRAMGB)
}

func TestRunStoresHypothesesOncePerDescription(t *testing.T) {
	st := newEnrichStore(t)
	ctx := context.Background()
	seedObservation(t, st, "obs_1", "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC")
	seedObservation(t, st, "obs_2", "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC")
	seedObservation(t, st, "obs_3", "Sapphire NITRO+ RX 9070 XT 16GB")

	provider := &fakeProvider{claims: model.HypothesisClaims{AIBManufacturer: strPtr("ASUS")}}
	enricher := NewEnricher(st, provider, 1000)

	counters, err := enricher.Run(ctx, "run_enrich_1", 0)
	require.NoError(t, err)

	// Two distinct descriptions, one provider call each.
	assert.Equal(t, 2, counters.Scanned)
	assert.Equal(t, 2, counters.Hypotheses)
	assert.Equal(t, 2, provider.calls)
	assert.Zero(t, counters.Errors)

	hyps, err := st.HypothesesForDescription(ctx, "asus tuf gaming geforce rtx 5090 32gb gddr7 oc")
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	assert.Equal(t, "perplexity", hyps[0].Source)
}

func TestRunSkipsFingerprintedDescriptions(t *testing.T) {
	st := newEnrichStore(t)
	ctx := context.Background()
	seedObservation(t, st, "obs_1", "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC")

	provider := &fakeProvider{claims: model.HypothesisClaims{AIBManufacturer: strPtr("ASUS")}}
	enricher := NewEnricher(st, provider, 1000)

	_, err := enricher.Run(ctx, "run_enrich_1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	counters, err := enricher.Run(ctx, "run_enrich_2", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls, "fingerprinted description is never re-extracted")
	assert.Equal(t, 1, counters.Duplicates)
	assert.Zero(t, counters.Hypotheses)
}

func TestRunRetriesFailedExtractions(t *testing.T) {
	st := newEnrichStore(t)
	ctx := context.Background()
	seedObservation(t, st, "obs_1", "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC")

	provider := &fakeProvider{err: eris.New("upstream timeout")}
	enricher := NewEnricher(st, provider, 1000)

	counters, err := enricher.Run(ctx, "run_enrich_1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Errors)
	assert.Zero(t, counters.Hypotheses)

	// The fingerprint was not marked, so the next run tries again.
	provider.err = nil
	provider.claims = model.HypothesisClaims{AIBManufacturer: strPtr("ASUS")}
	counters, err = enricher.Run(ctx, "run_enrich_2", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Hypotheses)
}

func TestPerplexityProviderExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/search":
			_, _ = w.Write([]byte(`{"results":[{"title":"TUF 5090","url":"https://www.asus.com/tuf-rtx5090"}]}`))
		case "/chat/completions":
			_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"{\"aib_manufacturer\":\"ASUS\",\"aib_model_suffix\":\"TUF Gaming\",\"fan_count\":3}"}}],"usage":{}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	provider := NewPerplexityProvider(perplexity.NewClient("test-key", perplexity.WithBaseURL(srv.URL)))
	claims, err := provider.Extract(context.Background(),
		"ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC", "")
	require.NoError(t, err)

	require.NotNil(t, claims.AIBManufacturer)
	assert.Equal(t, "ASUS", *claims.AIBManufacturer)
	require.NotNil(t, claims.ModelSuffix)
	assert.Equal(t, "TUF Gaming", *claims.ModelSuffix)
	require.NotNil(t, claims.FanCount)
	assert.Equal(t, 3, *claims.FanCount)
	// Chipset identity comes from the deterministic lexical parse.
	require.NotNil(t, claims.ChipsetManufacturer)
	assert.Equal(t, "NVIDIA", *claims.ChipsetManufacturer)
	require.NotNil(t, claims.VRAMGB)
	assert.Equal(t, 32, *claims.VRAMGB)
}
