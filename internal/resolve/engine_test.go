package resolve_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
	"github.com/pcbuilder/gpumarket-cli/internal/store"
)

func newEngineStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	ctx := context.Background()
	for _, v := range []model.Vendor{{ID: "NVIDIA", Name: "NVIDIA"}, {ID: "AMD", Name: "AMD"}, {ID: "INTEL", Name: "Intel"}} {
		require.NoError(t, st.UpsertVendor(ctx, v))
	}
	for _, m := range []model.MemoryType{{ID: "GDDR6", Name: "GDDR6"}, {ID: "GDDR6X", Name: "GDDR6X"}, {ID: "GDDR7", Name: "GDDR7"}} {
		require.NoError(t, st.UpsertMemoryType(ctx, m))
	}
	return st
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func appendObservation(t *testing.T, st *store.SQLiteStore, id, description string) {
	t.Helper()
	created, err := st.AppendObservation(context.Background(), model.Observation{
		ID:          id,
		Description: description,
		Retailer:    "alternate",
		ProductURL:  "https://example.test/p/" + id,
		PriceEUR:    2399.00,
		Currency:    "EUR",
		StockStatus: model.StockInStock,
		ObservedAt:  time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		RunID:       "run_ingest",
	})
	require.NoError(t, err)
	require.True(t, created)
}

func appendHypothesis(t *testing.T, st *store.SQLiteStore, id, description, source string, claims model.HypothesisClaims) {
	t.Helper()
	created, err := st.AppendHypothesis(context.Background(), model.Hypothesis{
		ID:              id,
		Description:     description,
		DescriptionNorm: resolve.NormalizeDescription(description),
		Source:          source,
		RunID:           "run_enrich",
		Claims:          claims,
		CreatedAt:       time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func seedChip(t *testing.T, st *store.SQLiteStore, id, modelName string, vramGB int) {
	t.Helper()
	mem := &model.Memory{ChipID: id}
	if vramGB > 0 {
		mem.VRAMGB = &vramGB
	}
	_, err := st.CreateChip(context.Background(),
		model.Chip{ID: id, VendorID: "NVIDIA", ModelName: modelName}, mem, nil)
	require.NoError(t, err)
}

const tufDescription = "ASUS TUF Gaming GeForce RTX 5090 32GB GDDR7 OC Edition"

func tufClaims() model.HypothesisClaims {
	return model.HypothesisClaims{
		ChipsetManufacturer: strPtr("NVIDIA"),
		ChipsetModel:        strPtr("RTX 5090"),
		VRAMGB:              intPtr(32),
		AIBManufacturer:     strPtr("ASUS"),
		ModelSuffix:         strPtr("TUF GAMING OC"),
		FactoryBoostMHz:     intPtr(2610),
		FanCount:            intPtr(3),
	}
}

func TestResolveBatchCreatesChipAndVariant(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Scanned)
	assert.Equal(t, 1, counters.ChipsCreated)
	assert.Equal(t, 1, counters.VariantsCreated)
	assert.Equal(t, 1, counters.Linked)
	assert.Zero(t, counters.Deferred)
	assert.Zero(t, counters.Errors)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	require.Len(t, chips, 1)
	assert.Equal(t, "NVIDIA", chips[0].VendorID)
	assert.Equal(t, "RTX 5090", chips[0].ModelName)

	variants, err := st.ListVariants(ctx, chips[0].ID)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "ASUS", variants[0].AIBManufacturer)
	require.NotNil(t, variants[0].ModelSuffix)
	assert.Equal(t, "TUF GAMING OC", *variants[0].ModelSuffix)
	require.NotNil(t, variants[0].FactoryBoostMHz)
	assert.Equal(t, 2610, *variants[0].FactoryBoostMHz)

	unlinked, err := st.UnlinkedObservations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestResolveBatchIdempotent(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())

	_, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	require.Len(t, chips, 1)
	firstVariants, err := st.ListVariants(ctx, chips[0].ID)
	require.NoError(t, err)
	require.Len(t, firstVariants, 1)

	// A later scrape of the same listing must land on the same variant
	// without touching the catalog.
	appendObservation(t, st, "obs_2", tufDescription)
	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_2", 0)
	require.NoError(t, err)

	assert.Zero(t, counters.ChipsCreated)
	assert.Zero(t, counters.VariantsCreated)
	assert.Equal(t, 1, counters.Linked)

	chips, err = st.ListChips(ctx)
	require.NoError(t, err)
	assert.Len(t, chips, 1)
	variants, err := st.ListVariants(ctx, chips[0].ID)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, firstVariants[0].ID, variants[0].ID)
}

func TestResolveBatchNoHypothesisDefers(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", "Grafikkarte RTX 5090, gebraucht")

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Scanned)
	assert.Equal(t, 1, counters.Deferred)
	assert.Zero(t, counters.ChipsCreated)
	assert.Zero(t, counters.VariantsCreated)
	assert.Zero(t, counters.Linked)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	assert.Empty(t, chips, "deferral never writes to the catalog")

	// The observation is kept, unlinked, for a later retry.
	unlinked, err := st.UnlinkedObservations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, "obs_1", unlinked[0].ID)

	deferrals, err := st.Deferrals(ctx, "run_resolve_1")
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Equal(t, resolve.DeferNoHypothesis, deferrals[0].Reason)
}

func TestResolveBatchBestHypothesisWins(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "heuristic", model.HypothesisClaims{
		ChipsetManufacturer: strPtr("NVIDIA"),
		ChipsetModel:        strPtr("RTX 5080"),
		AIBManufacturer:     strPtr("ASUS"),
	})
	appendHypothesis(t, st, "hyp_2", tufDescription, "perplexity", tufClaims())

	_, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	require.Len(t, chips, 1)
	assert.Equal(t, "RTX 5090", chips[0].ModelName, "the better-ranked source decides identity")
}

func TestResolveBatchIncompleteBestFallsBack(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "heuristic", tufClaims())
	// Best-ranked source returned nothing usable for identity.
	appendHypothesis(t, st, "hyp_2", tufDescription, "perplexity", model.HypothesisClaims{
		FanCount: intPtr(3),
	})

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Linked)
	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	require.Len(t, chips, 1)
	assert.Equal(t, "RTX 5090", chips[0].ModelName)
}

func TestResolveBatchAmbiguousDefers(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	seedChip(t, st, "chip_a", "RTX 5090", 32)
	seedChip(t, st, "chip_b", "RTX 5090", 24)

	desc := "ASUS TUF Gaming GeForce RTX 5090 OC"
	appendObservation(t, st, "obs_1", desc)
	appendHypothesis(t, st, "hyp_1", desc, "perplexity", model.HypothesisClaims{
		ChipsetManufacturer: strPtr("NVIDIA"),
		ChipsetModel:        strPtr("RTX 5090"),
		AIBManufacturer:     strPtr("ASUS"),
	})

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Deferred)
	assert.Zero(t, counters.Linked)
	assert.Zero(t, counters.ChipsCreated)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	assert.Len(t, chips, 2, "ambiguity fails closed without guessing a chip")

	deferrals, err := st.Deferrals(ctx, "run_resolve_1")
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Equal(t, resolve.DeferAmbiguous, deferrals[0].Reason)
}

func TestResolveBatchVRAMDisambiguates(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	seedChip(t, st, "chip_a", "RTX 5090", 32)
	seedChip(t, st, "chip_b", "RTX 5090", 24)

	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Zero(t, counters.ChipsCreated)
	assert.Equal(t, 1, counters.VariantsCreated)
	assert.Equal(t, 1, counters.Linked)

	variants, err := st.ListVariants(ctx, "chip_a")
	require.NoError(t, err)
	assert.Len(t, variants, 1)
}

func TestResolveBatchDistinctVRAMCreatesNewChip(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	seedChip(t, st, "chip_a", "RTX 5090", 32)

	desc := "INNO3D GeForce RTX 5090 X3 96GB GDDR7"
	appendObservation(t, st, "obs_1", desc)
	appendHypothesis(t, st, "hyp_1", desc, "perplexity", model.HypothesisClaims{
		ChipsetManufacturer: strPtr("NVIDIA"),
		ChipsetModel:        strPtr("RTX 5090"),
		VRAMGB:              intPtr(96),
		AIBManufacturer:     strPtr("INNO3D"),
	})

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.ChipsCreated, "a different memory configuration is a different chip, never a merge")
	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	assert.Len(t, chips, 2)
}

func TestResolveBatchMissingAIBDefers(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	desc := "GeForce RTX 5090 32GB Grafikkarte bulk"
	appendObservation(t, st, "obs_1", desc)
	appendHypothesis(t, st, "hyp_1", desc, "perplexity", model.HypothesisClaims{
		ChipsetManufacturer: strPtr("NVIDIA"),
		ChipsetModel:        strPtr("RTX 5090"),
		VRAMGB:              intPtr(32),
	})

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Deferred)
	deferrals, err := st.Deferrals(ctx, "run_resolve_1")
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Equal(t, resolve.DeferMissing, deferrals[0].Reason)
}

func TestResolveBatchContradictoryDefers(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", model.HypothesisClaims{
		ChipsetManufacturer: strPtr("AMD"),
		ChipsetModel:        strPtr("RTX 5090"),
		AIBManufacturer:     strPtr("ASUS"),
	})

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.Deferred)
	deferrals, err := st.Deferrals(ctx, "run_resolve_1")
	require.NoError(t, err)
	require.Len(t, deferrals, 1)
	assert.Equal(t, resolve.DeferContradictory, deferrals[0].Reason)
}

func TestResolveBatchGroupsSameDescription(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendObservation(t, st, "obs_2", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())

	counters, err := resolve.NewEngine(st, 2).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, counters.Scanned)
	assert.Equal(t, 1, counters.ChipsCreated)
	assert.Equal(t, 1, counters.VariantsCreated)
	assert.Equal(t, 2, counters.Linked)
}

func TestResolveBatchParallelGroupsStaySeparate(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()

	amdDesc := "Sapphire NITRO+ AMD Radeon RX 9070 XT 16GB GDDR6"
	appendObservation(t, st, "obs_1", tufDescription)
	appendObservation(t, st, "obs_2", amdDesc)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())
	appendHypothesis(t, st, "hyp_2", amdDesc, "perplexity", model.HypothesisClaims{
		ChipsetManufacturer: strPtr("AMD"),
		ChipsetModel:        strPtr("RX 9070 XT"),
		VRAMGB:              intPtr(16),
		AIBManufacturer:     strPtr("SAPPHIRE"),
		ModelSuffix:         strPtr("NITRO+"),
	})

	counters, err := resolve.NewEngine(st, 4).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, counters.ChipsCreated)
	assert.Equal(t, 2, counters.VariantsCreated)
	assert.Equal(t, 2, counters.Linked)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	require.Len(t, chips, 2)
}

func TestResolveBatchDryRunWritesNothing(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())

	eng := resolve.NewEngine(st, 1)
	eng.DryRun()
	counters, err := eng.ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, counters.ChipsCreated)
	assert.Equal(t, 1, counters.VariantsCreated)
	assert.Equal(t, 1, counters.Linked)

	chips, err := st.ListChips(ctx)
	require.NoError(t, err)
	assert.Empty(t, chips, "preview mode never touches the catalog")

	unlinked, err := st.UnlinkedObservations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unlinked, 1, "observation stays unlinked after a dry run")
}

func TestResolveBatchDeferredThenResolved(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	appendObservation(t, st, "obs_1", tufDescription)

	counters, err := resolve.NewEngine(st, 1).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Deferred)

	// Better evidence arrives; the next run links the stored observation.
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", tufClaims())

	counters, err = resolve.NewEngine(st, 1).ResolveBatch(ctx, "run_resolve_2", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Linked)
	assert.Equal(t, 0, counters.Deferred)

	unlinked, err := st.UnlinkedObservations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestResolveBatchCorrectsMatchedChipSpecs(t *testing.T) {
	st := newEngineStore(t)
	ctx := context.Background()
	seedChip(t, st, "chip_a", "RTX 5090", 32)

	claims := tufClaims()
	claims.TDPWatts = intPtr(575)
	claims.BoostClockMHz = intPtr(2407)
	appendObservation(t, st, "obs_1", tufDescription)
	appendHypothesis(t, st, "hyp_1", tufDescription, "perplexity", claims)

	counters, err := resolve.NewEngine(st, 1).ResolveBatch(ctx, "run_resolve_1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.ChipsCreated, "existing chip is matched, not recreated")
	assert.Equal(t, 1, counters.Linked)

	chip, err := st.GetChip(ctx, "chip_a")
	require.NoError(t, err)
	require.NotNil(t, chip)
	require.NotNil(t, chip.TDPWatts)
	assert.Equal(t, 575, *chip.TDPWatts)
	require.NotNil(t, chip.BoostClockMHz)
	assert.Equal(t, 2407, *chip.BoostClockMHz)
	assert.Equal(t, "RTX 5090", chip.ModelName, "identity fields untouched")
}
