package resolve

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// Deferral reasons. An observation deferred under any of these stays in the
// store unlinked and is retried on a later run.
const (
	DeferNoHypothesis  = "no_hypothesis"
	DeferMissing       = "missing"
	DeferContradictory = "contradictory"
	DeferAmbiguous     = "ambiguous"
)

// Store is the narrow catalog/evidence surface the engine needs. The store
// package's backends satisfy it.
type Store interface {
	ChipIndex(ctx context.Context) (*model.ChipIndex, error)
	CreateChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) (created bool, err error)
	CreateVariant(ctx context.Context, v model.Variant) (created bool, err error)
	UpdateChipSpecs(ctx context.Context, chipID string, specs model.ChipSpecs) error
	UnlinkedObservations(ctx context.Context, limit int) ([]model.Observation, error)
	HypothesesForDescription(ctx context.Context, descriptionNorm string) ([]model.Hypothesis, error)
	LinkObservation(ctx context.Context, observationID, variantID string) (linked bool, err error)
	RecordDeferral(ctx context.Context, d model.Deferral) error
}

// Engine maps unlinked observations to canonical variants. Identity comes
// from the best-ranked applicable hypothesis; matching against the catalog
// is exact, and anything short of an exact single match defers instead of
// guessing.
type Engine struct {
	store   Store
	workers int
	dryRun  bool
	log     *zap.Logger
}

// NewEngine creates a resolution engine processing description groups with
// up to workers goroutines.
func NewEngine(st Store, workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:   st,
		workers: workers,
		log:     zap.L().With(zap.String("component", "resolve")),
	}
}

// DryRun switches the engine into preview mode: decisions are computed and
// counted as if applied, but nothing is written. A previewed chip creation
// still lands in the in-memory index so later groups in the same batch see
// it.
func (e *Engine) DryRun() {
	e.dryRun = true
}

// ResolveBatch processes up to limit unlinked observations in one run.
// Observations sharing a description form one group and resolve to one
// decision; independent groups run in parallel. Per-group failures are
// counted, never fatal for the batch.
func (e *Engine) ResolveBatch(ctx context.Context, runID string, limit int) (*model.RunCounters, error) {
	ix, err := e.store.ChipIndex(ctx)
	if err != nil {
		return nil, err
	}
	obs, err := e.store.UnlinkedObservations(ctx, limit)
	if err != nil {
		return nil, err
	}

	groups := map[string][]model.Observation{}
	for _, o := range obs {
		groups[o.Description] = append(groups[o.Description], o)
	}
	descriptions := make([]string, 0, len(groups))
	for d := range groups {
		descriptions = append(descriptions, d)
	}
	sort.Strings(descriptions)

	counters := &model.RunCounters{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, desc := range descriptions {
		batch := groups[desc]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e.resolveGroup(gctx, runID, ix, desc, batch, counters, &mu)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counters, err
	}
	e.log.Info("batch resolved",
		zap.String("run_id", runID),
		zap.Int("scanned", counters.Scanned),
		zap.Int("linked", counters.Linked),
		zap.Int("deferred", counters.Deferred),
		zap.Int("chips_created", counters.ChipsCreated),
		zap.Int("variants_created", counters.VariantsCreated),
	)
	return counters, nil
}

func (e *Engine) resolveGroup(ctx context.Context, runID string, ix *model.ChipIndex, description string, batch []model.Observation, counters *model.RunCounters, mu *sync.Mutex) {
	log := e.log.With(zap.String("run_id", runID), zap.String("description", description))

	hyps, err := e.store.HypothesesForDescription(ctx, NormalizeDescription(description))
	if err != nil {
		log.Warn("hypothesis lookup failed", zap.Error(err))
		mu.Lock()
		counters.Errors += len(batch)
		mu.Unlock()
		return
	}

	mu.Lock()
	counters.Scanned += len(batch)
	mu.Unlock()

	id, reason, detail := deriveIdentity(description, hyps)
	if id == nil {
		e.deferBatch(ctx, runID, batch, reason, detail, counters, mu)
		return
	}

	// Identity matching and creation are serialized so two groups cannot
	// race the in-memory index. The database unique constraint covers
	// cross-process races.
	mu.Lock()
	chipID, chipCreated, reason, detail, err := e.matchOrCreateChip(ctx, ix, id)
	mu.Unlock()
	if err != nil {
		log.Warn("chip resolution failed", zap.Error(err))
		mu.Lock()
		counters.Errors += len(batch)
		mu.Unlock()
		return
	}
	if chipID == "" {
		e.deferBatch(ctx, runID, batch, reason, detail, counters, mu)
		return
	}

	// Matched chips pick up descriptive corrections from the winning
	// hypothesis. Identity fields are never touched here.
	if !chipCreated && !e.dryRun {
		if specs, ok := claimedSpecs(id.claims); ok {
			if err := e.store.UpdateChipSpecs(ctx, chipID, specs); err != nil {
				log.Warn("chip spec update failed", zap.Error(err), zap.String("chip_id", chipID))
			}
		}
	}

	variant := buildVariant(chipID, id)
	variantCreated := true
	if !e.dryRun {
		variantCreated, err = e.store.CreateVariant(ctx, variant)
		if err != nil {
			log.Warn("variant creation failed", zap.Error(err), zap.String("variant_id", variant.ID))
			mu.Lock()
			counters.Errors += len(batch)
			mu.Unlock()
			return
		}
	}

	mu.Lock()
	if chipCreated {
		counters.ChipsCreated++
	}
	if variantCreated {
		counters.VariantsCreated++
	}
	mu.Unlock()

	for _, o := range batch {
		if e.dryRun {
			mu.Lock()
			counters.Linked++
			mu.Unlock()
			continue
		}
		linked, err := e.store.LinkObservation(ctx, o.ID, variant.ID)
		if err != nil {
			log.Warn("link failed", zap.Error(err), zap.String("observation_id", o.ID))
			mu.Lock()
			counters.Errors++
			mu.Unlock()
			continue
		}
		mu.Lock()
		if linked {
			counters.Linked++
		} else {
			counters.Duplicates++
		}
		mu.Unlock()
	}
	log.Debug("resolved",
		zap.String("chip_id", chipID),
		zap.String("variant_id", variant.ID),
		zap.Int("observations", len(batch)))
}

func (e *Engine) deferBatch(ctx context.Context, runID string, batch []model.Observation, reason, detail string, counters *model.RunCounters, mu *sync.Mutex) {
	for _, o := range batch {
		if e.dryRun {
			mu.Lock()
			counters.Deferred++
			mu.Unlock()
			continue
		}
		err := e.store.RecordDeferral(ctx, model.Deferral{
			ObservationID: o.ID,
			RunID:         runID,
			Reason:        reason,
			Detail:        detail,
		})
		mu.Lock()
		if err != nil {
			counters.Errors++
		} else {
			counters.Deferred++
		}
		mu.Unlock()
	}
}

// identity is the resolved set of identity-bearing attributes for one
// description, derived from its best applicable hypothesis with lexical
// hints filling claim gaps.
type identity struct {
	vendor     string
	modelName  string // display form, e.g. "RTX 5090"
	modelKey   string // canonical match key, e.g. "5090"
	vramGB     int    // 0 = unknown
	aib        string
	suffix     string
	series     string
	memoryType string
	claims     model.HypothesisClaims
}

// deriveIdentity picks identity attributes from the best-ranked hypothesis
// that carries a usable, self-consistent identity. Returns a nil identity
// plus a deferral reason when no hypothesis qualifies.
func deriveIdentity(description string, hyps []model.Hypothesis) (*identity, string, string) {
	if len(hyps) == 0 {
		return nil, DeferNoHypothesis, "no hypotheses recorded for description"
	}
	lex := Normalize(description)
	ranked := RankHypotheses(hyps)

	contradiction := ""
	for i := len(ranked) - 1; i >= 0; i-- {
		id, problem := applyClaims(lex, ranked[i].Claims)
		if id != nil {
			return id, "", ""
		}
		if problem != "" && contradiction == "" {
			contradiction = problem
		}
	}
	if contradiction != "" {
		return nil, DeferContradictory, contradiction
	}
	return nil, DeferMissing, "no hypothesis carries vendor, model, and board partner"
}

// applyClaims validates one hypothesis's claims against the lexical
// candidate. Returns (nil, "") when the claims are merely incomplete and
// (nil, detail) when they are self-contradictory.
func applyClaims(lex Candidate, c model.HypothesisClaims) (*identity, string) {
	if c.ChipsetManufacturer == nil || c.ChipsetModel == nil {
		return nil, ""
	}
	vendor := NormalizeVendor(*c.ChipsetManufacturer)
	if vendor == "" {
		return nil, ""
	}
	parsed := parseModel(cleanText(*c.ChipsetModel))
	if parsed.vendor != "" && parsed.vendor != vendor {
		return nil, "claimed vendor " + vendor + " conflicts with claimed model " + *c.ChipsetModel
	}
	modelKey := CanonicalModelKey(*c.ChipsetModel)
	if modelKey == "" {
		return nil, ""
	}

	aib := ""
	if c.AIBManufacturer != nil {
		aib = strings.ToUpper(strings.TrimSpace(*c.AIBManufacturer))
	}
	if aib == "" {
		aib = lex.AIBManufacturer
	}
	if aib == "" {
		return nil, ""
	}

	displayName := parsed.modelName
	if displayName == "" {
		displayName = strings.TrimSpace(*c.ChipsetModel)
	}
	vram := lex.VRAMGB
	if c.VRAMGB != nil {
		vram = *c.VRAMGB
	}
	suffix := lex.ModelSuffix
	if c.ModelSuffix != nil && strings.TrimSpace(*c.ModelSuffix) != "" {
		suffix = strings.TrimSpace(*c.ModelSuffix)
	}
	series := parsed.series
	if series == "" {
		series = lex.Series
	}

	return &identity{
		vendor:     vendor,
		modelName:  displayName,
		modelKey:   modelKey,
		vramGB:     vram,
		aib:        aib,
		suffix:     suffix,
		series:     series,
		memoryType: lex.MemoryType,
		claims:     c,
	}, ""
}

// matchOrCreateChip finds the single chip consistent with the identity, or
// creates one when no candidate exists. Multiple consistent candidates
// defer; near-misses never merge. Returns an empty chip id with a deferral
// reason when matching fails closed.
func (e *Engine) matchOrCreateChip(ctx context.Context, ix *model.ChipIndex, id *identity) (chipID string, created bool, reason, detail string, err error) {
	cands := ix.Candidates(id.vendor, id.modelKey)

	if id.vramGB > 0 {
		var exact, unknown []string
		for _, c := range cands {
			v, known := ix.VRAMByChip[c]
			switch {
			case !known:
				unknown = append(unknown, c)
			case v == id.vramGB:
				exact = append(exact, c)
			}
		}
		if len(exact) == 1 {
			return exact[0], false, "", "", nil
		}
		if len(exact) > 1 {
			return "", false, DeferAmbiguous,
				strconv.Itoa(len(exact)) + " chips match " + id.vendor + " " + id.modelKey + " at " + strconv.Itoa(id.vramGB) + " gb", nil
		}
		if len(unknown) == 1 {
			return unknown[0], false, "", "", nil
		}
		if len(unknown) > 1 {
			return "", false, DeferAmbiguous,
				strconv.Itoa(len(unknown)) + " chips match " + id.vendor + " " + id.modelKey + " with unknown vram", nil
		}
		// Candidates exist but none is consistent with the claimed VRAM,
		// or none exist at all: this is a distinct memory configuration.
	} else {
		if len(cands) == 1 {
			return cands[0], false, "", "", nil
		}
		if len(cands) > 1 {
			return "", false, DeferAmbiguous,
				strconv.Itoa(len(cands)) + " chips match " + id.vendor + " " + id.modelKey + " and no vram evidence disambiguates", nil
		}
	}

	chipID = model.StableID("chip", chipIdentityParts(id)...)
	chip := model.Chip{
		ID:            chipID,
		VendorID:      id.vendor,
		ModelName:     id.modelName,
		TDPWatts:      id.claims.TDPWatts,
		BoostClockMHz: id.claims.BoostClockMHz,
	}
	if id.series != "" {
		chip.BrandSeries = &id.series
	}
	mem := &model.Memory{ChipID: chipID}
	if id.vramGB > 0 {
		mem.VRAMGB = &id.vramGB
	}
	if id.memoryType != "" {
		mem.MemoryTypeID = &id.memoryType
	}

	created = true
	if !e.dryRun {
		created, err = e.store.CreateChip(ctx, chip, mem, &model.Features{ChipID: chipID})
		if err != nil {
			return "", false, "", "", err
		}
	}
	if !contains(cands, chipID) {
		ix.Add(id.vendor, id.modelKey, chipID)
		if id.vramGB > 0 {
			ix.VRAMByChip[chipID] = id.vramGB
		}
	}
	return chipID, created, "", "", nil
}

// chipIdentityParts and variantIdentityParts fix the part order behind the
// stable synthetic keys. Changing either changes every derived id.
func chipIdentityParts(id *identity) []any {
	parts := []any{id.vendor, id.modelKey}
	if id.vramGB > 0 {
		parts = append(parts, id.vramGB)
	} else {
		parts = append(parts, nil)
	}
	return parts
}

func variantIdentityParts(id *identity) []any {
	parts := chipIdentityParts(id)
	parts = append(parts, id.aib, id.suffix, id.claims.PartNumber)
	return parts
}

func buildVariant(chipID string, id *identity) model.Variant {
	v := model.Variant{
		ID:              model.StableID("var", variantIdentityParts(id)...),
		ChipID:          chipID,
		AIBManufacturer: id.aib,
	}
	if id.suffix != "" {
		suffix := id.suffix
		v.ModelSuffix = &suffix
	}
	c := id.claims
	v.PartNumber = c.PartNumber
	v.FactoryBoostMHz = c.FactoryBoostMHz
	v.LengthMM = c.LengthMM
	v.WidthSlots = c.WidthSlots
	v.HeightMM = c.HeightMM
	v.PowerConnectors = c.PowerConnectors
	if c.CoolingType != nil && model.CoolingType(*c.CoolingType).Valid() {
		v.CoolingType = c.CoolingType
	}
	v.FanCount = c.FanCount
	v.DisplayPortCount = c.DisplayPortCount
	v.DisplayPortVersion = c.DisplayPortVersion
	v.HDMICount = c.HDMICount
	v.HDMIVersion = c.HDMIVersion
	v.WarrantyYears = c.WarrantyYears
	return v
}

// claimedSpecs extracts the descriptive chip attributes a hypothesis may
// correct in place. False when the claims carry none.
func claimedSpecs(c model.HypothesisClaims) (model.ChipSpecs, bool) {
	specs := model.ChipSpecs{
		BoostClockMHz: c.BoostClockMHz,
		TDPWatts:      c.TDPWatts,
	}
	return specs, c.BoostClockMHz != nil || c.TDPWatts != nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
