// Package store provides persistence for the canonical catalog, the
// append-only evidence log, the fingerprint index, and run lineage, with
// SQLite and PostgreSQL backends behind one interface.
package store

import (
	"context"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind   model.RunKind   `json:"kind,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// EnrichmentCandidate is one distinct unlinked product description and a
// representative listing URL, the unit of work for the enrichment pass.
type EnrichmentCandidate struct {
	Description string `json:"description"`
	ProductURL  string `json:"product_url"`
}

// Store is the persistence boundary for the resolution pipeline.
//
// The catalog section is the only mutable shared surface; identity creation
// is guarded by primary-key uniqueness, so concurrent creation attempts for
// the same identity key cannot both succeed (the loser sees created=false
// and retries as a lookup). Evidence and fingerprint sections are
// append/lookup only.
type Store interface {
	// Catalog
	CreateChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) (created bool, err error)
	SeedChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) error
	UpdateChipSpecs(ctx context.Context, chipID string, specs model.ChipSpecs) error
	GetChip(ctx context.Context, chipID string) (*model.Chip, error)
	ListChips(ctx context.Context) ([]model.Chip, error)
	ChipIndex(ctx context.Context) (*model.ChipIndex, error)
	CreateVariant(ctx context.Context, v model.Variant) (created bool, err error)
	GetVariant(ctx context.Context, variantID string) (*model.Variant, error)
	ListVariants(ctx context.Context, chipID string) ([]model.Variant, error)

	// Reference vocabularies (closed sets; loaded by seed)
	UpsertVendor(ctx context.Context, v model.Vendor) error
	ListVendors(ctx context.Context) ([]model.Vendor, error)
	UpsertArchitecture(ctx context.Context, a model.Architecture) error
	ListArchitectures(ctx context.Context) ([]model.Architecture, error)
	UpsertMemoryType(ctx context.Context, m model.MemoryType) error
	ListMemoryTypes(ctx context.Context) ([]model.MemoryType, error)

	// Evidence (append-only; no update or delete surface exists)
	AppendObservation(ctx context.Context, obs model.Observation) (created bool, err error)
	AppendObservations(ctx context.Context, obs []model.Observation) (int64, error)
	AppendHypothesis(ctx context.Context, h model.Hypothesis) (created bool, err error)
	HypothesesForDescription(ctx context.Context, descriptionNorm string) ([]model.Hypothesis, error)
	UnlinkedObservations(ctx context.Context, limit int) ([]model.Observation, error)
	LinkObservation(ctx context.Context, observationID, variantID string) (linked bool, err error)
	ObservationsForRun(ctx context.Context, runID string) ([]model.Observation, error)
	ObservationsForVariant(ctx context.Context, variantID string) ([]model.Observation, error)
	EnrichmentCandidates(ctx context.Context, limit int) ([]EnrichmentCandidate, error)

	// Fingerprint index (enrichment gate only; never identity)
	HasSeen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key, runID string) error

	// Run lineage
	CreateRun(ctx context.Context, kind model.RunKind) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, counters *model.RunCounters, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Deferral diagnostics
	RecordDeferral(ctx context.Context, d model.Deferral) error
	Deferrals(ctx context.Context, runID string) ([]model.Deferral, error)

	// View source: linked observations joined to variant + chip + memory.
	MarketRows(ctx context.Context) ([]model.MarketRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
