package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pcbuilder/gpumarket-cli/internal/fingerprint"
	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
	"github.com/pcbuilder/gpumarket-cli/internal/store"
)

var errNoChoices = eris.New("enrich: empty completion response")

// Store is the persistence surface the enrichment pass needs.
type Store interface {
	EnrichmentCandidates(ctx context.Context, limit int) ([]store.EnrichmentCandidate, error)
	AppendHypothesis(ctx context.Context, h model.Hypothesis) (created bool, err error)
	fingerprint.Store
}

// Enricher drives one enrichment run over the distinct unlinked
// descriptions in the evidence store.
type Enricher struct {
	store    Store
	provider Provider
	fp       *fingerprint.Index
	limiter  *rate.Limiter
	log      *zap.Logger
	now      func() time.Time
}

// NewEnricher creates an enricher calling the provider at most perSecond
// times per second.
func NewEnricher(st Store, p Provider, perSecond float64) *Enricher {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Enricher{
		store:    st,
		provider: p,
		fp:       fingerprint.NewIndex(st),
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		log:      zap.L().With(zap.String("component", "enrich")),
		now:      time.Now,
	}
}

// Run enriches up to limit distinct descriptions. Descriptions already
// fingerprinted are skipped; the fingerprint is marked only after a
// hypothesis was stored, so a failed extraction is retried next run.
func (e *Enricher) Run(ctx context.Context, runID string, limit int) (*model.RunCounters, error) {
	cands, err := e.store.EnrichmentCandidates(ctx, limit)
	if err != nil {
		return nil, err
	}

	counters := &model.RunCounters{}
	for _, c := range cands {
		counters.Scanned++

		seen, err := e.fp.Seen(ctx, c.Description)
		if err != nil {
			counters.Errors++
			e.log.Warn("fingerprint lookup failed", zap.String("description", c.Description), zap.Error(err))
			continue
		}
		if seen {
			counters.Duplicates++
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return counters, eris.Wrap(err, "enrich: rate limiter")
		}

		claims, err := e.provider.Extract(ctx, c.Description, c.ProductURL)
		if err != nil {
			counters.Errors++
			e.log.Warn("extraction failed",
				zap.String("description", c.Description),
				zap.String("provider", e.provider.Name()),
				zap.Error(err))
			continue
		}

		createdAt := e.now().UTC()
		norm := resolve.NormalizeDescription(c.Description)
		h := model.Hypothesis{
			ID:              model.StableID("hyp", norm, e.provider.Name(), createdAt.Format(time.RFC3339)),
			Description:     c.Description,
			DescriptionNorm: norm,
			Source:          e.provider.Name(),
			RunID:           runID,
			Claims:          claims,
			CreatedAt:       createdAt,
		}
		created, err := e.store.AppendHypothesis(ctx, h)
		if err != nil {
			counters.Errors++
			e.log.Warn("hypothesis append failed", zap.String("description", c.Description), zap.Error(err))
			continue
		}
		if created {
			counters.Hypotheses++
		} else {
			counters.Duplicates++
		}

		if err := e.fp.Mark(ctx, c.Description, runID); err != nil {
			counters.Errors++
			e.log.Warn("fingerprint mark failed", zap.String("description", c.Description), zap.Error(err))
		}
	}

	e.log.Info("enrichment complete",
		zap.String("run_id", runID),
		zap.String("provider", e.provider.Name()),
		zap.Int("scanned", counters.Scanned),
		zap.Int("hypotheses", counters.Hypotheses),
		zap.Int("skipped", counters.Duplicates),
		zap.Int("errors", counters.Errors))
	return counters, nil
}
