// Package evidence is the intake boundary for scraped market data. Every
// record is validated here before anything is persisted; a malformed record
// is rejected with a reason and never enters the store, and one bad record
// never aborts the rest of its file.
package evidence

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
)

// Rejection reasons.
const (
	RejectMissingField       = "missing_field"
	RejectInvalidPrice       = "invalid_price"
	RejectInvalidStockStatus = "invalid_stock_status"
	RejectInvalidTimestamp   = "invalid_timestamp"
	RejectUnreadableFile     = "unreadable_file"
)

// ObservationRecord is the raw shape of one scraped marketplace row, as the
// scrapers write it.
type ObservationRecord struct {
	Description string  `json:"product_name_raw"`
	Retailer    string  `json:"retailer"`
	SKU         *string `json:"sku,omitempty"`
	ProductURL  string  `json:"product_url"`
	PriceEUR    float64 `json:"price_eur"`
	Currency    string  `json:"currency"`
	StockStatus string  `json:"stock_status"`
	ObservedAt  string  `json:"observed_at_utc"`
}

// HypothesisRecord is the raw shape of one enrichment hypothesis file.
type HypothesisRecord struct {
	HypothesisType string `json:"hypothesis_type"`
	Source         string `json:"source"`
	CreatedAt      string `json:"created_at"`
	Input          struct {
		ModelName string `json:"model_name"`
	} `json:"input"`
	Extraction model.HypothesisClaims `json:"extraction"`
}

// Rejection records why one intake record was refused at the boundary.
type Rejection struct {
	File   string `json:"file"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// Report summarizes one intake pass.
type Report struct {
	Scanned    int         `json:"scanned"`
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   int         `json:"rejected"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

func (r *Report) merge(other *Report) {
	r.Scanned += other.Scanned
	r.Accepted += other.Accepted
	r.Duplicates += other.Duplicates
	r.Rejected += other.Rejected
	r.Rejections = append(r.Rejections, other.Rejections...)
}

// Store is the persistence surface intake needs.
type Store interface {
	AppendObservations(ctx context.Context, obs []model.Observation) (int64, error)
	AppendHypothesis(ctx context.Context, h model.Hypothesis) (created bool, err error)
}

// Intake validates and appends scraped evidence files.
type Intake struct {
	store Store
	log   *zap.Logger
}

// NewIntake creates an evidence intake over the given store.
func NewIntake(st Store) *Intake {
	return &Intake{
		store: st,
		log:   zap.L().With(zap.String("component", "evidence")),
	}
}

// ValidateObservation checks one raw record and builds the immutable
// observation it maps to. The observation id is derived from the record's
// identity fields, so re-ingesting the same scrape yields the same id.
func ValidateObservation(rec ObservationRecord, runID string) (model.Observation, *Rejection) {
	var missing []string
	if strings.TrimSpace(rec.Description) == "" {
		missing = append(missing, "product_name_raw")
	}
	if strings.TrimSpace(rec.Retailer) == "" {
		missing = append(missing, "retailer")
	}
	if strings.TrimSpace(rec.ProductURL) == "" {
		missing = append(missing, "product_url")
	}
	if strings.TrimSpace(rec.Currency) == "" {
		missing = append(missing, "currency")
	}
	if strings.TrimSpace(rec.ObservedAt) == "" {
		missing = append(missing, "observed_at_utc")
	}
	if len(missing) > 0 {
		return model.Observation{}, &Rejection{Reason: RejectMissingField, Detail: strings.Join(missing, ", ")}
	}

	observedAt, err := time.Parse(time.RFC3339, rec.ObservedAt)
	if err != nil {
		return model.Observation{}, &Rejection{Reason: RejectInvalidTimestamp, Detail: rec.ObservedAt}
	}
	if rec.PriceEUR <= 0 {
		return model.Observation{}, &Rejection{Reason: RejectInvalidPrice, Detail: "price_eur must be > 0"}
	}
	status := model.StockStatus(rec.StockStatus)
	if !status.Valid() {
		return model.Observation{}, &Rejection{Reason: RejectInvalidStockStatus, Detail: rec.StockStatus}
	}

	return model.Observation{
		ID:          model.StableID("obs", rec.Description, rec.Retailer, rec.ProductURL, rec.ObservedAt),
		Description: rec.Description,
		Retailer:    rec.Retailer,
		SKU:         rec.SKU,
		ProductURL:  rec.ProductURL,
		PriceEUR:    rec.PriceEUR,
		Currency:    rec.Currency,
		StockStatus: status,
		ObservedAt:  observedAt.UTC(),
		RunID:       runID,
	}, nil
}

// ValidateHypothesis checks one raw hypothesis file payload and builds the
// append-only hypothesis it maps to.
func ValidateHypothesis(rec HypothesisRecord, runID string) (model.Hypothesis, *Rejection) {
	var missing []string
	if strings.TrimSpace(rec.Input.ModelName) == "" {
		missing = append(missing, "input.model_name")
	}
	if strings.TrimSpace(rec.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(rec.CreatedAt) == "" {
		missing = append(missing, "created_at")
	}
	if len(missing) > 0 {
		return model.Hypothesis{}, &Rejection{Reason: RejectMissingField, Detail: strings.Join(missing, ", ")}
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return model.Hypothesis{}, &Rejection{Reason: RejectInvalidTimestamp, Detail: rec.CreatedAt}
	}

	norm := resolve.NormalizeDescription(rec.Input.ModelName)
	return model.Hypothesis{
		ID:              model.StableID("hyp", norm, rec.Source, rec.CreatedAt),
		Description:     rec.Input.ModelName,
		DescriptionNorm: norm,
		Source:          rec.Source,
		RunID:           runID,
		Claims:          rec.Extraction,
		CreatedAt:       createdAt.UTC(),
	}, nil
}

// IngestObservationFile appends one scraped products file. Valid records are
// appended in one batch; invalid ones are reported and skipped.
func (in *Intake) IngestObservationFile(ctx context.Context, runID, path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read %s", path)
	}
	var records []ObservationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrapf(err, "evidence: parse %s", path)
	}

	report := &Report{Scanned: len(records)}
	valid := make([]model.Observation, 0, len(records))
	for i, rec := range records {
		obs, rej := ValidateObservation(rec, runID)
		if rej != nil {
			rej.File = path
			rej.Index = i
			report.Rejected++
			report.Rejections = append(report.Rejections, *rej)
			in.log.Warn("record rejected",
				zap.String("file", path),
				zap.Int("index", i),
				zap.String("reason", rej.Reason),
				zap.String("detail", rej.Detail))
			continue
		}
		valid = append(valid, obs)
	}

	if len(valid) > 0 {
		inserted, err := in.store.AppendObservations(ctx, valid)
		if err != nil {
			return report, eris.Wrapf(err, "evidence: append %s", path)
		}
		report.Accepted = int(inserted)
		report.Duplicates = len(valid) - int(inserted)
	}
	return report, nil
}

// IngestHypothesisFile appends one hypothesis file.
func (in *Intake) IngestHypothesisFile(ctx context.Context, runID, path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read %s", path)
	}
	var rec HypothesisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(err, "evidence: parse %s", path)
	}

	report := &Report{Scanned: 1}
	h, rej := ValidateHypothesis(rec, runID)
	if rej != nil {
		rej.File = path
		report.Rejected++
		report.Rejections = append(report.Rejections, *rej)
		in.log.Warn("hypothesis rejected",
			zap.String("file", path),
			zap.String("reason", rej.Reason),
			zap.String("detail", rej.Detail))
		return report, nil
	}

	created, err := in.store.AppendHypothesis(ctx, h)
	if err != nil {
		return report, eris.Wrapf(err, "evidence: append hypothesis %s", path)
	}
	if created {
		report.Accepted++
	} else {
		report.Duplicates++
	}
	return report, nil
}

// IngestDir walks a scrape directory and ingests every products and
// hypothesis file under it. An unreadable file is reported and skipped; it
// never aborts the walk.
func (in *Intake) IngestDir(ctx context.Context, runID, dir string) (*Report, error) {
	var productFiles, hypothesisFiles []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".products.json"):
			productFiles = append(productFiles, path)
		case strings.HasSuffix(path, ".hypothesis.json"):
			hypothesisFiles = append(hypothesisFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: walk %s", dir)
	}
	sort.Strings(productFiles)
	sort.Strings(hypothesisFiles)

	total := &Report{}
	for _, path := range productFiles {
		report, err := in.IngestObservationFile(ctx, runID, path)
		if err != nil {
			in.log.Warn("file skipped", zap.String("file", path), zap.Error(err))
			total.Rejections = append(total.Rejections, Rejection{File: path, Reason: RejectUnreadableFile, Detail: err.Error()})
			total.Rejected++
			continue
		}
		total.merge(report)
	}
	for _, path := range hypothesisFiles {
		report, err := in.IngestHypothesisFile(ctx, runID, path)
		if err != nil {
			in.log.Warn("file skipped", zap.String("file", path), zap.Error(err))
			total.Rejections = append(total.Rejections, Rejection{File: path, Reason: RejectUnreadableFile, Detail: err.Error()})
			total.Rejected++
			continue
		}
		total.merge(report)
	}

	in.log.Info("intake complete",
		zap.String("run_id", runID),
		zap.Int("files", len(productFiles)+len(hypothesisFiles)),
		zap.Int("scanned", total.Scanned),
		zap.Int("accepted", total.Accepted),
		zap.Int("duplicates", total.Duplicates),
		zap.Int("rejected", total.Rejected))
	return total, nil
}
