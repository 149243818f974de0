// Package views derives read models from linked market observations. Every
// view is a pure recomputation over the joined market rows: same input,
// byte-identical output, so a rebuild never drifts.
package views

import (
	"sort"
	"time"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// LatestPrice is the newest observation per (variant, retailer).
type LatestPrice struct {
	VariantID       string            `json:"variant_id"`
	Retailer        string            `json:"retailer"`
	VendorID        string            `json:"vendor_id"`
	ModelName       string            `json:"model_name"`
	AIBManufacturer string            `json:"aib_manufacturer"`
	ModelSuffix     *string           `json:"model_suffix,omitempty"`
	VRAMGB          *int              `json:"vram_gb,omitempty"`
	BoostClockMHz   *int              `json:"boost_clock_mhz,omitempty"`
	PriceEUR        float64           `json:"price_eur"`
	Currency        string            `json:"currency"`
	StockStatus     model.StockStatus `json:"stock_status"`
	ProductURL      string            `json:"product_url"`
	ObservedAt      time.Time         `json:"observed_at"`
	ObservationID   string            `json:"observation_id"`
}

// ValueMetric ranks variants by price efficiency over their best current
// offer. Only in-stock and low-stock offers count; a price nobody can pay
// is not a value signal.
type ValueMetric struct {
	VariantID       string   `json:"variant_id"`
	ModelName       string   `json:"model_name"`
	AIBManufacturer string   `json:"aib_manufacturer"`
	ModelSuffix     *string  `json:"model_suffix,omitempty"`
	BestPriceEUR    float64  `json:"best_price_eur"`
	BestRetailer    string   `json:"best_retailer"`
	VRAMGB          *int     `json:"vram_gb,omitempty"`
	EURPerGB        *float64 `json:"eur_per_gb,omitempty"`
	EURPerBoostMHz  *float64 `json:"eur_per_boost_mhz,omitempty"`
}

// PriceStats aggregates a variant's full observation history.
type PriceStats struct {
	VariantID       string  `json:"variant_id"`
	ModelName       string  `json:"model_name"`
	AIBManufacturer string  `json:"aib_manufacturer"`
	Observations    int     `json:"observations"`
	MinPriceEUR     float64 `json:"min_price_eur"`
	MaxPriceEUR     float64 `json:"max_price_eur"`
	AvgPriceEUR     float64 `json:"avg_price_eur"`
}

// Latest computes the newest observation per (variant, retailer). Ties on
// observed_at break on observation id, so the projection is deterministic.
func Latest(rows []model.MarketRow) []LatestPrice {
	type key struct{ variantID, retailer string }
	best := map[key]model.MarketRow{}
	for _, row := range rows {
		k := key{row.VariantID, row.Observation.Retailer}
		cur, ok := best[k]
		if !ok || newer(row.Observation, cur.Observation) {
			best[k] = row
		}
	}

	out := make([]LatestPrice, 0, len(best))
	for _, row := range best {
		out = append(out, LatestPrice{
			VariantID:       row.VariantID,
			Retailer:        row.Observation.Retailer,
			VendorID:        row.VendorID,
			ModelName:       row.ModelName,
			AIBManufacturer: row.AIBManufacturer,
			ModelSuffix:     row.ModelSuffix,
			VRAMGB:          row.VRAMGB,
			BoostClockMHz:   row.BoostClockMHz,
			PriceEUR:        row.Observation.PriceEUR,
			Currency:        row.Observation.Currency,
			StockStatus:     row.Observation.StockStatus,
			ProductURL:      row.Observation.ProductURL,
			ObservedAt:      row.Observation.ObservedAt,
			ObservationID:   row.Observation.ID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VariantID != out[j].VariantID {
			return out[i].VariantID < out[j].VariantID
		}
		return out[i].Retailer < out[j].Retailer
	})
	return out
}

func newer(a, b model.Observation) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ID > b.ID
}

func buyable(status model.StockStatus) bool {
	return status == model.StockInStock || status == model.StockLowStock
}

// ValueMetrics computes price-efficiency metrics over the latest-price
// projection. Output is sorted by eur/GB ascending; variants with unknown
// VRAM sort last, by variant id.
func ValueMetrics(latest []LatestPrice) []ValueMetric {
	best := map[string]LatestPrice{}
	for _, lp := range latest {
		if !buyable(lp.StockStatus) {
			continue
		}
		cur, ok := best[lp.VariantID]
		if !ok || lp.PriceEUR < cur.PriceEUR ||
			(lp.PriceEUR == cur.PriceEUR && lp.Retailer < cur.Retailer) {
			best[lp.VariantID] = lp
		}
	}

	out := make([]ValueMetric, 0, len(best))
	for _, lp := range best {
		m := ValueMetric{
			VariantID:       lp.VariantID,
			ModelName:       lp.ModelName,
			AIBManufacturer: lp.AIBManufacturer,
			ModelSuffix:     lp.ModelSuffix,
			BestPriceEUR:    lp.PriceEUR,
			BestRetailer:    lp.Retailer,
			VRAMGB:          lp.VRAMGB,
		}
		if lp.VRAMGB != nil && *lp.VRAMGB > 0 {
			v := lp.PriceEUR / float64(*lp.VRAMGB)
			m.EURPerGB = &v
		}
		if lp.BoostClockMHz != nil && *lp.BoostClockMHz > 0 {
			v := lp.PriceEUR / float64(*lp.BoostClockMHz)
			m.EURPerBoostMHz = &v
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].EURPerGB, out[j].EURPerGB
		switch {
		case oi != nil && oj != nil && *oi != *oj:
			return *oi < *oj
		case oi != nil && oj == nil:
			return true
		case oi == nil && oj != nil:
			return false
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out
}

// Stats aggregates min/max/avg price per variant over the full history.
func Stats(rows []model.MarketRow) []PriceStats {
	agg := map[string]*PriceStats{}
	for _, row := range rows {
		s, ok := agg[row.VariantID]
		if !ok {
			s = &PriceStats{
				VariantID:       row.VariantID,
				ModelName:       row.ModelName,
				AIBManufacturer: row.AIBManufacturer,
				MinPriceEUR:     row.Observation.PriceEUR,
				MaxPriceEUR:     row.Observation.PriceEUR,
			}
			agg[row.VariantID] = s
		}
		price := row.Observation.PriceEUR
		if price < s.MinPriceEUR {
			s.MinPriceEUR = price
		}
		if price > s.MaxPriceEUR {
			s.MaxPriceEUR = price
		}
		s.AvgPriceEUR += price
		s.Observations++
	}

	out := make([]PriceStats, 0, len(agg))
	for _, s := range agg {
		s.AvgPriceEUR /= float64(s.Observations)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}
