package model

import "time"

// StockStatus is the closed vocabulary for retailer stock state.
type StockStatus string

const (
	StockInStock      StockStatus = "in_stock"
	StockLowStock     StockStatus = "low_stock"
	StockPreorder     StockStatus = "preorder"
	StockOutOfStock   StockStatus = "out_of_stock"
	StockDiscontinued StockStatus = "discontinued"
)

// Valid reports whether the value is a recognized stock status.
func (s StockStatus) Valid() bool {
	switch s {
	case StockInStock, StockLowStock, StockPreorder, StockOutOfStock, StockDiscontinued:
		return true
	}
	return false
}

// Observation is an immutable point-in-time market fact: one price/stock
// snapshot for one product description at one retailer. VariantID is nil
// until the resolution engine links it; the link is set exactly once and
// never changed. No other field is ever mutated after insert.
type Observation struct {
	ID          string      `json:"observation_id"`
	VariantID   *string     `json:"variant_id,omitempty"`
	Description string      `json:"description"`
	Retailer    string      `json:"retailer"`
	SKU         *string     `json:"sku,omitempty"`
	ProductURL  string      `json:"product_url"`
	PriceEUR    float64     `json:"price_eur"`
	Currency    string      `json:"currency"`
	StockStatus StockStatus `json:"stock_status"`
	ObservedAt  time.Time   `json:"observed_at"`
	RunID       string      `json:"run_id"`
}

// HypothesisClaims are the attributes an enrichment source claims for a
// product description. They are evidence, never truth: nothing here enters
// the catalog until the engine's exact-match rules accept it.
type HypothesisClaims struct {
	ChipsetManufacturer *string  `json:"chipset_manufacturer,omitempty"`
	ChipsetModel        *string  `json:"chipset_model,omitempty"`
	VRAMGB              *int     `json:"vram_gb,omitempty"`
	AIBManufacturer     *string  `json:"aib_manufacturer,omitempty"`
	ModelSuffix         *string  `json:"aib_model_suffix,omitempty"`
	PartNumber          *string  `json:"part_number,omitempty"`
	IsOC                *bool    `json:"is_oc,omitempty"`
	FactoryBoostMHz     *int     `json:"factory_boost_mhz,omitempty"`
	LengthMM            *int     `json:"length_mm,omitempty"`
	WidthSlots          *float64 `json:"width_slots,omitempty"`
	HeightMM            *int     `json:"height_mm,omitempty"`
	PowerConnectors     *string  `json:"power_connectors,omitempty"`
	CoolingType         *string  `json:"cooling_type,omitempty"`
	FanCount            *int     `json:"fan_count,omitempty"`
	DisplayPortCount    *int     `json:"displayport_count,omitempty"`
	DisplayPortVersion  *string  `json:"displayport_version,omitempty"`
	HDMICount           *int     `json:"hdmi_count,omitempty"`
	HDMIVersion         *string  `json:"hdmi_version,omitempty"`
	WarrantyYears       *int     `json:"warranty_years,omitempty"`
	TDPWatts            *int     `json:"tdp_watts,omitempty"`
	BoostClockMHz       *int     `json:"boost_clock_mhz,omitempty"`
}

// Hypothesis is an unreliable interpretation of one raw product
// description, produced by an external enrichment source. Multiple,
// possibly contradictory hypotheses may exist per description. Append-only.
// DescriptionNorm is the normalized description text hypotheses are keyed
// by when the engine looks them up.
type Hypothesis struct {
	ID              string           `json:"hypothesis_id"`
	Description     string           `json:"description"`
	DescriptionNorm string           `json:"description_norm"`
	Source          string           `json:"source"`
	RunID           string           `json:"run_id"`
	Claims          HypothesisClaims `json:"claims"`
	CreatedAt       time.Time        `json:"created_at"`
}
