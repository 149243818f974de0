package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// Column lists shared by both backends so SELECTs and scans never drift.
const (
	chipColumns = `id, vendor_id, brand_series, model_name, code_name, architecture_id,
	process_node_nm, launch_date, compute_units_type, compute_units_count,
	rt_cores, tensor_cores, base_clock_mhz, boost_clock_mhz, tdp_watts,
	recommended_psu_watts, pcie_generation, pcie_lanes, created_at, updated_at`

	variantColumns = `id, chip_id, aib_manufacturer, model_suffix, part_number,
	factory_boost_mhz, length_mm, width_slots, height_mm, power_connectors,
	cooling_type, fan_count, displayport_count, displayport_version,
	hdmi_count, hdmi_version, warranty_years, created_at`

	observationColumns = `id, variant_id, description, retailer, sku, product_url,
	price_eur, currency, stock_status, observed_at, run_id`

	hypothesisColumns = `id, description, description_norm, source, run_id, claims, created_at`
)

type scannable interface {
	Scan(dest ...any) error
}

func scanChip(row scannable) (*model.Chip, error) {
	var c model.Chip
	err := row.Scan(
		&c.ID, &c.VendorID, &c.BrandSeries, &c.ModelName, &c.CodeName, &c.ArchitectureID,
		&c.ProcessNodeNM, &c.LaunchDate, &c.ComputeUnitsType, &c.ComputeUnitsCount,
		&c.RTCores, &c.TensorCores, &c.BaseClockMHz, &c.BoostClockMHz, &c.TDPWatts,
		&c.RecommendedPSUWatts, &c.PCIeGeneration, &c.PCIeLanes, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "scan chip")
	}
	return &c, nil
}

func scanVariant(row scannable) (*model.Variant, error) {
	var v model.Variant
	err := row.Scan(
		&v.ID, &v.ChipID, &v.AIBManufacturer, &v.ModelSuffix, &v.PartNumber,
		&v.FactoryBoostMHz, &v.LengthMM, &v.WidthSlots, &v.HeightMM, &v.PowerConnectors,
		&v.CoolingType, &v.FanCount, &v.DisplayPortCount, &v.DisplayPortVersion,
		&v.HDMICount, &v.HDMIVersion, &v.WarrantyYears, &v.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "scan variant")
	}
	return &v, nil
}

func scanObservation(row scannable) (*model.Observation, error) {
	var o model.Observation
	err := row.Scan(
		&o.ID, &o.VariantID, &o.Description, &o.Retailer, &o.SKU, &o.ProductURL,
		&o.PriceEUR, &o.Currency, &o.StockStatus, &o.ObservedAt, &o.RunID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "scan observation")
	}
	return &o, nil
}

func scanHypothesis(row scannable) (*model.Hypothesis, error) {
	var h model.Hypothesis
	var claimsJSON []byte
	err := row.Scan(&h.ID, &h.Description, &h.DescriptionNorm, &h.Source, &h.RunID, &claimsJSON, &h.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "scan hypothesis")
	}
	if err := json.Unmarshal(claimsJSON, &h.Claims); err != nil {
		return nil, eris.Wrap(err, "unmarshal hypothesis claims")
	}
	return &h, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var countersJSON []byte
	var errMsg *string
	err := row.Scan(&r.ID, &r.Kind, &r.Status, &countersJSON, &errMsg, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	if len(countersJSON) > 0 {
		r.Counters = &model.RunCounters{}
		if err := json.Unmarshal(countersJSON, r.Counters); err != nil {
			return nil, eris.Wrap(err, "unmarshal run counters")
		}
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}

func scanMarketRow(row scannable) (*model.MarketRow, error) {
	var m model.MarketRow
	var o model.Observation
	err := row.Scan(
		&o.ID, &o.VariantID, &o.Description, &o.Retailer, &o.SKU, &o.ProductURL,
		&o.PriceEUR, &o.Currency, &o.StockStatus, &o.ObservedAt, &o.RunID,
		&m.VariantID, &m.ChipID, &m.AIBManufacturer, &m.ModelSuffix,
		&m.VendorID, &m.ModelName, &m.BoostClockMHz, &m.VRAMGB,
	)
	if err != nil {
		return nil, eris.Wrap(err, "scan market row")
	}
	m.Observation = o
	return &m, nil
}
