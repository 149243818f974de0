// Package model defines the canonical catalog and evidence types shared by
// the store, the resolution engine, and the derived views.
package model

import "time"

// ComputeUnitType is the closed vocabulary for a chip's compute-unit kind.
type ComputeUnitType string

const (
	ComputeUnitSM ComputeUnitType = "SM" // NVIDIA streaming multiprocessor
	ComputeUnitCU ComputeUnitType = "CU" // AMD compute unit
	ComputeUnitXe ComputeUnitType = "Xe" // Intel Xe core
)

// Valid reports whether the value is a recognized compute-unit type.
func (c ComputeUnitType) Valid() bool {
	switch c {
	case ComputeUnitSM, ComputeUnitCU, ComputeUnitXe:
		return true
	}
	return false
}

// CoolingType is the closed vocabulary for a variant's cooling solution.
type CoolingType string

const (
	CoolingAir    CoolingType = "Air"
	CoolingLiquid CoolingType = "Liquid"
	CoolingHybrid CoolingType = "Hybrid"
)

// Valid reports whether the value is a recognized cooling type.
func (c CoolingType) Valid() bool {
	switch c {
	case CoolingAir, CoolingLiquid, CoolingHybrid:
		return true
	}
	return false
}

// Chip is a canonical silicon design. The identity key (ID) and the identity
// fields (VendorID, ModelName) are write-once; descriptive fields may be
// corrected in place as better evidence arrives. Identity never merges or
// splits automatically.
type Chip struct {
	ID                  string    `json:"chip_id"`
	VendorID            string    `json:"vendor_id"`
	BrandSeries         *string   `json:"brand_series,omitempty"`
	ModelName           string    `json:"model_name"`
	CodeName            *string   `json:"code_name,omitempty"`
	ArchitectureID      *string   `json:"architecture_id,omitempty"`
	ProcessNodeNM       *int      `json:"process_node_nm,omitempty"`
	LaunchDate          *string   `json:"launch_date,omitempty"`
	ComputeUnitsType    *string   `json:"compute_units_type,omitempty"`
	ComputeUnitsCount   *int      `json:"compute_units_count,omitempty"`
	RTCores             *int      `json:"rt_cores,omitempty"`
	TensorCores         *int      `json:"tensor_cores,omitempty"`
	BaseClockMHz        *int      `json:"base_clock_mhz,omitempty"`
	BoostClockMHz       *int      `json:"boost_clock_mhz,omitempty"`
	TDPWatts            *int      `json:"tdp_watts,omitempty"`
	RecommendedPSUWatts *int      `json:"recommended_psu_watts,omitempty"`
	PCIeGeneration      *int      `json:"pcie_generation,omitempty"`
	PCIeLanes           *int      `json:"pcie_lanes,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ChipSpecs carries descriptive, non-identity chip attributes for in-place
// correction. Nil fields are left untouched.
type ChipSpecs struct {
	BoostClockMHz       *int
	BaseClockMHz        *int
	TDPWatts            *int
	RecommendedPSUWatts *int
	ComputeUnitsCount   *int
	RTCores             *int
	TensorCores         *int
}

// Memory is the 1:1 memory satellite of a Chip, keyed by the chip's
// identity; removed with its chip by referential cascade.
type Memory struct {
	ChipID             string   `json:"chip_id"`
	VRAMGB             *int     `json:"vram_gb,omitempty"`
	MemoryTypeID       *string  `json:"memory_type_id,omitempty"`
	MemoryBusBits      *int     `json:"memory_bus_bits,omitempty"`
	MemorySpeedGbps    *float64 `json:"memory_speed_gbps,omitempty"`
	MemoryBandwidthGBs *float64 `json:"memory_bandwidth_gbs,omitempty"`
}

// Features is the 1:1 feature satellite of a Chip.
type Features struct {
	ChipID                string  `json:"chip_id"`
	RaytracingHardware    *bool   `json:"raytracing_hardware,omitempty"`
	RaytracingAPISupport  *string `json:"raytracing_api_support,omitempty"`
	CUDAComputeCapability *string `json:"cuda_compute_capability,omitempty"`
	DLSSVersion           *string `json:"dlss_version,omitempty"`
	NVENCGeneration       *string `json:"nvenc_generation,omitempty"`
	NvidiaReflex          *bool   `json:"nvidia_reflex,omitempty"`
	FSRSupport            *string `json:"fsr_support,omitempty"`
	AMDFMF                *bool   `json:"amd_fmf,omitempty"`
	AMDHyprRX             *bool   `json:"amd_hypr_rx,omitempty"`
	XeSSSupport           *bool   `json:"xess_support,omitempty"`
	AV1Encode             *bool   `json:"av1_encode,omitempty"`
	AV1Decode             *bool   `json:"av1_decode,omitempty"`
	ResizableBAR          *bool   `json:"resizable_bar,omitempty"`
}

// Variant is a stable commercial configuration of exactly one Chip.
// Variants are never seeded; they exist only because evidence materialized
// them. Identity (ID, ChipID, AIBManufacturer, ModelSuffix, PartNumber) is
// write-once.
type Variant struct {
	ID                 string    `json:"variant_id"`
	ChipID             string    `json:"chip_id"`
	AIBManufacturer    string    `json:"aib_manufacturer"`
	ModelSuffix        *string   `json:"model_suffix,omitempty"`
	PartNumber         *string   `json:"part_number,omitempty"`
	FactoryBoostMHz    *int      `json:"factory_boost_mhz,omitempty"`
	LengthMM           *int      `json:"length_mm,omitempty"`
	WidthSlots         *float64  `json:"width_slots,omitempty"`
	HeightMM           *int      `json:"height_mm,omitempty"`
	PowerConnectors    *string   `json:"power_connectors,omitempty"`
	CoolingType        *string   `json:"cooling_type,omitempty"`
	FanCount           *int      `json:"fan_count,omitempty"`
	DisplayPortCount   *int      `json:"displayport_count,omitempty"`
	DisplayPortVersion *string   `json:"displayport_version,omitempty"`
	HDMICount          *int      `json:"hdmi_count,omitempty"`
	HDMIVersion        *string   `json:"hdmi_version,omitempty"`
	WarrantyYears      *int      `json:"warranty_years,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Vendor is a reference-vocabulary row for chip vendors (NVIDIA, AMD, INTEL).
type Vendor struct {
	ID   string `json:"vendor_id"`
	Name string `json:"name"`
}

// Architecture is a reference-vocabulary row (Blackwell, RDNA 4, ...).
type Architecture struct {
	ID     string `json:"architecture_id"`
	Vendor string `json:"vendor_id"`
	Name   string `json:"name"`
}

// MemoryType is a reference-vocabulary row (GDDR6, GDDR6X, GDDR7).
type MemoryType struct {
	ID   string `json:"memory_type_id"`
	Name string `json:"name"`
}

// ChipIndex is an in-memory snapshot of the catalog's identity surface used
// by the resolution engine for exact matching. Keys are vendor id, then
// canonical model key; values are candidate chip ids. VRAMByChip carries the
// memory satellite for VRAM disambiguation.
type ChipIndex struct {
	ByVendor   map[string]map[string][]string
	VRAMByChip map[string]int
}

// Candidates returns the chip ids indexed under vendor+modelKey, never nil
// maps panic-free.
func (ix *ChipIndex) Candidates(vendorID, modelKey string) []string {
	vendorMap, ok := ix.ByVendor[vendorID]
	if !ok {
		return nil
	}
	return vendorMap[modelKey]
}

// Add indexes a chip id under vendor+modelKey.
func (ix *ChipIndex) Add(vendorID, modelKey, chipID string) {
	if ix.ByVendor == nil {
		ix.ByVendor = map[string]map[string][]string{}
	}
	vendorMap, ok := ix.ByVendor[vendorID]
	if !ok {
		vendorMap = map[string][]string{}
		ix.ByVendor[vendorID] = vendorMap
	}
	vendorMap[modelKey] = append(vendorMap[modelKey], chipID)
}

// MarketRow is one linked observation joined to its variant and chip, the
// source row for derived views.
type MarketRow struct {
	Observation     Observation `json:"observation"`
	VariantID       string      `json:"variant_id"`
	ChipID          string      `json:"chip_id"`
	VendorID        string      `json:"vendor_id"`
	ModelName       string      `json:"model_name"`
	AIBManufacturer string      `json:"aib_manufacturer"`
	ModelSuffix     *string     `json:"model_suffix,omitempty"`
	VRAMGB          *int        `json:"vram_gb,omitempty"`
	BoostClockMHz   *int        `json:"boost_clock_mhz,omitempty"`
}
