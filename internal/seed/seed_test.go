package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcbuilder/gpumarket-cli/internal/store"
)

func newLoader(t *testing.T) (*Loader, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewLoader(st), st
}

func writeSeed(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const referenceYAML = `vendors:
  - vendor_id: NVIDIA
    name: NVIDIA Corporation
  - vendor_id: AMD
    name: Advanced Micro Devices
architectures:
  - architecture_id: BLACKWELL
    vendor_id: NVIDIA
    name: Blackwell
memory_types:
  - memory_type_id: GDDR7
    name: GDDR7
`

const chipYAML = `chips:
  - chip:
      vendor: nvidia
      brand_series: GeForce RTX 50
      model_name: RTX 5090
      code_name: GB202
      architecture: Blackwell
      process_node_nm: 4
      launch_date: "2025-01-30"
      compute_units_type: sm
      compute_units_count: 170
      rt_cores: 170
      tensor_cores: 680
      base_clock_mhz: 2017
      boost_clock_mhz: 2407
      tdp_watts: 575
      recommended_psu_watts: 1000
      pcie_generation: 5
      pcie_lanes: 16
    memory:
      vram_gb: 32
      memory_type: gddr7
      memory_bus_bits: 512
      memory_speed_gbps: 28.0
      memory_bandwidth_gbs: 1792.0
    features:
      raytracing_hardware: true
      raytracing_api_support: "DXR 1.2"
      cuda_compute_capability: "12.0"
      dlss_version: "4"
      nvenc_generation: "9th"
      nvidia_reflex: true
      fsr_support: null
      amd_fmf: null
      amd_hypr_rx: null
      xess_support: true
      av1_encode: true
      av1_decode: true
      resizable_bar: true
`

func TestLoadDirSeedsReferencesAndChips(t *testing.T) {
	loader, st := newLoader(t)
	dir := t.TempDir()
	writeSeed(t, dir, "00_reference.yaml", referenceYAML)
	writeSeed(t, dir, "10_chips.yaml", chipYAML)

	report, err := loader.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Vendors)
	assert.Equal(t, 1, report.Architectures)
	assert.Equal(t, 1, report.MemoryTypes)
	assert.Equal(t, 1, report.Chips)

	chips, err := st.ListChips(context.Background())
	require.NoError(t, err)
	require.Len(t, chips, 1)
	chip := chips[0]
	assert.Equal(t, "NVIDIA", chip.VendorID, "file spelling resolves to the vocabulary id")
	assert.Equal(t, "RTX 5090", chip.ModelName)
	require.NotNil(t, chip.ArchitectureID)
	assert.Equal(t, "BLACKWELL", *chip.ArchitectureID)
	require.NotNil(t, chip.BoostClockMHz)
	assert.Equal(t, 2407, *chip.BoostClockMHz)
}

func TestLoadDirAcceptsJSON(t *testing.T) {
	loader, st := newLoader(t)
	dir := t.TempDir()
	writeSeed(t, dir, "reference.json", `{
  "vendors": [{"vendor_id": "INTEL", "name": "Intel Corporation"}],
  "architectures": [{"architecture_id": "BATTLEMAGE", "vendor_id": "INTEL", "name": "Battlemage"}],
  "memory_types": [{"memory_type_id": "GDDR6", "name": "GDDR6"}]
}`)

	report, err := loader.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Vendors)

	vendors, err := st.ListVendors(context.Background())
	require.NoError(t, err)
	require.Len(t, vendors, 1)
	assert.Equal(t, "INTEL", vendors[0].ID)
}

func TestLoadDirIdempotent(t *testing.T) {
	loader, st := newLoader(t)
	dir := t.TempDir()
	writeSeed(t, dir, "00_reference.yaml", referenceYAML)
	writeSeed(t, dir, "10_chips.yaml", chipYAML)

	_, err := loader.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	_, err = loader.LoadDir(context.Background(), dir)
	require.NoError(t, err)

	chips, err := st.ListChips(context.Background())
	require.NoError(t, err)
	assert.Len(t, chips, 1, "re-seeding upserts instead of duplicating")
}

func TestLoadDirRejectsUnknownReference(t *testing.T) {
	loader, _ := newLoader(t)
	dir := t.TempDir()
	writeSeed(t, dir, "00_reference.yaml", referenceYAML)
	writeSeed(t, dir, "10_chips.yaml",
		"chips:\n  - chip:\n      vendor: matrox\n"+chipTail())

	_, err := loader.LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vendor")
}

func TestLoadDirRejectsMissingFields(t *testing.T) {
	loader, _ := newLoader(t)
	dir := t.TempDir()
	writeSeed(t, dir, "00_reference.yaml", referenceYAML)
	writeSeed(t, dir, "10_chips.yaml", `chips:
  - chip:
      vendor: nvidia
      model_name: RTX 5090
    memory:
      vram_gb: 32
    features: {}
`)

	_, err := loader.LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required fields")
	assert.Contains(t, err.Error(), "brand_series")
}

func TestLoadDirEmptyDirErrors(t *testing.T) {
	loader, _ := newLoader(t)
	_, err := loader.LoadDir(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed files")
}

func TestNormalizeReference(t *testing.T) {
	assert.Equal(t, "nvidia", normalizeReference("  NVIDIA "))
	assert.Equal(t, "gddr6x", normalizeReference("GDDR6X"))
	assert.Equal(t, "rdna4", normalizeReference("RDNA 4"))
}

func TestReferenceMapRejectsAmbiguousIDs(t *testing.T) {
	_, err := newReferenceMap("vendor", []string{"RDNA4", "RDNA 4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestChipIDStable(t *testing.T) {
	entry := chipEntry{}
	entry.Chip.Vendor = "nvidia"
	entry.Chip.ModelName = "RTX 5090"
	a := chipID(entry)
	b := chipID(entry)
	assert.Equal(t, a, b)
	assert.True(t, len(a) > 5 && a[:5] == "chip_")

	entry.Chip.ModelName = "RTX 5080"
	assert.NotEqual(t, a, chipID(entry))
}

// chipTail returns the chip entry body after the vendor line so tests can
// swap the vendor while keeping the rest of the fixture valid.
func chipTail() string {
	return `      brand_series: GeForce RTX 50
      model_name: RTX 5090
      code_name: GB202
      architecture: Blackwell
      process_node_nm: 4
      launch_date: "2025-01-30"
      compute_units_type: sm
      compute_units_count: 170
      rt_cores: 170
      tensor_cores: 680
      base_clock_mhz: 2017
      boost_clock_mhz: 2407
      tdp_watts: 575
      recommended_psu_watts: 1000
      pcie_generation: 5
      pcie_lanes: 16
    memory:
      vram_gb: 32
      memory_type: gddr7
      memory_bus_bits: 512
      memory_speed_gbps: 28.0
      memory_bandwidth_gbs: 1792.0
    features:
      raytracing_hardware: true
      raytracing_api_support: "DXR 1.2"
      cuda_compute_capability: "12.0"
      dlss_version: "4"
      nvenc_generation: "9th"
      nvidia_reflex: true
      fsr_support: null
      amd_fmf: null
      amd_hypr_rx: null
      xess_support: true
      av1_encode: true
      av1_decode: true
      resizable_bar: true
`
}
