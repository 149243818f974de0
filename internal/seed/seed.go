// Package seed loads canonical chip definitions from seed files into the
// catalog. Seed files are curated by hand; the loader validates them hard
// and refuses the whole directory on the first structural problem, so a
// partial seed never lands.
package seed

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

// Field lists double as the required-key check and the chip id recipe. The
// order is load-bearing: chip ids hash these values in this exact order.
var chipFields = []string{
	"vendor",
	"brand_series",
	"model_name",
	"code_name",
	"architecture",
	"process_node_nm",
	"launch_date",
	"compute_units_type",
	"compute_units_count",
	"rt_cores",
	"tensor_cores",
	"base_clock_mhz",
	"boost_clock_mhz",
	"tdp_watts",
	"recommended_psu_watts",
	"pcie_generation",
	"pcie_lanes",
}

var memoryFields = []string{
	"vram_gb",
	"memory_type",
	"memory_bus_bits",
	"memory_speed_gbps",
	"memory_bandwidth_gbs",
}

var featureFields = []string{
	"raytracing_hardware",
	"raytracing_api_support",
	"cuda_compute_capability",
	"dlss_version",
	"nvenc_generation",
	"nvidia_reflex",
	"fsr_support",
	"amd_fmf",
	"amd_hypr_rx",
	"xess_support",
	"av1_encode",
	"av1_decode",
	"resizable_bar",
}

// Store is the catalog surface the loader writes through.
type Store interface {
	UpsertVendor(ctx context.Context, v model.Vendor) error
	ListVendors(ctx context.Context) ([]model.Vendor, error)
	UpsertArchitecture(ctx context.Context, a model.Architecture) error
	ListArchitectures(ctx context.Context) ([]model.Architecture, error)
	UpsertMemoryType(ctx context.Context, m model.MemoryType) error
	ListMemoryTypes(ctx context.Context) ([]model.MemoryType, error)
	SeedChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) error
}

// Report summarizes one seed pass.
type Report struct {
	Files         int `json:"files"`
	Vendors       int `json:"vendors"`
	Architectures int `json:"architectures"`
	MemoryTypes   int `json:"memory_types"`
	Chips         int `json:"chips"`
}

// Loader reads seed files and upserts their contents.
type Loader struct {
	store Store
	log   *zap.Logger
}

func NewLoader(st Store) *Loader {
	return &Loader{
		store: st,
		log:   zap.L().With(zap.String("component", "seed")),
	}
}

type vendorSeed struct {
	ID   string `yaml:"vendor_id"`
	Name string `yaml:"name"`
}

type architectureSeed struct {
	ID     string `yaml:"architecture_id"`
	Vendor string `yaml:"vendor_id"`
	Name   string `yaml:"name"`
}

type memoryTypeSeed struct {
	ID   string `yaml:"memory_type_id"`
	Name string `yaml:"name"`
}

type chipSeed struct {
	Vendor              string  `yaml:"vendor"`
	BrandSeries         *string `yaml:"brand_series"`
	ModelName           string  `yaml:"model_name"`
	CodeName            *string `yaml:"code_name"`
	Architecture        string  `yaml:"architecture"`
	ProcessNodeNM       *int    `yaml:"process_node_nm"`
	LaunchDate          *string `yaml:"launch_date"`
	ComputeUnitsType    *string `yaml:"compute_units_type"`
	ComputeUnitsCount   *int    `yaml:"compute_units_count"`
	RTCores             *int    `yaml:"rt_cores"`
	TensorCores         *int    `yaml:"tensor_cores"`
	BaseClockMHz        *int    `yaml:"base_clock_mhz"`
	BoostClockMHz       *int    `yaml:"boost_clock_mhz"`
	TDPWatts            *int    `yaml:"tdp_watts"`
	RecommendedPSUWatts *int    `yaml:"recommended_psu_watts"`
	PCIeGeneration      *int    `yaml:"pcie_generation"`
	PCIeLanes           *int    `yaml:"pcie_lanes"`
}

type memorySeed struct {
	VRAMGB             *int     `yaml:"vram_gb"`
	MemoryType         string   `yaml:"memory_type"`
	MemoryBusBits      *int     `yaml:"memory_bus_bits"`
	MemorySpeedGbps    *float64 `yaml:"memory_speed_gbps"`
	MemoryBandwidthGBs *float64 `yaml:"memory_bandwidth_gbs"`
}

type featuresSeed struct {
	RaytracingHardware    *bool   `yaml:"raytracing_hardware"`
	RaytracingAPISupport  *string `yaml:"raytracing_api_support"`
	CUDAComputeCapability *string `yaml:"cuda_compute_capability"`
	DLSSVersion           *string `yaml:"dlss_version"`
	NVENCGeneration       *string `yaml:"nvenc_generation"`
	NvidiaReflex          *bool   `yaml:"nvidia_reflex"`
	FSRSupport            *string `yaml:"fsr_support"`
	AMDFMF                *bool   `yaml:"amd_fmf"`
	AMDHyprRX             *bool   `yaml:"amd_hypr_rx"`
	XeSSSupport           *bool   `yaml:"xess_support"`
	AV1Encode             *bool   `yaml:"av1_encode"`
	AV1Decode             *bool   `yaml:"av1_decode"`
	ResizableBAR          *bool   `yaml:"resizable_bar"`
}

type chipEntry struct {
	Chip     chipSeed     `yaml:"chip"`
	Memory   memorySeed   `yaml:"memory"`
	Features featuresSeed `yaml:"features"`
}

type document struct {
	Vendors       []vendorSeed       `yaml:"vendors"`
	Architectures []architectureSeed `yaml:"architectures"`
	MemoryTypes   []memoryTypeSeed   `yaml:"memory_types"`
	Chips         []chipEntry        `yaml:"chips"`
}

// rawDocument re-reads the chip entries as maps so missing keys can be told
// apart from explicit nulls. Seed entries must spell out every field.
type rawDocument struct {
	Chips []struct {
		Chip     map[string]any `yaml:"chip"`
		Memory   map[string]any `yaml:"memory"`
		Features map[string]any `yaml:"features"`
	} `yaml:"chips"`
}

type seedFile struct {
	path string
	doc  document
	raw  rawDocument
}

// LoadDir parses every seed file under dir (sorted by name), upserts the
// reference vocabularies first, then the chips. Reference values inside chip
// entries resolve against the combined vocabulary, pre-existing rows
// included.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Report, error) {
	files, err := l.readDir(dir)
	if err != nil {
		return nil, err
	}

	report := &Report{Files: len(files)}
	for _, f := range files {
		for _, v := range f.doc.Vendors {
			if v.ID == "" {
				return nil, eris.Errorf("seed: %s has vendor with empty vendor_id", f.path)
			}
			if err := l.store.UpsertVendor(ctx, model.Vendor{ID: v.ID, Name: v.Name}); err != nil {
				return nil, err
			}
			report.Vendors++
		}
		for _, a := range f.doc.Architectures {
			if a.ID == "" || a.Vendor == "" {
				return nil, eris.Errorf("seed: %s has architecture with empty architecture_id or vendor_id", f.path)
			}
			if err := l.store.UpsertArchitecture(ctx, model.Architecture{ID: a.ID, Vendor: a.Vendor, Name: a.Name}); err != nil {
				return nil, err
			}
			report.Architectures++
		}
		for _, m := range f.doc.MemoryTypes {
			if m.ID == "" {
				return nil, eris.Errorf("seed: %s has memory type with empty memory_type_id", f.path)
			}
			if err := l.store.UpsertMemoryType(ctx, model.MemoryType{ID: m.ID, Name: m.Name}); err != nil {
				return nil, err
			}
			report.MemoryTypes++
		}
	}

	vendors, err := l.vendorMap(ctx)
	if err != nil {
		return nil, err
	}
	architectures, err := l.architectureMap(ctx)
	if err != nil {
		return nil, err
	}
	memoryTypes, err := l.memoryTypeMap(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]chipEntry{}
	for _, f := range files {
		for i, entry := range f.doc.Chips {
			if err := requireEntryFields(f, i); err != nil {
				return nil, err
			}

			vendorID, err := vendors.resolve(entry.Chip.Vendor, "vendor", f.path, i)
			if err != nil {
				return nil, err
			}
			architectureID, err := architectures.resolve(entry.Chip.Architecture, "architecture", f.path, i)
			if err != nil {
				return nil, err
			}
			memoryTypeID, err := memoryTypes.resolve(entry.Memory.MemoryType, "memory_type", f.path, i)
			if err != nil {
				return nil, err
			}

			id := chipID(entry)
			if prev, dup := seen[id]; dup {
				if !reflect.DeepEqual(prev, entry) {
					return nil, eris.Errorf("seed: %s entry %d conflicts with existing chip %s", f.path, i, id)
				}
				continue
			}
			seen[id] = entry

			chip, mem, feat := buildRows(id, entry, vendorID, architectureID, memoryTypeID)
			if err := l.store.SeedChip(ctx, chip, mem, feat); err != nil {
				return nil, err
			}
			report.Chips++
		}
	}

	l.log.Info("seed complete",
		zap.String("dir", dir),
		zap.Int("files", report.Files),
		zap.Int("vendors", report.Vendors),
		zap.Int("architectures", report.Architectures),
		zap.Int("memory_types", report.MemoryTypes),
		zap.Int("chips", report.Chips))
	return report, nil
}

func (l *Loader) readDir(dir string) ([]seedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, eris.Errorf("seed: no seed files found in %s", dir)
	}
	sort.Strings(names)

	files := make([]seedFile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "seed: read %s", path)
		}
		var f seedFile
		f.path = path
		// JSON seed files parse through the same YAML decoder.
		if err := yaml.Unmarshal(data, &f.doc); err != nil {
			return nil, eris.Wrapf(err, "seed: parse %s", path)
		}
		if err := yaml.Unmarshal(data, &f.raw); err != nil {
			return nil, eris.Wrapf(err, "seed: parse %s", path)
		}
		files = append(files, f)
	}
	return files, nil
}

func requireEntryFields(f seedFile, index int) error {
	raw := f.raw.Chips[index]
	if raw.Chip == nil {
		return eris.Errorf("seed: %s entry %d missing chip section", f.path, index)
	}
	if raw.Memory == nil {
		return eris.Errorf("seed: %s entry %d missing memory section", f.path, index)
	}
	if raw.Features == nil {
		return eris.Errorf("seed: %s entry %d missing features section", f.path, index)
	}
	if err := requireFields(raw.Chip, chipFields, f.path, index, "chip"); err != nil {
		return err
	}
	if err := requireFields(raw.Memory, memoryFields, f.path, index, "memory"); err != nil {
		return err
	}
	return requireFields(raw.Features, featureFields, f.path, index, "features")
}

func requireFields(raw map[string]any, fields []string, path string, index int, section string) error {
	var missing []string
	for _, field := range fields {
		if _, ok := raw[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("seed: %s entry %d %s missing required fields: %s",
			path, index, section, strings.Join(missing, ", "))
	}
	return nil
}

// chipID hashes the raw file values, not the resolved reference ids, so a
// vocabulary rename never silently re-keys the catalog.
func chipID(e chipEntry) string {
	return model.StableID("chip",
		e.Chip.Vendor,
		e.Chip.BrandSeries,
		e.Chip.ModelName,
		e.Chip.CodeName,
		e.Chip.Architecture,
		e.Chip.ProcessNodeNM,
		e.Chip.LaunchDate,
		e.Chip.ComputeUnitsType,
		e.Chip.ComputeUnitsCount,
		e.Chip.RTCores,
		e.Chip.TensorCores,
		e.Chip.BaseClockMHz,
		e.Chip.BoostClockMHz,
		e.Chip.TDPWatts,
		e.Chip.RecommendedPSUWatts,
		e.Chip.PCIeGeneration,
		e.Chip.PCIeLanes,
		e.Memory.VRAMGB,
		e.Memory.MemoryType,
		e.Memory.MemoryBusBits,
		e.Memory.MemorySpeedGbps,
		e.Memory.MemoryBandwidthGBs,
	)
}

func buildRows(chipID string, e chipEntry, vendorID, architectureID, memoryTypeID string) (model.Chip, *model.Memory, *model.Features) {
	chip := model.Chip{
		ID:                  chipID,
		VendorID:            vendorID,
		BrandSeries:         e.Chip.BrandSeries,
		ModelName:           e.Chip.ModelName,
		CodeName:            e.Chip.CodeName,
		ArchitectureID:      &architectureID,
		ProcessNodeNM:       e.Chip.ProcessNodeNM,
		LaunchDate:          e.Chip.LaunchDate,
		ComputeUnitsType:    e.Chip.ComputeUnitsType,
		ComputeUnitsCount:   e.Chip.ComputeUnitsCount,
		RTCores:             e.Chip.RTCores,
		TensorCores:         e.Chip.TensorCores,
		BaseClockMHz:        e.Chip.BaseClockMHz,
		BoostClockMHz:       e.Chip.BoostClockMHz,
		TDPWatts:            e.Chip.TDPWatts,
		RecommendedPSUWatts: e.Chip.RecommendedPSUWatts,
		PCIeGeneration:      e.Chip.PCIeGeneration,
		PCIeLanes:           e.Chip.PCIeLanes,
	}
	mem := &model.Memory{
		ChipID:             chipID,
		VRAMGB:             e.Memory.VRAMGB,
		MemoryTypeID:       &memoryTypeID,
		MemoryBusBits:      e.Memory.MemoryBusBits,
		MemorySpeedGbps:    e.Memory.MemorySpeedGbps,
		MemoryBandwidthGBs: e.Memory.MemoryBandwidthGBs,
	}
	feat := &model.Features{
		ChipID:                chipID,
		RaytracingHardware:    e.Features.RaytracingHardware,
		RaytracingAPISupport:  e.Features.RaytracingAPISupport,
		CUDAComputeCapability: e.Features.CUDAComputeCapability,
		DLSSVersion:           e.Features.DLSSVersion,
		NVENCGeneration:       e.Features.NVENCGeneration,
		NvidiaReflex:          e.Features.NvidiaReflex,
		FSRSupport:            e.Features.FSRSupport,
		AMDFMF:                e.Features.AMDFMF,
		AMDHyprRX:             e.Features.AMDHyprRX,
		XeSSSupport:           e.Features.XeSSSupport,
		AV1Encode:             e.Features.AV1Encode,
		AV1Decode:             e.Features.AV1Decode,
		ResizableBAR:          e.Features.ResizableBAR,
	}
	return chip, mem, feat
}

// referenceMap resolves free-form reference values (file spelling) to the
// canonical vocabulary ids loaded in the store.
type referenceMap struct {
	table string
	ids   map[string]string
}

func newReferenceMap(table string, ids []string) (*referenceMap, error) {
	m := &referenceMap{table: table, ids: map[string]string{}}
	for _, id := range ids {
		key := normalizeReference(id)
		if existing, ok := m.ids[key]; ok && existing != id {
			return nil, eris.Errorf("seed: ambiguous %s identifiers for key %q: %s vs %s",
				table, key, existing, id)
		}
		m.ids[key] = id
	}
	return m, nil
}

func (m *referenceMap) resolve(value, field, path string, index int) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", eris.Errorf("seed: %s entry %d missing %s value for %s lookup",
			path, index, field, m.table)
	}
	id, ok := m.ids[normalizeReference(value)]
	if !ok {
		return "", eris.Errorf("seed: %s entry %d has unknown %s %q for %s",
			path, index, field, value, m.table)
	}
	return id, nil
}

func normalizeReference(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (l *Loader) vendorMap(ctx context.Context) (*referenceMap, error) {
	vendors, err := l.store.ListVendors(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(vendors))
	for _, v := range vendors {
		ids = append(ids, v.ID)
	}
	return newReferenceMap("vendor", ids)
}

func (l *Loader) architectureMap(ctx context.Context) (*referenceMap, error) {
	archs, err := l.store.ListArchitectures(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(archs))
	for _, a := range archs {
		ids = append(ids, a.ID)
	}
	return newReferenceMap("architecture", ids)
}

func (l *Loader) memoryTypeMap(ctx context.Context) (*referenceMap, error) {
	types, err := l.store.ListMemoryTypes(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(types))
	for _, m := range types {
		ids = append(ids, m.ID)
	}
	return newReferenceMap("memory_type", ids)
}
