package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS gpu_vendor (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gpu_architecture (
	id        TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL REFERENCES gpu_vendor(id),
	name      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gpu_memory_type (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gpu_chip (
	id                    TEXT PRIMARY KEY,
	vendor_id             TEXT NOT NULL REFERENCES gpu_vendor(id),
	brand_series          TEXT,
	model_name            TEXT NOT NULL,
	code_name             TEXT,
	architecture_id       TEXT REFERENCES gpu_architecture(id),
	process_node_nm       INTEGER,
	launch_date           TEXT,
	compute_units_type    TEXT,
	compute_units_count   INTEGER,
	rt_cores              INTEGER,
	tensor_cores          INTEGER,
	base_clock_mhz        INTEGER,
	boost_clock_mhz       INTEGER,
	tdp_watts             INTEGER,
	recommended_psu_watts INTEGER,
	pcie_generation       INTEGER,
	pcie_lanes            INTEGER,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS gpu_memory (
	chip_id              TEXT PRIMARY KEY REFERENCES gpu_chip(id) ON DELETE CASCADE,
	vram_gb              INTEGER,
	memory_type_id       TEXT REFERENCES gpu_memory_type(id),
	memory_bus_bits      INTEGER,
	memory_speed_gbps    REAL,
	memory_bandwidth_gbs REAL
);

CREATE TABLE IF NOT EXISTS gpu_features (
	chip_id                 TEXT PRIMARY KEY REFERENCES gpu_chip(id) ON DELETE CASCADE,
	raytracing_hardware     BOOLEAN,
	raytracing_api_support  TEXT,
	cuda_compute_capability TEXT,
	dlss_version            TEXT,
	nvenc_generation        TEXT,
	nvidia_reflex           BOOLEAN,
	fsr_support             TEXT,
	amd_fmf                 BOOLEAN,
	amd_hypr_rx             BOOLEAN,
	xess_support            BOOLEAN,
	av1_encode              BOOLEAN,
	av1_decode              BOOLEAN,
	resizable_bar           BOOLEAN
);

CREATE TABLE IF NOT EXISTS gpu_variant (
	id                  TEXT PRIMARY KEY,
	chip_id             TEXT NOT NULL REFERENCES gpu_chip(id) ON DELETE CASCADE,
	aib_manufacturer    TEXT NOT NULL,
	model_suffix        TEXT,
	part_number         TEXT,
	factory_boost_mhz   INTEGER,
	length_mm           INTEGER,
	width_slots         REAL,
	height_mm           INTEGER,
	power_connectors    TEXT,
	cooling_type        TEXT,
	fan_count           INTEGER,
	displayport_count   INTEGER,
	displayport_version TEXT,
	hdmi_count          INTEGER,
	hdmi_version        TEXT,
	warranty_years      INTEGER,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS gpu_market_observation (
	id           TEXT PRIMARY KEY,
	variant_id   TEXT REFERENCES gpu_variant(id) ON DELETE CASCADE,
	description  TEXT NOT NULL,
	retailer     TEXT NOT NULL,
	sku          TEXT,
	product_url  TEXT NOT NULL,
	price_eur    REAL NOT NULL,
	currency     TEXT NOT NULL,
	stock_status TEXT NOT NULL,
	observed_at  DATETIME NOT NULL,
	run_id       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gpu_hypothesis (
	id               TEXT PRIMARY KEY,
	description      TEXT NOT NULL,
	description_norm TEXT NOT NULL,
	source           TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	claims           TEXT NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS description_fingerprint (
	key     TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	seen_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	counters    TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS resolution_deferral (
	observation_id TEXT NOT NULL REFERENCES gpu_market_observation(id) ON DELETE CASCADE,
	run_id         TEXT NOT NULL,
	reason         TEXT NOT NULL,
	detail         TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (observation_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_gpu_chip_vendor ON gpu_chip(vendor_id);
CREATE INDEX IF NOT EXISTS idx_gpu_variant_chip ON gpu_variant(chip_id);
CREATE INDEX IF NOT EXISTS idx_obs_variant ON gpu_market_observation(variant_id);
CREATE INDEX IF NOT EXISTS idx_obs_run ON gpu_market_observation(run_id);
CREATE INDEX IF NOT EXISTS idx_hypothesis_desc_norm ON gpu_hypothesis(description_norm);
CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
CREATE INDEX IF NOT EXISTS idx_deferral_run ON resolution_deferral(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Catalog

const sqliteInsertChip = `INSERT INTO gpu_chip (` + chipColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func chipArgs(c model.Chip, now time.Time) []any {
	return []any{
		c.ID, c.VendorID, c.BrandSeries, c.ModelName, c.CodeName, c.ArchitectureID,
		c.ProcessNodeNM, c.LaunchDate, c.ComputeUnitsType, c.ComputeUnitsCount,
		c.RTCores, c.TensorCores, c.BaseClockMHz, c.BoostClockMHz, c.TDPWatts,
		c.RecommendedPSUWatts, c.PCIeGeneration, c.PCIeLanes, now, now,
	}
}

func (s *SQLiteStore) CreateChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, sqliteInsertChip+` ON CONFLICT(id) DO NOTHING`,
		chipArgs(chip, time.Now().UTC())...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert chip %s", chip.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Identity already exists; the caller lost the race or retried.
		return false, nil
	}

	if err := sqliteUpsertMemory(ctx, tx, chip.ID, mem); err != nil {
		return false, err
	}
	if err := sqliteUpsertFeatures(ctx, tx, chip.ID, feat); err != nil {
		return false, err
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit create chip")
}

func (s *SQLiteStore) SeedChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	// Identity columns never change on conflict; descriptive columns do.
	_, err = tx.ExecContext(ctx, sqliteInsertChip+`
		ON CONFLICT(id) DO UPDATE SET
			brand_series = excluded.brand_series,
			code_name = excluded.code_name,
			architecture_id = excluded.architecture_id,
			process_node_nm = excluded.process_node_nm,
			launch_date = excluded.launch_date,
			compute_units_type = excluded.compute_units_type,
			compute_units_count = excluded.compute_units_count,
			rt_cores = excluded.rt_cores,
			tensor_cores = excluded.tensor_cores,
			base_clock_mhz = excluded.base_clock_mhz,
			boost_clock_mhz = excluded.boost_clock_mhz,
			tdp_watts = excluded.tdp_watts,
			recommended_psu_watts = excluded.recommended_psu_watts,
			pcie_generation = excluded.pcie_generation,
			pcie_lanes = excluded.pcie_lanes,
			updated_at = excluded.updated_at`,
		chipArgs(chip, time.Now().UTC())...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: seed chip %s", chip.ID)
	}

	if err := sqliteUpsertMemory(ctx, tx, chip.ID, mem); err != nil {
		return err
	}
	if err := sqliteUpsertFeatures(ctx, tx, chip.ID, feat); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit seed chip")
}

func sqliteUpsertMemory(ctx context.Context, tx *sql.Tx, chipID string, mem *model.Memory) error {
	if mem == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO gpu_memory (chip_id, vram_gb, memory_type_id, memory_bus_bits, memory_speed_gbps, memory_bandwidth_gbs)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chip_id) DO UPDATE SET
			vram_gb = excluded.vram_gb,
			memory_type_id = excluded.memory_type_id,
			memory_bus_bits = excluded.memory_bus_bits,
			memory_speed_gbps = excluded.memory_speed_gbps,
			memory_bandwidth_gbs = excluded.memory_bandwidth_gbs`,
		chipID, mem.VRAMGB, mem.MemoryTypeID, mem.MemoryBusBits, mem.MemorySpeedGbps, mem.MemoryBandwidthGBs,
	)
	return eris.Wrapf(err, "sqlite: upsert memory for %s", chipID)
}

func sqliteUpsertFeatures(ctx context.Context, tx *sql.Tx, chipID string, feat *model.Features) error {
	if feat == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO gpu_features (chip_id, raytracing_hardware, raytracing_api_support, cuda_compute_capability,
			dlss_version, nvenc_generation, nvidia_reflex, fsr_support, amd_fmf, amd_hypr_rx,
			xess_support, av1_encode, av1_decode, resizable_bar)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chip_id) DO UPDATE SET
			raytracing_hardware = excluded.raytracing_hardware,
			raytracing_api_support = excluded.raytracing_api_support,
			cuda_compute_capability = excluded.cuda_compute_capability,
			dlss_version = excluded.dlss_version,
			nvenc_generation = excluded.nvenc_generation,
			nvidia_reflex = excluded.nvidia_reflex,
			fsr_support = excluded.fsr_support,
			amd_fmf = excluded.amd_fmf,
			amd_hypr_rx = excluded.amd_hypr_rx,
			xess_support = excluded.xess_support,
			av1_encode = excluded.av1_encode,
			av1_decode = excluded.av1_decode,
			resizable_bar = excluded.resizable_bar`,
		chipID, feat.RaytracingHardware, feat.RaytracingAPISupport, feat.CUDAComputeCapability,
		feat.DLSSVersion, feat.NVENCGeneration, feat.NvidiaReflex, feat.FSRSupport, feat.AMDFMF,
		feat.AMDHyprRX, feat.XeSSSupport, feat.AV1Encode, feat.AV1Decode, feat.ResizableBAR,
	)
	return eris.Wrapf(err, "sqlite: upsert features for %s", chipID)
}

func (s *SQLiteStore) UpdateChipSpecs(ctx context.Context, chipID string, specs model.ChipSpecs) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v *int) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("boost_clock_mhz", specs.BoostClockMHz)
	add("base_clock_mhz", specs.BaseClockMHz)
	add("tdp_watts", specs.TDPWatts)
	add("recommended_psu_watts", specs.RecommendedPSUWatts)
	add("compute_units_count", specs.ComputeUnitsCount)
	add("rt_cores", specs.RTCores)
	add("tensor_cores", specs.TensorCores)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), chipID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE gpu_chip SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update chip specs %s", chipID)
	}
	return checkRowsAffected(res, "chip", chipID)
}

func (s *SQLiteStore) GetChip(ctx context.Context, chipID string) (*model.Chip, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chipColumns+` FROM gpu_chip WHERE id = ?`, chipID)
	c, err := scanChip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListChips(ctx context.Context) ([]model.Chip, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chipColumns+` FROM gpu_chip ORDER BY vendor_id, model_name, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chips")
	}
	defer rows.Close()

	var chips []model.Chip
	for rows.Next() {
		c, err := scanChip(rows)
		if err != nil {
			return nil, err
		}
		chips = append(chips, *c)
	}
	return chips, eris.Wrap(rows.Err(), "sqlite: list chips iterate")
}

func (s *SQLiteStore) ChipIndex(ctx context.Context) (*model.ChipIndex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.vendor_id, c.model_name, m.vram_gb
		 FROM gpu_chip c LEFT JOIN gpu_memory m ON m.chip_id = c.id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: chip index")
	}
	defer rows.Close()

	ix := &model.ChipIndex{VRAMByChip: map[string]int{}}
	for rows.Next() {
		var id, vendorID, modelName string
		var vram *int
		if err := rows.Scan(&id, &vendorID, &modelName, &vram); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chip index row")
		}
		ix.Add(vendorID, resolve.CanonicalModelKey(modelName), id)
		if vram != nil {
			ix.VRAMByChip[id] = *vram
		}
	}
	return ix, eris.Wrap(rows.Err(), "sqlite: chip index iterate")
}

const sqliteInsertVariant = `INSERT INTO gpu_variant (` + variantColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) CreateVariant(ctx context.Context, v model.Variant) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteInsertVariant+` ON CONFLICT(id) DO NOTHING`,
		v.ID, v.ChipID, v.AIBManufacturer, v.ModelSuffix, v.PartNumber,
		v.FactoryBoostMHz, v.LengthMM, v.WidthSlots, v.HeightMM, v.PowerConnectors,
		v.CoolingType, v.FanCount, v.DisplayPortCount, v.DisplayPortVersion,
		v.HDMICount, v.HDMIVersion, v.WarrantyYears, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert variant %s", v.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetVariant(ctx context.Context, variantID string) (*model.Variant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+variantColumns+` FROM gpu_variant WHERE id = ?`, variantID)
	v, err := scanVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *SQLiteStore) ListVariants(ctx context.Context, chipID string) ([]model.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM gpu_variant WHERE chip_id = ? ORDER BY aib_manufacturer, id`, chipID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list variants")
	}
	defer rows.Close()

	var variants []model.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, *v)
	}
	return variants, eris.Wrap(rows.Err(), "sqlite: list variants iterate")
}

// Reference vocabularies

func (s *SQLiteStore) UpsertVendor(ctx context.Context, v model.Vendor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gpu_vendor (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		v.ID, v.Name)
	return eris.Wrapf(err, "sqlite: upsert vendor %s", v.ID)
}

func (s *SQLiteStore) ListVendors(ctx context.Context) ([]model.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM gpu_vendor ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vendors")
	}
	defer rows.Close()

	var vendors []model.Vendor
	for rows.Next() {
		var v model.Vendor
		if err := rows.Scan(&v.ID, &v.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vendor")
		}
		vendors = append(vendors, v)
	}
	return vendors, eris.Wrap(rows.Err(), "sqlite: list vendors iterate")
}

func (s *SQLiteStore) UpsertArchitecture(ctx context.Context, a model.Architecture) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gpu_architecture (id, vendor_id, name) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET vendor_id = excluded.vendor_id, name = excluded.name`,
		a.ID, a.Vendor, a.Name)
	return eris.Wrapf(err, "sqlite: upsert architecture %s", a.ID)
}

func (s *SQLiteStore) ListArchitectures(ctx context.Context) ([]model.Architecture, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, vendor_id, name FROM gpu_architecture ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list architectures")
	}
	defer rows.Close()

	var archs []model.Architecture
	for rows.Next() {
		var a model.Architecture
		if err := rows.Scan(&a.ID, &a.Vendor, &a.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan architecture")
		}
		archs = append(archs, a)
	}
	return archs, eris.Wrap(rows.Err(), "sqlite: list architectures iterate")
}

func (s *SQLiteStore) UpsertMemoryType(ctx context.Context, m model.MemoryType) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gpu_memory_type (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		m.ID, m.Name)
	return eris.Wrapf(err, "sqlite: upsert memory type %s", m.ID)
}

func (s *SQLiteStore) ListMemoryTypes(ctx context.Context) ([]model.MemoryType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM gpu_memory_type ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list memory types")
	}
	defer rows.Close()

	var types []model.MemoryType
	for rows.Next() {
		var m model.MemoryType
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan memory type")
		}
		types = append(types, m)
	}
	return types, eris.Wrap(rows.Err(), "sqlite: list memory types iterate")
}

// Evidence

const sqliteInsertObservation = `INSERT INTO gpu_market_observation (` + observationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`

func (s *SQLiteStore) AppendObservation(ctx context.Context, obs model.Observation) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteInsertObservation,
		obs.ID, obs.VariantID, obs.Description, obs.Retailer, obs.SKU, obs.ProductURL,
		obs.PriceEUR, obs.Currency, string(obs.StockStatus), obs.ObservedAt.UTC(), obs.RunID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert observation %s", obs.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) AppendObservations(ctx context.Context, obs []model.Observation) (int64, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertObservation)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare observation insert")
	}
	defer stmt.Close()

	var inserted int64
	for _, o := range obs {
		res, err := stmt.ExecContext(ctx,
			o.ID, o.VariantID, o.Description, o.Retailer, o.SKU, o.ProductURL,
			o.PriceEUR, o.Currency, string(o.StockStatus), o.ObservedAt.UTC(), o.RunID,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert observation %s", o.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit append observations")
}

func (s *SQLiteStore) AppendHypothesis(ctx context.Context, h model.Hypothesis) (bool, error) {
	claimsJSON, err := json.Marshal(h.Claims)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal claims")
	}
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gpu_hypothesis (`+hypothesisColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		h.ID, h.Description, h.DescriptionNorm, h.Source, h.RunID, string(claimsJSON), createdAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert hypothesis %s", h.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) HypothesesForDescription(ctx context.Context, descriptionNorm string) ([]model.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hypothesisColumns+` FROM gpu_hypothesis
		 WHERE description_norm = ? ORDER BY created_at, id`, descriptionNorm)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: hypotheses for description")
	}
	defer rows.Close()

	var hyps []model.Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, err
		}
		hyps = append(hyps, *h)
	}
	return hyps, eris.Wrap(rows.Err(), "sqlite: hypotheses iterate")
}

func (s *SQLiteStore) UnlinkedObservations(ctx context.Context, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM gpu_market_observation
		 WHERE variant_id IS NULL ORDER BY observed_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: unlinked observations")
	}
	defer rows.Close()
	return collectObservations(rows)
}

func (s *SQLiteStore) LinkObservation(ctx context.Context, observationID, variantID string) (bool, error) {
	// The linkage is write-once; an already-linked observation is untouched.
	res, err := s.db.ExecContext(ctx,
		`UPDATE gpu_market_observation SET variant_id = ? WHERE id = ? AND variant_id IS NULL`,
		variantID, observationID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link observation %s", observationID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ObservationsForRun(ctx context.Context, runID string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM gpu_market_observation
		 WHERE run_id = ? ORDER BY observed_at, id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: observations for run")
	}
	defer rows.Close()
	return collectObservations(rows)
}

func (s *SQLiteStore) ObservationsForVariant(ctx context.Context, variantID string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM gpu_market_observation
		 WHERE variant_id = ? ORDER BY observed_at DESC, id`, variantID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: observations for variant")
	}
	defer rows.Close()
	return collectObservations(rows)
}

func (s *SQLiteStore) EnrichmentCandidates(ctx context.Context, limit int) ([]EnrichmentCandidate, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT description, MIN(product_url) FROM gpu_market_observation
		 WHERE variant_id IS NULL GROUP BY description ORDER BY description LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enrichment candidates")
	}
	defer rows.Close()

	var cands []EnrichmentCandidate
	for rows.Next() {
		var c EnrichmentCandidate
		if err := rows.Scan(&c.Description, &c.ProductURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment candidate")
		}
		cands = append(cands, c)
	}
	return cands, eris.Wrap(rows.Err(), "sqlite: enrichment candidates iterate")
}

func collectObservations(rows *sql.Rows) ([]model.Observation, error) {
	var obs []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, *o)
	}
	return obs, eris.Wrap(rows.Err(), "sqlite: observations iterate")
}

// Fingerprint index

func (s *SQLiteStore) HasSeen(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM description_fingerprint WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: has seen")
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkSeen(ctx context.Context, key, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO description_fingerprint (key, run_id, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, runID, time.Now().UTC())
	return eris.Wrap(err, "sqlite: mark seen")
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, kind model.RunKind) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		id, string(kind), string(model.RunStatusRunning), now)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, counters *model.RunCounters, errMsg string) error {
	var countersJSON any
	if counters != nil {
		b, err := json.Marshal(counters)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal counters")
		}
		countersJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, counters = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), countersJSON, nullableString(errMsg), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, counters, error, started_at, finished_at FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, kind, status, counters, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Deferrals

func (s *SQLiteStore) RecordDeferral(ctx context.Context, d model.Deferral) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolution_deferral (observation_id, run_id, reason, detail) VALUES (?, ?, ?, ?)
		 ON CONFLICT(observation_id, run_id) DO UPDATE SET reason = excluded.reason, detail = excluded.detail`,
		d.ObservationID, d.RunID, d.Reason, d.Detail)
	return eris.Wrapf(err, "sqlite: record deferral %s", d.ObservationID)
}

func (s *SQLiteStore) Deferrals(ctx context.Context, runID string) ([]model.Deferral, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT observation_id, run_id, reason, detail FROM resolution_deferral
		 WHERE run_id = ? ORDER BY observation_id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: deferrals")
	}
	defer rows.Close()

	var defs []model.Deferral
	for rows.Next() {
		var d model.Deferral
		var detail *string
		if err := rows.Scan(&d.ObservationID, &d.RunID, &d.Reason, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deferral")
		}
		if detail != nil {
			d.Detail = *detail
		}
		defs = append(defs, d)
	}
	return defs, eris.Wrap(rows.Err(), "sqlite: deferrals iterate")
}

// Views

const marketRowsQuery = `
SELECT o.id, o.variant_id, o.description, o.retailer, o.sku, o.product_url,
       o.price_eur, o.currency, o.stock_status, o.observed_at, o.run_id,
       v.id, v.chip_id, v.aib_manufacturer, v.model_suffix,
       c.vendor_id, c.model_name, c.boost_clock_mhz, m.vram_gb
FROM gpu_market_observation o
JOIN gpu_variant v ON v.id = o.variant_id
JOIN gpu_chip c ON c.id = v.chip_id
LEFT JOIN gpu_memory m ON m.chip_id = c.id
ORDER BY o.observed_at, o.id`

func (s *SQLiteStore) MarketRows(ctx context.Context) ([]model.MarketRow, error) {
	rows, err := s.db.QueryContext(ctx, marketRowsQuery)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: market rows")
	}
	defer rows.Close()

	var result []model.MarketRow
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, eris.Wrap(rows.Err(), "sqlite: market rows iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
