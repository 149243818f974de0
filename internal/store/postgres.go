package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pcbuilder/gpumarket-cli/internal/db"
	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot resolution-loop operations.
var preparedStatements = map[string]string{
	"link_observation":     `UPDATE gpu_market_observation SET variant_id = $1 WHERE id = $2 AND variant_id IS NULL`,
	"hypotheses_for_desc":  `SELECT ` + hypothesisColumns + ` FROM gpu_hypothesis WHERE description_norm = $1 ORDER BY created_at, id`,
	"insert_observation":   `INSERT INTO gpu_market_observation (` + observationColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (id) DO NOTHING`,
	"fingerprint_has_seen": `SELECT COUNT(*) FROM description_fingerprint WHERE key = $1`,
	"record_deferral":      `INSERT INTO resolution_deferral (observation_id, run_id, reason, detail) VALUES ($1, $2, $3, $4) ON CONFLICT (observation_id, run_id) DO UPDATE SET reason = EXCLUDED.reason, detail = EXCLUDED.detail`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
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
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gpu_memory (
	chip_id              TEXT PRIMARY KEY REFERENCES gpu_chip(id) ON DELETE CASCADE,
	vram_gb              INTEGER,
	memory_type_id       TEXT REFERENCES gpu_memory_type(id),
	memory_bus_bits      INTEGER,
	memory_speed_gbps    DOUBLE PRECISION,
	memory_bandwidth_gbs DOUBLE PRECISION
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
	width_slots         DOUBLE PRECISION,
	height_mm           INTEGER,
	power_connectors    TEXT,
	cooling_type        TEXT,
	fan_count           INTEGER,
	displayport_count   INTEGER,
	displayport_version TEXT,
	hdmi_count          INTEGER,
	hdmi_version        TEXT,
	warranty_years      INTEGER,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS gpu_market_observation (
	id           TEXT PRIMARY KEY,
	variant_id   TEXT REFERENCES gpu_variant(id) ON DELETE CASCADE,
	description  TEXT NOT NULL,
	retailer     TEXT NOT NULL,
	sku          TEXT,
	product_url  TEXT NOT NULL,
	price_eur    DOUBLE PRECISION NOT NULL,
	currency     TEXT NOT NULL,
	stock_status TEXT NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL,
	run_id       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gpu_hypothesis (
	id               TEXT PRIMARY KEY,
	description      TEXT NOT NULL,
	description_norm TEXT NOT NULL,
	source           TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	claims           JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS description_fingerprint (
	key     TEXT PRIMARY KEY,
	run_id  TEXT NOT NULL,
	seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	counters    JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS resolution_deferral (
	observation_id TEXT NOT NULL REFERENCES gpu_market_observation(id) ON DELETE CASCADE,
	run_id         TEXT NOT NULL,
	reason         TEXT NOT NULL,
	detail         TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (observation_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_gpu_chip_vendor ON gpu_chip(vendor_id);
CREATE INDEX IF NOT EXISTS idx_gpu_variant_chip ON gpu_variant(chip_id);
CREATE INDEX IF NOT EXISTS idx_obs_variant ON gpu_market_observation(variant_id);
CREATE INDEX IF NOT EXISTS idx_obs_run ON gpu_market_observation(run_id);
CREATE INDEX IF NOT EXISTS idx_obs_unlinked ON gpu_market_observation(observed_at) WHERE variant_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_hypothesis_desc_norm ON gpu_hypothesis(description_norm);
CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
CREATE INDEX IF NOT EXISTS idx_deferral_run ON resolution_deferral(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Catalog

const pgInsertChip = `INSERT INTO gpu_chip (` + chipColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

func (s *PostgresStore) CreateChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, pgInsertChip+` ON CONFLICT (id) DO NOTHING`,
		chipArgs(chip, time.Now().UTC())...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert chip %s", chip.ID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := pgUpsertMemory(ctx, tx, chip.ID, mem); err != nil {
		return false, err
	}
	if err := pgUpsertFeatures(ctx, tx, chip.ID, feat); err != nil {
		return false, err
	}
	return true, eris.Wrap(tx.Commit(ctx), "postgres: commit create chip")
}

func (s *PostgresStore) SeedChip(ctx context.Context, chip model.Chip, mem *model.Memory, feat *model.Features) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, pgInsertChip+`
		ON CONFLICT (id) DO UPDATE SET
			brand_series = EXCLUDED.brand_series,
			code_name = EXCLUDED.code_name,
			architecture_id = EXCLUDED.architecture_id,
			process_node_nm = EXCLUDED.process_node_nm,
			launch_date = EXCLUDED.launch_date,
			compute_units_type = EXCLUDED.compute_units_type,
			compute_units_count = EXCLUDED.compute_units_count,
			rt_cores = EXCLUDED.rt_cores,
			tensor_cores = EXCLUDED.tensor_cores,
			base_clock_mhz = EXCLUDED.base_clock_mhz,
			boost_clock_mhz = EXCLUDED.boost_clock_mhz,
			tdp_watts = EXCLUDED.tdp_watts,
			recommended_psu_watts = EXCLUDED.recommended_psu_watts,
			pcie_generation = EXCLUDED.pcie_generation,
			pcie_lanes = EXCLUDED.pcie_lanes,
			updated_at = EXCLUDED.updated_at`,
		chipArgs(chip, time.Now().UTC())...)
	if err != nil {
		return eris.Wrapf(err, "postgres: seed chip %s", chip.ID)
	}

	if err := pgUpsertMemory(ctx, tx, chip.ID, mem); err != nil {
		return err
	}
	if err := pgUpsertFeatures(ctx, tx, chip.ID, feat); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit seed chip")
}

func pgUpsertMemory(ctx context.Context, tx pgx.Tx, chipID string, mem *model.Memory) error {
	if mem == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO gpu_memory (chip_id, vram_gb, memory_type_id, memory_bus_bits, memory_speed_gbps, memory_bandwidth_gbs)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chip_id) DO UPDATE SET
			vram_gb = EXCLUDED.vram_gb,
			memory_type_id = EXCLUDED.memory_type_id,
			memory_bus_bits = EXCLUDED.memory_bus_bits,
			memory_speed_gbps = EXCLUDED.memory_speed_gbps,
			memory_bandwidth_gbs = EXCLUDED.memory_bandwidth_gbs`,
		chipID, mem.VRAMGB, mem.MemoryTypeID, mem.MemoryBusBits, mem.MemorySpeedGbps, mem.MemoryBandwidthGBs,
	)
	return eris.Wrapf(err, "postgres: upsert memory for %s", chipID)
}

func pgUpsertFeatures(ctx context.Context, tx pgx.Tx, chipID string, feat *model.Features) error {
	if feat == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO gpu_features (chip_id, raytracing_hardware, raytracing_api_support, cuda_compute_capability,
			dlss_version, nvenc_generation, nvidia_reflex, fsr_support, amd_fmf, amd_hypr_rx,
			xess_support, av1_encode, av1_decode, resizable_bar)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (chip_id) DO UPDATE SET
			raytracing_hardware = EXCLUDED.raytracing_hardware,
			raytracing_api_support = EXCLUDED.raytracing_api_support,
			cuda_compute_capability = EXCLUDED.cuda_compute_capability,
			dlss_version = EXCLUDED.dlss_version,
			nvenc_generation = EXCLUDED.nvenc_generation,
			nvidia_reflex = EXCLUDED.nvidia_reflex,
			fsr_support = EXCLUDED.fsr_support,
			amd_fmf = EXCLUDED.amd_fmf,
			amd_hypr_rx = EXCLUDED.amd_hypr_rx,
			xess_support = EXCLUDED.xess_support,
			av1_encode = EXCLUDED.av1_encode,
			av1_decode = EXCLUDED.av1_decode,
			resizable_bar = EXCLUDED.resizable_bar`,
		chipID, feat.RaytracingHardware, feat.RaytracingAPISupport, feat.CUDAComputeCapability,
		feat.DLSSVersion, feat.NVENCGeneration, feat.NvidiaReflex, feat.FSRSupport, feat.AMDFMF,
		feat.AMDHyprRX, feat.XeSSSupport, feat.AV1Encode, feat.AV1Decode, feat.ResizableBAR,
	)
	return eris.Wrapf(err, "postgres: upsert features for %s", chipID)
}

func (s *PostgresStore) UpdateChipSpecs(ctx context.Context, chipID string, specs model.ChipSpecs) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v *int) {
		if v != nil {
			args = append(args, *v)
			sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
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
	args = append(args, time.Now().UTC())
	sets = append(sets, "updated_at = $"+strconv.Itoa(len(args)))
	args = append(args, chipID)

	tag, err := s.pool.Exec(ctx,
		`UPDATE gpu_chip SET `+strings.Join(sets, ", ")+` WHERE id = $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update chip specs %s", chipID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("chip not found: %s", chipID)
	}
	return nil
}

func (s *PostgresStore) GetChip(ctx context.Context, chipID string) (*model.Chip, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+chipColumns+` FROM gpu_chip WHERE id = $1`, chipID)
	c, err := scanChip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListChips(ctx context.Context) ([]model.Chip, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chipColumns+` FROM gpu_chip ORDER BY vendor_id, model_name, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chips")
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
	return chips, eris.Wrap(rows.Err(), "postgres: list chips iterate")
}

func (s *PostgresStore) ChipIndex(ctx context.Context) (*model.ChipIndex, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.vendor_id, c.model_name, m.vram_gb
		 FROM gpu_chip c LEFT JOIN gpu_memory m ON m.chip_id = c.id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: chip index")
	}
	defer rows.Close()

	ix := &model.ChipIndex{VRAMByChip: map[string]int{}}
	for rows.Next() {
		var id, vendorID, modelName string
		var vram *int
		if err := rows.Scan(&id, &vendorID, &modelName, &vram); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chip index row")
		}
		ix.Add(vendorID, resolve.CanonicalModelKey(modelName), id)
		if vram != nil {
			ix.VRAMByChip[id] = *vram
		}
	}
	return ix, eris.Wrap(rows.Err(), "postgres: chip index iterate")
}

const pgInsertVariant = `INSERT INTO gpu_variant (` + variantColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

func (s *PostgresStore) CreateVariant(ctx context.Context, v model.Variant) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgInsertVariant+` ON CONFLICT (id) DO NOTHING`,
		v.ID, v.ChipID, v.AIBManufacturer, v.ModelSuffix, v.PartNumber,
		v.FactoryBoostMHz, v.LengthMM, v.WidthSlots, v.HeightMM, v.PowerConnectors,
		v.CoolingType, v.FanCount, v.DisplayPortCount, v.DisplayPortVersion,
		v.HDMICount, v.HDMIVersion, v.WarrantyYears, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert variant %s", v.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetVariant(ctx context.Context, variantID string) (*model.Variant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM gpu_variant WHERE id = $1`, variantID)
	v, err := scanVariant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *PostgresStore) ListVariants(ctx context.Context, chipID string) ([]model.Variant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+variantColumns+` FROM gpu_variant WHERE chip_id = $1 ORDER BY aib_manufacturer, id`, chipID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list variants")
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
	return variants, eris.Wrap(rows.Err(), "postgres: list variants iterate")
}

// Reference vocabularies

func (s *PostgresStore) UpsertVendor(ctx context.Context, v model.Vendor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gpu_vendor (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		v.ID, v.Name)
	return eris.Wrapf(err, "postgres: upsert vendor %s", v.ID)
}

func (s *PostgresStore) ListVendors(ctx context.Context) ([]model.Vendor, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM gpu_vendor ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vendors")
	}
	defer rows.Close()

	var vendors []model.Vendor
	for rows.Next() {
		var v model.Vendor
		if err := rows.Scan(&v.ID, &v.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vendor")
		}
		vendors = append(vendors, v)
	}
	return vendors, eris.Wrap(rows.Err(), "postgres: list vendors iterate")
}

func (s *PostgresStore) UpsertArchitecture(ctx context.Context, a model.Architecture) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gpu_architecture (id, vendor_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET vendor_id = EXCLUDED.vendor_id, name = EXCLUDED.name`,
		a.ID, a.Vendor, a.Name)
	return eris.Wrapf(err, "postgres: upsert architecture %s", a.ID)
}

func (s *PostgresStore) ListArchitectures(ctx context.Context) ([]model.Architecture, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, vendor_id, name FROM gpu_architecture ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list architectures")
	}
	defer rows.Close()

	var archs []model.Architecture
	for rows.Next() {
		var a model.Architecture
		if err := rows.Scan(&a.ID, &a.Vendor, &a.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan architecture")
		}
		archs = append(archs, a)
	}
	return archs, eris.Wrap(rows.Err(), "postgres: list architectures iterate")
}

func (s *PostgresStore) UpsertMemoryType(ctx context.Context, m model.MemoryType) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gpu_memory_type (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		m.ID, m.Name)
	return eris.Wrapf(err, "postgres: upsert memory type %s", m.ID)
}

func (s *PostgresStore) ListMemoryTypes(ctx context.Context) ([]model.MemoryType, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM gpu_memory_type ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list memory types")
	}
	defer rows.Close()

	var types []model.MemoryType
	for rows.Next() {
		var m model.MemoryType
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan memory type")
		}
		types = append(types, m)
	}
	return types, eris.Wrap(rows.Err(), "postgres: list memory types iterate")
}

// Evidence

var observationCols = []string{
	"id", "variant_id", "description", "retailer", "sku", "product_url",
	"price_eur", "currency", "stock_status", "observed_at", "run_id",
}

func (s *PostgresStore) AppendObservation(ctx context.Context, obs model.Observation) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO gpu_market_observation (`+observationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (id) DO NOTHING`,
		obs.ID, obs.VariantID, obs.Description, obs.Retailer, obs.SKU, obs.ProductURL,
		obs.PriceEUR, obs.Currency, string(obs.StockStatus), obs.ObservedAt.UTC(), obs.RunID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert observation %s", obs.ID)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendObservations bulk-loads a scrape batch through a temp table so
// duplicate stable ids in the batch or the table are skipped in one pass.
func (s *PostgresStore) AppendObservations(ctx context.Context, obs []model.Observation) (int64, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, []any{
			o.ID, o.VariantID, o.Description, o.Retailer, o.SKU, o.ProductURL,
			o.PriceEUR, o.Currency, string(o.StockStatus), o.ObservedAt.UTC(), o.RunID,
		})
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "gpu_market_observation",
		Columns:      observationCols,
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
}

func (s *PostgresStore) AppendHypothesis(ctx context.Context, h model.Hypothesis) (bool, error) {
	claimsJSON, err := json.Marshal(h.Claims)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal claims")
	}
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO gpu_hypothesis (`+hypothesisColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		h.ID, h.Description, h.DescriptionNorm, h.Source, h.RunID, claimsJSON, createdAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert hypothesis %s", h.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) HypothesesForDescription(ctx context.Context, descriptionNorm string) ([]model.Hypothesis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hypothesisColumns+` FROM gpu_hypothesis
		 WHERE description_norm = $1 ORDER BY created_at, id`, descriptionNorm)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: hypotheses for description")
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
	return hyps, eris.Wrap(rows.Err(), "postgres: hypotheses iterate")
}

func (s *PostgresStore) UnlinkedObservations(ctx context.Context, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM gpu_market_observation
		 WHERE variant_id IS NULL ORDER BY observed_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: unlinked observations")
	}
	defer rows.Close()
	return pgCollectObservations(rows)
}

func (s *PostgresStore) LinkObservation(ctx context.Context, observationID, variantID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE gpu_market_observation SET variant_id = $1 WHERE id = $2 AND variant_id IS NULL`,
		variantID, observationID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link observation %s", observationID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ObservationsForRun(ctx context.Context, runID string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM gpu_market_observation
		 WHERE run_id = $1 ORDER BY observed_at, id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: observations for run")
	}
	defer rows.Close()
	return pgCollectObservations(rows)
}

func (s *PostgresStore) ObservationsForVariant(ctx context.Context, variantID string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM gpu_market_observation
		 WHERE variant_id = $1 ORDER BY observed_at DESC, id`, variantID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: observations for variant")
	}
	defer rows.Close()
	return pgCollectObservations(rows)
}

func (s *PostgresStore) EnrichmentCandidates(ctx context.Context, limit int) ([]EnrichmentCandidate, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT description, MIN(product_url) FROM gpu_market_observation
		 WHERE variant_id IS NULL GROUP BY description ORDER BY description LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: enrichment candidates")
	}
	defer rows.Close()

	var cands []EnrichmentCandidate
	for rows.Next() {
		var c EnrichmentCandidate
		if err := rows.Scan(&c.Description, &c.ProductURL); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment candidate")
		}
		cands = append(cands, c)
	}
	return cands, eris.Wrap(rows.Err(), "postgres: enrichment candidates iterate")
}

func pgCollectObservations(rows pgx.Rows) ([]model.Observation, error) {
	var obs []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		obs = append(obs, *o)
	}
	return obs, eris.Wrap(rows.Err(), "postgres: observations iterate")
}

// Fingerprint index

func (s *PostgresStore) HasSeen(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM description_fingerprint WHERE key = $1`, key).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "postgres: has seen")
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkSeen(ctx context.Context, key, runID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO description_fingerprint (key, run_id, seen_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, runID, time.Now().UTC())
	return eris.Wrap(err, "postgres: mark seen")
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, kind model.RunKind) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, kind, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, string(kind), string(model.RunStatusRunning), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, counters *model.RunCounters, errMsg string) error {
	var countersJSON []byte
	if counters != nil {
		b, err := json.Marshal(counters)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal counters")
		}
		countersJSON = b
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, counters = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), countersJSON, nullableString(errMsg), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, status, counters, error, started_at, finished_at FROM runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, kind, status, counters, error, started_at, finished_at FROM runs WHERE true`
	args := []any{}

	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
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
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Deferrals

func (s *PostgresStore) RecordDeferral(ctx context.Context, d model.Deferral) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resolution_deferral (observation_id, run_id, reason, detail) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (observation_id, run_id) DO UPDATE SET reason = EXCLUDED.reason, detail = EXCLUDED.detail`,
		d.ObservationID, d.RunID, d.Reason, d.Detail)
	return eris.Wrapf(err, "postgres: record deferral %s", d.ObservationID)
}

func (s *PostgresStore) Deferrals(ctx context.Context, runID string) ([]model.Deferral, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT observation_id, run_id, reason, detail FROM resolution_deferral
		 WHERE run_id = $1 ORDER BY observation_id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: deferrals")
	}
	defer rows.Close()

	var defs []model.Deferral
	for rows.Next() {
		var d model.Deferral
		var detail *string
		if err := rows.Scan(&d.ObservationID, &d.RunID, &d.Reason, &detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deferral")
		}
		if detail != nil {
			d.Detail = *detail
		}
		defs = append(defs, d)
	}
	return defs, eris.Wrap(rows.Err(), "postgres: deferrals iterate")
}

// Views

func (s *PostgresStore) MarketRows(ctx context.Context) ([]model.MarketRow, error) {
	rows, err := s.pool.Query(ctx, marketRowsQuery)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: market rows")
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
	return result, eris.Wrap(rows.Err(), "postgres: market rows iterate")
}
