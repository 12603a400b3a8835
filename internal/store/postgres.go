package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/db"
	"github.com/padron-mx/riesgo-cli/internal/model"
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

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
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

// NewPostgresWithPool wraps an existing pool. Used by tests and by
// callers that share one pool across subsystems.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for use by subsystems that
// need direct query access (e.g. the run log).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) LoadVendors(ctx context.Context) ([]model.VendorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, rfc, corporate_group, sector_id, state_code,
		        contract_count, total_amount, last_contract
		 FROM riesgo.vendors ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load vendors")
	}
	defer rows.Close()

	var vendors []model.VendorRecord
	for rows.Next() {
		var v model.VendorRecord
		var lastContract *time.Time
		if err := rows.Scan(&v.ID, &v.Name, &v.RFC, &v.CorporateGroup, &v.SectorID,
			&v.StateCode, &v.ContractCount, &v.TotalAmount, &lastContract); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vendor")
		}
		if lastContract != nil {
			v.LastContract = *lastContract
		}
		vendors = append(vendors, v)
	}
	return vendors, eris.Wrap(rows.Err(), "postgres: load vendors iterate")
}

func (s *PostgresStore) ContractYears(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT year FROM riesgo.contracts ORDER BY year`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: contract years")
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, eris.Wrap(err, "postgres: scan year")
		}
		years = append(years, y)
	}
	return years, eris.Wrap(rows.Err(), "postgres: contract years iterate")
}

func (s *PostgresStore) LoadContracts(ctx context.Context, year int) ([]model.ContractRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, procedure_id, vendor_id, institution_id, sector_id, procedure_type,
		        bidder_count, amount, published_at, awarded_at, year, price_hyp_score, win_rate
		 FROM riesgo.contracts WHERE year = $1 ORDER BY id`,
		year,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load contracts %d", year)
	}
	defer rows.Close()

	var contracts []model.ContractRecord
	for rows.Next() {
		var c model.ContractRecord
		var publishedAt *time.Time
		var priceHyp, winRate *float64
		if err := rows.Scan(&c.ID, &c.ProcedureID, &c.VendorID, &c.InstitutionID,
			&c.SectorID, &c.ProcedureType, &c.BidderCount, &c.Amount,
			&publishedAt, &c.AwardedAt, &c.Year, &priceHyp, &winRate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contract")
		}
		if publishedAt != nil {
			c.PublishedAt = *publishedAt
		}
		// NULL means the signal was never computed, which is not the
		// same as zero. NaN carries that through the factor builder.
		c.PriceHypScore = math.NaN()
		if priceHyp != nil {
			c.PriceHypScore = *priceHyp
		}
		c.WinRate = math.NaN()
		if winRate != nil {
			c.WinRate = *winRate
		}
		contracts = append(contracts, c)
	}
	return contracts, eris.Wrap(rows.Err(), "postgres: load contracts iterate")
}

func (s *PostgresStore) LoadGroundTruth(ctx context.Context) ([]model.GroundTruthVendor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, source, label, year FROM riesgo.ground_truth ORDER BY group_id, source`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load ground truth")
	}
	defer rows.Close()

	var labels []model.GroundTruthVendor
	for rows.Next() {
		var g model.GroundTruthVendor
		if err := rows.Scan(&g.GroupID, &g.Source, &g.Label, &g.Year); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ground truth")
		}
		labels = append(labels, g)
	}
	return labels, eris.Wrap(rows.Err(), "postgres: load ground truth iterate")
}

// ReplaceResolution swaps both resolution tables in one transaction so
// readers never see groups from one run joined to aliases from another.
func (s *PostgresStore) ReplaceResolution(ctx context.Context, groups []model.VendorGroup, aliases []model.VendorAlias) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace resolution: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM riesgo.vendor_aliases`); err != nil {
		return eris.Wrap(err, "postgres: clear vendor_aliases")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM riesgo.vendor_groups`); err != nil {
		return eris.Wrap(err, "postgres: clear vendor_groups")
	}

	groupRows := make([][]any, len(groups))
	for i, g := range groups {
		groupRows[i] = []any{g.GroupID, g.CanonicalName, g.RFC, g.Individual,
			g.MemberCount, g.ContractCount, g.TotalAmount, g.ResolvedAt}
	}
	if len(groupRows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"riesgo", "vendor_groups"},
			[]string{"group_id", "canonical_name", "rfc", "individual",
				"member_count", "contract_count", "total_amount", "resolved_at"},
			pgx.CopyFromRows(groupRows),
		); err != nil {
			return eris.Wrap(err, "postgres: COPY vendor_groups")
		}
	}

	aliasRows := make([][]any, len(aliases))
	for i, a := range aliases {
		aliasRows[i] = []any{a.VendorID, a.GroupID, a.Name, string(a.Method), a.Confidence}
	}
	if len(aliasRows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"riesgo", "vendor_aliases"},
			[]string{"vendor_id", "group_id", "name", "method", "confidence"},
			pgx.CopyFromRows(aliasRows),
		); err != nil {
			return eris.Wrap(err, "postgres: COPY vendor_aliases")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: replace resolution: commit")
	}

	zap.L().Info("postgres: resolution replaced",
		zap.Int("groups", len(groups)),
		zap.Int("aliases", len(aliases)))
	return nil
}

func (s *PostgresStore) LoadAliases(ctx context.Context) ([]model.VendorAlias, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT vendor_id, group_id, name, method, confidence
		 FROM riesgo.vendor_aliases ORDER BY vendor_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load aliases")
	}
	defer rows.Close()

	var aliases []model.VendorAlias
	for rows.Next() {
		var a model.VendorAlias
		var method string
		if err := rows.Scan(&a.VendorID, &a.GroupID, &a.Name, &method, &a.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias")
		}
		a.Method = model.MatchMethod(method)
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "postgres: load aliases iterate")
}

func (s *PostgresStore) GroupCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM riesgo.vendor_groups`).Scan(&count)
	return count, eris.Wrap(err, "postgres: group count")
}

func (s *PostgresStore) ReplaceBaselines(ctx context.Context, baselines []model.FactorBaseline) error {
	rows := make([][]any, len(baselines))
	for i, b := range baselines {
		rows[i] = []any{b.Factor, string(b.Scope), b.SectorID, b.Year,
			b.Mean, b.StdDev, b.Min, b.Max, b.N}
	}
	n, err := db.ReplaceAll(ctx, s.pool, "riesgo.factor_baselines",
		[]string{"factor", "scope", "sector_id", "year", "mean", "std_dev", "min", "max", "n"},
		rows,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: replace baselines")
	}
	zap.L().Info("postgres: baselines replaced", zap.Int64("rows", n))
	return nil
}

func (s *PostgresStore) LoadBaselines(ctx context.Context) ([]model.FactorBaseline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT factor, scope, sector_id, year, mean, std_dev, min, max, n
		 FROM riesgo.factor_baselines ORDER BY factor, scope, sector_id, year`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load baselines")
	}
	defer rows.Close()

	var baselines []model.FactorBaseline
	for rows.Next() {
		var b model.FactorBaseline
		var scope string
		if err := rows.Scan(&b.Factor, &scope, &b.SectorID, &b.Year,
			&b.Mean, &b.StdDev, &b.Min, &b.Max, &b.N); err != nil {
			return nil, eris.Wrap(err, "postgres: scan baseline")
		}
		b.Scope = model.BaselineScope(scope)
		baselines = append(baselines, b)
	}
	return baselines, eris.Wrap(rows.Err(), "postgres: load baselines iterate")
}

// SaveModels upserts each model keyed (version, sector_id) so a re-run
// of the same version overwrites rather than duplicates. The sector_id
// column holds '' for the global model.
func (s *PostgresStore) SaveModels(ctx context.Context, models []model.CalibratedModel) error {
	for _, m := range models {
		payload, err := json.Marshal(m)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal model %s", m.Version)
		}
		sectorID := ""
		if m.SectorID != nil {
			sectorID = *m.SectorID
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO riesgo.risk_models (version, sector_id, payload, fitted_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (version, sector_id) DO UPDATE SET
			   payload = EXCLUDED.payload, fitted_at = EXCLUDED.fitted_at`,
			m.Version, sectorID, payload, m.FittedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: save model %s/%s", m.Version, sectorID)
		}
	}
	zap.L().Info("postgres: models saved", zap.Int("models", len(models)))
	return nil
}

func (s *PostgresStore) LoadModels(ctx context.Context, version string) ([]model.CalibratedModel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM riesgo.risk_models WHERE version = $1 ORDER BY sector_id`,
		version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load models %s", version)
	}
	defer rows.Close()

	var models []model.CalibratedModel
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan model payload")
		}
		var m model.CalibratedModel
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal model %s", version)
		}
		models = append(models, m)
	}
	return models, eris.Wrap(rows.Err(), "postgres: load models iterate")
}

func (s *PostgresStore) LatestModelVersion(ctx context.Context) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM riesgo.risk_models ORDER BY fitted_at DESC, version DESC LIMIT 1`,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrap(err, "postgres: latest model version")
	}
	return version, nil
}

func (s *PostgresStore) UpsertScores(ctx context.Context, scores []model.RiskScore) error {
	rows := make([][]any, len(scores))
	for i, sc := range scores {
		rows[i] = []any{sc.ContractID, sc.ModelVersion, sc.GroupID, sc.Score,
			sc.CILower, sc.CIUpper, string(sc.Level), sc.D2, sc.PValue, sc.ScoredAt}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "riesgo.risk_scores",
		Columns: []string{"contract_id", "model_version", "group_id", "score",
			"ci_lower", "ci_upper", "level", "d2", "p_value", "scored_at"},
		ConflictKeys: []string{"contract_id", "model_version"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert scores")
	}
	zap.L().Info("postgres: scores upserted", zap.Int64("rows", n))
	return nil
}

func (s *PostgresStore) ScoreCount(ctx context.Context, version string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM riesgo.risk_scores WHERE model_version = $1`,
		version,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: score count")
}

func (s *PostgresStore) ScoreLevelCounts(ctx context.Context, version string) (map[model.RiskLevel]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT level, COUNT(*) FROM riesgo.risk_scores WHERE model_version = $1 GROUP BY level`,
		version,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: score level counts")
	}
	defer rows.Close()

	counts := make(map[model.RiskLevel]int64)
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan level count")
		}
		counts[model.RiskLevel(level)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: score level counts iterate")
}
