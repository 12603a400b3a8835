package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// analysis against a warehouse extract; the run log is Postgres-only.
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS vendors (
	id              INTEGER PRIMARY KEY,
	name            TEXT NOT NULL,
	rfc             TEXT NOT NULL DEFAULT '',
	corporate_group TEXT NOT NULL DEFAULT '',
	sector_id       TEXT NOT NULL DEFAULT '',
	state_code      TEXT NOT NULL DEFAULT '',
	contract_count  INTEGER NOT NULL DEFAULT 0,
	total_amount    REAL NOT NULL DEFAULT 0,
	last_contract   DATETIME
);

CREATE TABLE IF NOT EXISTS contracts (
	id              INTEGER PRIMARY KEY,
	procedure_id    TEXT NOT NULL,
	vendor_id       INTEGER NOT NULL,
	institution_id  TEXT NOT NULL,
	sector_id       TEXT NOT NULL DEFAULT '',
	procedure_type  TEXT NOT NULL,
	bidder_count    INTEGER NOT NULL DEFAULT 0,
	amount          REAL NOT NULL DEFAULT 0,
	published_at    DATETIME,
	awarded_at      DATETIME NOT NULL,
	year            INTEGER NOT NULL,
	price_hyp_score REAL,
	win_rate        REAL
);

CREATE INDEX IF NOT EXISTS idx_contracts_year ON contracts(year);
CREATE INDEX IF NOT EXISTS idx_contracts_vendor ON contracts(vendor_id);

CREATE TABLE IF NOT EXISTS ground_truth (
	group_id INTEGER NOT NULL,
	source   TEXT NOT NULL,
	label    INTEGER NOT NULL,
	year     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, source)
);

CREATE TABLE IF NOT EXISTS vendor_groups (
	group_id       INTEGER PRIMARY KEY,
	canonical_name TEXT NOT NULL,
	rfc            TEXT NOT NULL DEFAULT '',
	individual     INTEGER NOT NULL DEFAULT 0,
	member_count   INTEGER NOT NULL,
	contract_count INTEGER NOT NULL DEFAULT 0,
	total_amount   REAL NOT NULL DEFAULT 0,
	resolved_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS vendor_aliases (
	vendor_id  INTEGER PRIMARY KEY,
	group_id   INTEGER NOT NULL,
	name       TEXT NOT NULL,
	method     TEXT NOT NULL,
	confidence REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vendor_aliases_group ON vendor_aliases(group_id);

CREATE TABLE IF NOT EXISTS factor_baselines (
	factor    TEXT NOT NULL,
	scope     TEXT NOT NULL,
	sector_id TEXT NOT NULL DEFAULT '',
	year      INTEGER NOT NULL DEFAULT 0,
	mean      REAL NOT NULL,
	std_dev   REAL NOT NULL,
	min       REAL NOT NULL,
	max       REAL NOT NULL,
	n         INTEGER NOT NULL,
	PRIMARY KEY (factor, scope, sector_id, year)
);

CREATE TABLE IF NOT EXISTS risk_models (
	version   TEXT NOT NULL,
	sector_id TEXT NOT NULL DEFAULT '',
	payload   TEXT NOT NULL,
	fitted_at DATETIME NOT NULL,
	PRIMARY KEY (version, sector_id)
);

CREATE TABLE IF NOT EXISTS risk_scores (
	contract_id   INTEGER NOT NULL,
	model_version TEXT NOT NULL,
	group_id      INTEGER NOT NULL,
	score         REAL NOT NULL,
	ci_lower      REAL NOT NULL,
	ci_upper      REAL NOT NULL,
	level         TEXT NOT NULL,
	d2            REAL NOT NULL DEFAULT 0,
	p_value       REAL NOT NULL DEFAULT 0,
	scored_at     DATETIME NOT NULL,
	PRIMARY KEY (contract_id, model_version)
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_level ON risk_scores(model_version, level);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadVendors(ctx context.Context) ([]model.VendorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, rfc, corporate_group, sector_id, state_code,
		        contract_count, total_amount, last_contract
		 FROM vendors ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load vendors")
	}
	defer rows.Close()

	var vendors []model.VendorRecord
	for rows.Next() {
		var v model.VendorRecord
		var lastContract sql.NullTime
		if err := rows.Scan(&v.ID, &v.Name, &v.RFC, &v.CorporateGroup, &v.SectorID,
			&v.StateCode, &v.ContractCount, &v.TotalAmount, &lastContract); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vendor")
		}
		if lastContract.Valid {
			v.LastContract = lastContract.Time
		}
		vendors = append(vendors, v)
	}
	return vendors, eris.Wrap(rows.Err(), "sqlite: load vendors iterate")
}

func (s *SQLiteStore) ContractYears(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT year FROM contracts ORDER BY year`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: contract years")
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan year")
		}
		years = append(years, y)
	}
	return years, eris.Wrap(rows.Err(), "sqlite: contract years iterate")
}

func (s *SQLiteStore) LoadContracts(ctx context.Context, year int) ([]model.ContractRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, procedure_id, vendor_id, institution_id, sector_id, procedure_type,
		        bidder_count, amount, published_at, awarded_at, year, price_hyp_score, win_rate
		 FROM contracts WHERE year = ? ORDER BY id`,
		year,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load contracts %d", year)
	}
	defer rows.Close()

	var contracts []model.ContractRecord
	for rows.Next() {
		var c model.ContractRecord
		var publishedAt sql.NullTime
		var priceHyp, winRate sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.ProcedureID, &c.VendorID, &c.InstitutionID,
			&c.SectorID, &c.ProcedureType, &c.BidderCount, &c.Amount,
			&publishedAt, &c.AwardedAt, &c.Year, &priceHyp, &winRate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contract")
		}
		if publishedAt.Valid {
			c.PublishedAt = publishedAt.Time
		}
		c.PriceHypScore = math.NaN()
		if priceHyp.Valid {
			c.PriceHypScore = priceHyp.Float64
		}
		c.WinRate = math.NaN()
		if winRate.Valid {
			c.WinRate = winRate.Float64
		}
		contracts = append(contracts, c)
	}
	return contracts, eris.Wrap(rows.Err(), "sqlite: load contracts iterate")
}

func (s *SQLiteStore) LoadGroundTruth(ctx context.Context) ([]model.GroundTruthVendor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, source, label, year FROM ground_truth ORDER BY group_id, source`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load ground truth")
	}
	defer rows.Close()

	var labels []model.GroundTruthVendor
	for rows.Next() {
		var g model.GroundTruthVendor
		if err := rows.Scan(&g.GroupID, &g.Source, &g.Label, &g.Year); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ground truth")
		}
		labels = append(labels, g)
	}
	return labels, eris.Wrap(rows.Err(), "sqlite: load ground truth iterate")
}

func (s *SQLiteStore) ReplaceResolution(ctx context.Context, groups []model.VendorGroup, aliases []model.VendorAlias) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace resolution: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vendor_aliases`); err != nil {
		return eris.Wrap(err, "sqlite: clear vendor_aliases")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vendor_groups`); err != nil {
		return eris.Wrap(err, "sqlite: clear vendor_groups")
	}

	groupStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vendor_groups (group_id, canonical_name, rfc, individual,
		         member_count, contract_count, total_amount, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare group insert")
	}
	defer groupStmt.Close()
	for _, g := range groups {
		if _, err := groupStmt.ExecContext(ctx, g.GroupID, g.CanonicalName, g.RFC,
			g.Individual, g.MemberCount, g.ContractCount, g.TotalAmount, g.ResolvedAt); err != nil {
			return eris.Wrapf(err, "sqlite: insert group %d", g.GroupID)
		}
	}

	aliasStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO vendor_aliases (vendor_id, group_id, name, method, confidence)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare alias insert")
	}
	defer aliasStmt.Close()
	for _, a := range aliases {
		if _, err := aliasStmt.ExecContext(ctx, a.VendorID, a.GroupID, a.Name,
			string(a.Method), a.Confidence); err != nil {
			return eris.Wrapf(err, "sqlite: insert alias %d", a.VendorID)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: replace resolution: commit")
	}

	zap.L().Info("sqlite: resolution replaced",
		zap.Int("groups", len(groups)),
		zap.Int("aliases", len(aliases)))
	return nil
}

func (s *SQLiteStore) LoadAliases(ctx context.Context) ([]model.VendorAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vendor_id, group_id, name, method, confidence
		 FROM vendor_aliases ORDER BY vendor_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load aliases")
	}
	defer rows.Close()

	var aliases []model.VendorAlias
	for rows.Next() {
		var a model.VendorAlias
		var method string
		if err := rows.Scan(&a.VendorID, &a.GroupID, &a.Name, &method, &a.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias")
		}
		a.Method = model.MatchMethod(method)
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "sqlite: load aliases iterate")
}

func (s *SQLiteStore) GroupCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vendor_groups`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: group count")
}

func (s *SQLiteStore) ReplaceBaselines(ctx context.Context, baselines []model.FactorBaseline) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace baselines: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM factor_baselines`); err != nil {
		return eris.Wrap(err, "sqlite: clear factor_baselines")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO factor_baselines (factor, scope, sector_id, year, mean, std_dev, min, max, n)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare baseline insert")
	}
	defer stmt.Close()
	for _, b := range baselines {
		if _, err := stmt.ExecContext(ctx, b.Factor, string(b.Scope), b.SectorID, b.Year,
			b.Mean, b.StdDev, b.Min, b.Max, b.N); err != nil {
			return eris.Wrapf(err, "sqlite: insert baseline %s/%s", b.Factor, b.Scope)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: replace baselines: commit")
	}

	zap.L().Info("sqlite: baselines replaced", zap.Int("rows", len(baselines)))
	return nil
}

func (s *SQLiteStore) LoadBaselines(ctx context.Context) ([]model.FactorBaseline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT factor, scope, sector_id, year, mean, std_dev, min, max, n
		 FROM factor_baselines ORDER BY factor, scope, sector_id, year`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load baselines")
	}
	defer rows.Close()

	var baselines []model.FactorBaseline
	for rows.Next() {
		var b model.FactorBaseline
		var scope string
		if err := rows.Scan(&b.Factor, &scope, &b.SectorID, &b.Year,
			&b.Mean, &b.StdDev, &b.Min, &b.Max, &b.N); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan baseline")
		}
		b.Scope = model.BaselineScope(scope)
		baselines = append(baselines, b)
	}
	return baselines, eris.Wrap(rows.Err(), "sqlite: load baselines iterate")
}

func (s *SQLiteStore) SaveModels(ctx context.Context, models []model.CalibratedModel) error {
	for _, m := range models {
		payload, err := json.Marshal(m)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal model %s", m.Version)
		}
		sectorID := ""
		if m.SectorID != nil {
			sectorID = *m.SectorID
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO risk_models (version, sector_id, payload, fitted_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (version, sector_id) DO UPDATE SET
			   payload = excluded.payload, fitted_at = excluded.fitted_at`,
			m.Version, sectorID, string(payload), m.FittedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save model %s/%s", m.Version, sectorID)
		}
	}
	zap.L().Info("sqlite: models saved", zap.Int("models", len(models)))
	return nil
}

func (s *SQLiteStore) LoadModels(ctx context.Context, version string) ([]model.CalibratedModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM risk_models WHERE version = ? ORDER BY sector_id`,
		version,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load models %s", version)
	}
	defer rows.Close()

	var models []model.CalibratedModel
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan model payload")
		}
		var m model.CalibratedModel
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal model %s", version)
		}
		models = append(models, m)
	}
	return models, eris.Wrap(rows.Err(), "sqlite: load models iterate")
}

func (s *SQLiteStore) LatestModelVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM risk_models ORDER BY fitted_at DESC, version DESC LIMIT 1`,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrap(err, "sqlite: latest model version")
	}
	return version, nil
}

func (s *SQLiteStore) UpsertScores(ctx context.Context, scores []model.RiskScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert scores: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO risk_scores (contract_id, model_version, group_id, score,
		         ci_lower, ci_upper, level, d2, p_value, scored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contract_id, model_version) DO UPDATE SET
		   group_id = excluded.group_id, score = excluded.score,
		   ci_lower = excluded.ci_lower, ci_upper = excluded.ci_upper,
		   level = excluded.level, d2 = excluded.d2,
		   p_value = excluded.p_value, scored_at = excluded.scored_at`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare score upsert")
	}
	defer stmt.Close()
	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, sc.ContractID, sc.ModelVersion, sc.GroupID,
			sc.Score, sc.CILower, sc.CIUpper, string(sc.Level), sc.D2, sc.PValue,
			sc.ScoredAt); err != nil {
			return eris.Wrapf(err, "sqlite: upsert score %d", sc.ContractID)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: upsert scores: commit")
	}

	zap.L().Info("sqlite: scores upserted", zap.Int("rows", len(scores)))
	return nil
}

func (s *SQLiteStore) ScoreCount(ctx context.Context, version string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_scores WHERE model_version = ?`,
		version,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: score count")
}

func (s *SQLiteStore) ScoreLevelCounts(ctx context.Context, version string) (map[model.RiskLevel]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM risk_scores WHERE model_version = ? GROUP BY level`,
		version,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: score level counts")
	}
	defer rows.Close()

	counts := make(map[model.RiskLevel]int64)
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan level count")
		}
		counts[model.RiskLevel(level)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: score level counts iterate")
}
