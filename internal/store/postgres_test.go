package store

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_LoadVendors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	last := time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "name", "rfc", "corporate_group", "sector_id",
		"state_code", "contract_count", "total_amount", "last_contract"}).
		AddRow(int64(1), "CONSTRUCTORA AZTECA SA DE CV", "CAZ850612AB1", "", "S07", "MX-CMX", 42, 9.5e6, &last).
		AddRow(int64(2), "JUAN PEREZ LOPEZ", "", "", "S07", "MX-JAL", 3, 120000.0, (*time.Time)(nil))
	mock.ExpectQuery("SELECT id, name, rfc, corporate_group").WillReturnRows(rows)

	vendors, err := s.LoadVendors(context.Background())
	require.NoError(t, err)
	require.Len(t, vendors, 2)
	assert.Equal(t, int64(1), vendors[0].ID)
	assert.Equal(t, "CAZ850612AB1", vendors[0].RFC)
	assert.Equal(t, last, vendors[0].LastContract)
	assert.True(t, vendors[1].LastContract.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ContractYears(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"year"}).AddRow(2019).AddRow(2020).AddRow(2021)
	mock.ExpectQuery("SELECT DISTINCT year FROM riesgo.contracts").WillReturnRows(rows)

	years, err := s.ContractYears(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2020, 2021}, years)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadContracts_NullSignalsBecomeNaN(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	awarded := time.Date(2021, 12, 20, 0, 0, 0, 0, time.UTC)
	published := awarded.AddDate(0, 0, -15)
	hyp := 0.83
	rows := pgxmock.NewRows([]string{"id", "procedure_id", "vendor_id", "institution_id",
		"sector_id", "procedure_type", "bidder_count", "amount", "published_at",
		"awarded_at", "year", "price_hyp_score", "win_rate"}).
		AddRow(int64(10), "LA-021000-E5-2021", int64(1), "IMSS", "S07", "open_tender",
			4, 1.2e6, &published, awarded, 2021, &hyp, (*float64)(nil)).
		AddRow(int64(11), "AA-021000-E9-2021", int64(2), "IMSS", "S07", "direct_award",
			1, 250000.0, (*time.Time)(nil), awarded, 2021, (*float64)(nil), (*float64)(nil))
	mock.ExpectQuery("SELECT id, procedure_id, vendor_id").WithArgs(2021).WillReturnRows(rows)

	contracts, err := s.LoadContracts(context.Background(), 2021)
	require.NoError(t, err)
	require.Len(t, contracts, 2)

	assert.Equal(t, 0.83, contracts[0].PriceHypScore)
	assert.True(t, math.IsNaN(contracts[0].WinRate))
	assert.Equal(t, published, contracts[0].PublishedAt)

	assert.True(t, math.IsNaN(contracts[1].PriceHypScore))
	assert.True(t, math.IsNaN(contracts[1].WinRate))
	assert.True(t, contracts[1].PublishedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadGroundTruth(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"group_id", "source", "label", "year"}).
		AddRow(int64(5), "sat_69b", true, 2020).
		AddRow(int64(9), "sfp_sanctions", false, 0)
	mock.ExpectQuery("SELECT group_id, source, label, year FROM riesgo.ground_truth").
		WillReturnRows(rows)

	labels, err := s.LoadGroundTruth(context.Background())
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.True(t, labels[0].Label)
	assert.Equal(t, "sfp_sanctions", labels[1].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceResolution(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	resolvedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	groups := []model.VendorGroup{
		{GroupID: 1, CanonicalName: "CONSTRUCTORA AZTECA", RFC: "CAZ850612AB1",
			MemberCount: 2, ContractCount: 45, TotalAmount: 9.6e6, ResolvedAt: resolvedAt},
	}
	aliases := []model.VendorAlias{
		{VendorID: 1, GroupID: 1, Name: "CONSTRUCTORA AZTECA SA DE CV", Method: model.MatchCanonical, Confidence: 1.0},
		{VendorID: 2, GroupID: 1, Name: "CONSTRUCTORA AZTECA S.A.", Method: model.MatchRFCExact, Confidence: 1.0},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM riesgo.vendor_aliases").WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("DELETE FROM riesgo.vendor_groups").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"riesgo", "vendor_groups"},
		[]string{"group_id", "canonical_name", "rfc", "individual",
			"member_count", "contract_count", "total_amount", "resolved_at"}).
		WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"riesgo", "vendor_aliases"},
		[]string{"vendor_id", "group_id", "name", "method", "confidence"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	err := s.ReplaceResolution(context.Background(), groups, aliases)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceResolution_CopyErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	groups := []model.VendorGroup{{GroupID: 1, CanonicalName: "X", MemberCount: 1}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM riesgo.vendor_aliases").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM riesgo.vendor_groups").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"riesgo", "vendor_groups"},
		[]string{"group_id", "canonical_name", "rfc", "individual",
			"member_count", "contract_count", "total_amount", "resolved_at"}).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.ReplaceResolution(context.Background(), groups, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY vendor_groups")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadAliases(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"vendor_id", "group_id", "name", "method", "confidence"}).
		AddRow(int64(2), int64(1), "CONSTRUCTORA AZTECA S.A.", "rfc_exact", 1.0).
		AddRow(int64(7), int64(1), "CONST azteca", "phonetic_similarity", 0.87)
	mock.ExpectQuery("SELECT vendor_id, group_id, name, method, confidence").WillReturnRows(rows)

	aliases, err := s.LoadAliases(context.Background())
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	assert.Equal(t, model.MatchRFCExact, aliases[0].Method)
	assert.Equal(t, 0.87, aliases[1].Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GroupCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1234)))

	n, err := s.GroupCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceBaselines(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	baselines := []model.FactorBaseline{
		{Factor: "single_bid", Scope: model.ScopeSectorYear, SectorID: "S07", Year: 2021,
			Mean: 0.41, StdDev: 0.49, Min: 0, Max: 1, N: 1800},
		{Factor: "single_bid", Scope: model.ScopeGlobal, Mean: 0.37, StdDev: 0.48, Min: 0, Max: 1, N: 52000},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM").WillReturnResult(pgxmock.NewResult("DELETE", 10))
	mock.ExpectCopyFrom(pgx.Identifier{"riesgo", "factor_baselines"},
		[]string{"factor", "scope", "sector_id", "year", "mean", "std_dev", "min", "max", "n"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	err := s.ReplaceBaselines(context.Background(), baselines)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBaselines(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"factor", "scope", "sector_id", "year",
		"mean", "std_dev", "min", "max", "n"}).
		AddRow("price_ratio", "sector", "S07", 0, 1.02, 0.31, 0.2, 4.8, int64(9100))
	mock.ExpectQuery("SELECT factor, scope, sector_id, year").WillReturnRows(rows)

	baselines, err := s.LoadBaselines(context.Background())
	require.NoError(t, err)
	require.Len(t, baselines, 1)
	assert.Equal(t, model.ScopeSector, baselines[0].Scope)
	assert.Equal(t, int64(9100), baselines[0].N)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveModels(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	sector := "S07"
	fitted := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	models := []model.CalibratedModel{
		{Version: "run-9", Intercept: -2.1, Coefs: make([]float64, model.NumFactors),
			CoefNames: model.FactorNames(), PUFactor: 0.6, FittedAt: fitted},
		{Version: "run-9", SectorID: &sector, Intercept: -1.8, Coefs: make([]float64, model.NumFactors),
			CoefNames: model.FactorNames(), PUFactor: 0.6, FittedAt: fitted},
	}

	mock.ExpectExec("INSERT INTO riesgo.risk_models").
		WithArgs("run-9", "", pgxmock.AnyArg(), fitted).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO riesgo.risk_models").
		WithArgs("run-9", "S07", pgxmock.AnyArg(), fitted).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveModels(context.Background(), models)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadModels_Roundtrip(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	coefs := make([]float64, model.NumFactors)
	coefs[0] = 1.4
	m := model.CalibratedModel{
		Version:      "run-9",
		Intercept:    -2.3,
		Coefs:        coefs,
		CoefNames:    model.FactorNames(),
		PUFactor:     0.55,
		TrainedRows:  52000,
		PositiveRows: 310,
		FittedAt:     time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(m)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM riesgo.risk_models").
		WithArgs("run-9").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	models, err := s.LoadModels(context.Background(), "run-9")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "run-9", models[0].Version)
	assert.Nil(t, models[0].SectorID)
	assert.Equal(t, 1.4, models[0].Coefs[0])
	assert.Equal(t, 310, models[0].PositiveRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestModelVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT version FROM riesgo.risk_models").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow("run-12"))

	v, err := s.LatestModelVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-12", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestModelVersion_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT version FROM riesgo.risk_models").
		WillReturnError(pgx.ErrNoRows)

	v, err := s.LatestModelVersion(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertScores(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	scoredAt := time.Date(2024, 4, 3, 10, 0, 0, 0, time.UTC)
	scores := []model.RiskScore{
		{ContractID: 10, GroupID: 1, ModelVersion: "run-9", Score: 0.81, CILower: 0.74,
			CIUpper: 0.87, Level: model.RiskCritical, D2: 31.2, PValue: 0.013, ScoredAt: scoredAt},
		{ContractID: 11, GroupID: 2, ModelVersion: "run-9", Score: 0.12, CILower: 0.08,
			CIUpper: 0.17, Level: model.RiskLow, ScoredAt: scoredAt},
	}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_riesgo_risk_scores"},
		[]string{"contract_id", "model_version", "group_id", "score",
			"ci_lower", "ci_upper", "level", "d2", "p_value", "scored_at"}).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.UpsertScores(context.Background(), scores)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScoreCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("run-9").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(52000)))

	n, err := s.ScoreCount(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, int64(52000), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScoreLevelCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"level", "count"}).
		AddRow("low", int64(40000)).
		AddRow("medium", int64(8000)).
		AddRow("high", int64(3000)).
		AddRow("critical", int64(1000))
	mock.ExpectQuery("SELECT level, COUNT").WithArgs("run-9").WillReturnRows(rows)

	counts, err := s.ScoreLevelCounts(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), counts[model.RiskLow])
	assert.Equal(t, int64(1000), counts[model.RiskCritical])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
