// Package store persists pipeline inputs and outputs. The warehouse
// ETL loads vendors, contracts, and ground-truth labels; the pipeline
// writes resolution groups, factor baselines, calibrated models, and
// risk scores. Postgres is the production backend; SQLite serves
// single-file local analysis.
package store

import (
	"context"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

// Store is the persistence interface for the procurement risk pipeline.
//
// Resolution and baseline outputs are replaced atomically: readers see
// either the previous run's rows or the new run's, never a mix, and a
// failed run leaves the previous rows intact. Score writes are upserts
// keyed (contract_id, model_version), so an aborted scoring run can be
// re-run from the top.
type Store interface {
	// Warehouse inputs.
	LoadVendors(ctx context.Context) ([]model.VendorRecord, error)
	ContractYears(ctx context.Context) ([]int, error)
	LoadContracts(ctx context.Context, year int) ([]model.ContractRecord, error)
	LoadGroundTruth(ctx context.Context) ([]model.GroundTruthVendor, error)

	// Entity resolution outputs.
	ReplaceResolution(ctx context.Context, groups []model.VendorGroup, aliases []model.VendorAlias) error
	LoadAliases(ctx context.Context) ([]model.VendorAlias, error)
	GroupCount(ctx context.Context) (int64, error)

	// Factor baselines.
	ReplaceBaselines(ctx context.Context, rows []model.FactorBaseline) error
	LoadBaselines(ctx context.Context) ([]model.FactorBaseline, error)

	// Calibrated models.
	SaveModels(ctx context.Context, models []model.CalibratedModel) error
	LoadModels(ctx context.Context, version string) ([]model.CalibratedModel, error)
	LatestModelVersion(ctx context.Context) (string, error)

	// Risk scores.
	UpsertScores(ctx context.Context, scores []model.RiskScore) error
	ScoreCount(ctx context.Context, version string) (int64, error)
	ScoreLevelCounts(ctx context.Context, version string) (map[model.RiskLevel]int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
