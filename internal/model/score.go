package model

import "time"

// RiskLevel buckets a calibrated probability for triage.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// CalibrationBin is one row of a reliability table.
type CalibrationBin struct {
	Lo       float64 `json:"lo" yaml:"lo"`
	Hi       float64 `json:"hi" yaml:"hi"`
	MeanPred float64 `json:"mean_pred" yaml:"mean_pred"`
	PosRate  float64 `json:"pos_rate" yaml:"pos_rate"`
	N        int     `json:"n" yaml:"n"`
}

// ModelDiagnostics summarizes training-set fit quality.
type ModelDiagnostics struct {
	AUC          float64          `json:"auc" yaml:"auc"`
	Brier        float64          `json:"brier" yaml:"brier"`
	LogLoss      float64          `json:"log_loss" yaml:"log_loss"`
	AvgPrecision float64          `json:"avg_precision" yaml:"avg_precision"`
	PosRate      float64          `json:"pos_rate" yaml:"pos_rate"`
	Bins         []CalibrationBin `json:"bins,omitempty" yaml:"bins,omitempty"`
}

// CalibratedModel is a persisted positive-unlabeled logistic model.
// SectorID is nil for the global model. Coefs follow factor registry
// order and are named in CoefNames.
type CalibratedModel struct {
	Version          string           `json:"version" yaml:"version"`
	SectorID         *string          `json:"sector_id,omitempty" yaml:"sector_id,omitempty"`
	Intercept        float64          `json:"intercept" yaml:"intercept"`
	Coefs            []float64        `json:"coefs" yaml:"coefs"`
	CoefNames        []string         `json:"coef_names" yaml:"coef_names"`
	PUFactor         float64          `json:"pu_factor" yaml:"pu_factor"` // label frequency c, floored at 0.1
	CoefCILower      []float64        `json:"coef_ci_lower,omitempty" yaml:"coef_ci_lower,omitempty"`
	CoefCIUpper      []float64        `json:"coef_ci_upper,omitempty" yaml:"coef_ci_upper,omitempty"`
	Diagnostics      ModelDiagnostics `json:"diagnostics" yaml:"diagnostics"`
	TrainedRows      int              `json:"trained_rows" yaml:"trained_rows"`
	PositiveRows     int              `json:"positive_rows" yaml:"positive_rows"`
	BootstrapKept    int              `json:"bootstrap_kept" yaml:"bootstrap_kept"`
	BootstrapDropped int              `json:"bootstrap_dropped" yaml:"bootstrap_dropped"`
	FittedAt         time.Time        `json:"fitted_at" yaml:"fitted_at"`
}

// HasBootstrap reports whether the model carries usable coefficient CIs.
func (m *CalibratedModel) HasBootstrap() bool {
	return len(m.CoefCILower) == len(m.Coefs) && len(m.CoefCIUpper) == len(m.Coefs) && m.BootstrapKept > 0
}

// RiskScore is one scored contract, keyed (ContractID, ModelVersion).
type RiskScore struct {
	ContractID   int64     `json:"contract_id"`
	GroupID      int64     `json:"group_id"`
	ModelVersion string    `json:"model_version"`
	Score        float64   `json:"score"`
	CILower      float64   `json:"ci_lower"`
	CIUpper      float64   `json:"ci_upper"`
	Level        RiskLevel `json:"level"`
	D2           float64   `json:"d2,omitempty"`
	PValue       float64   `json:"p_value,omitempty"`
	ScoredAt     time.Time `json:"scored_at"`
}
