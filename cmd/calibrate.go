package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/padron-mx/riesgo-cli/internal/anomaly"
	"github.com/padron-mx/riesgo-cli/internal/calibrate"
	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/runlog"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit risk-calibration models",
	Long: `Builds the z-feature matrix over the full contract history, labels the
rows linked to documented corruption cases as positives, and fits the
positive-unlabeled logistic model: a global model always, plus a sub-model
for every sector with enough labeled data. All models from one run share a
version and are saved to the model store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()

		if sector, _ := cmd.Flags().GetString("sector"); sector != "" {
			cfg.Calibrate.Sectors = []string{sector}
		}
		if cmd.Flags().Changed("bootstrap") {
			b, _ := cmd.Flags().GetInt("bootstrap")
			cfg.Calibrate.Bootstrap = b
		}
		exportPath, _ := cmd.Flags().GetString("export")

		if err := cfg.Validate("calibrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rl := runLog(st)
		runID := trackStart(ctx, rl, "calibrate")

		vectors, stats, err := buildVectors(ctx, st, 0)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "calibrate")
		}

		detector, err := anomaly.NewDetector(cfg.Anomaly)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return err
		}
		vectors, err = detector.Apply(vectors)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "calibrate")
		}

		gt, err := st.LoadGroundTruth(ctx)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "calibrate")
		}
		positives, unlabeled := splitByLabel(vectors, gt)
		if len(positives) == 0 {
			err := eris.New("no feature vectors link to ground-truth positives; check the resolution and ground_truth tables")
			trackFail(ctx, rl, runID, err)
			return err
		}

		cal, err := calibrate.NewCalibrator(cfg.Calibrate)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return err
		}
		res, err := cal.Fit(ctx, positives, unlabeled)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "calibrate")
		}

		models := append([]model.CalibratedModel{res.Global}, res.Sectors...)
		if err := st.SaveModels(ctx, models); err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "calibrate: persist")
		}

		if exportPath != "" {
			if err := exportModels(exportPath, models); err != nil {
				trackFail(ctx, rl, runID, err)
				return eris.Wrap(err, "calibrate: export")
			}
			zap.L().Info("model artifact exported", zap.String("path", exportPath))
		}

		trackComplete(ctx, rl, runID, &runlog.Result{
			RowsWritten: int64(len(models)),
			Metadata: map[string]any{
				"version":       res.Global.Version,
				"sector_models": len(res.Sectors),
				"positives":     len(positives),
				"unlabeled":     len(unlabeled),
				"auc":           res.Global.Diagnostics.AUC,
				"brier":         res.Global.Diagnostics.Brier,
				"pu_factor":     res.Global.PUFactor,
			},
		})
		zap.L().Info("calibration complete",
			zap.String("version", res.Global.Version),
			zap.Int("sector_models", len(res.Sectors)),
			zap.Int("positives", len(positives)),
			zap.Int("unlabeled", len(unlabeled)),
			zap.Int64("contracts", stats.Contracts),
			zap.Float64("auc", res.Global.Diagnostics.AUC),
			zap.Float64("pu_factor", res.Global.PUFactor),
			zap.Duration("took", time.Since(start)))
		return nil
	},
}

func init() {
	calibrateCmd.Flags().String("sector", "", "fit only this sector's sub-model (global still fits)")
	calibrateCmd.Flags().Int("bootstrap", 0, "override the bootstrap resample count (0 disables CIs)")
	calibrateCmd.Flags().String("export", "", "also write the model artifact as YAML to this path")
	rootCmd.AddCommand(calibrateCmd)
}

// splitByLabel partitions vectors into ground-truth positives and the
// unlabeled remainder. The unlabeled side is a population contrast, not
// a verified-clean set.
func splitByLabel(vectors []model.FeatureVector, gt []model.GroundTruthVendor) (positives, unlabeled []model.FeatureVector) {
	bad := make(map[int64]bool, len(gt))
	for _, g := range gt {
		if g.Label {
			bad[g.GroupID] = true
		}
	}
	for _, fv := range vectors {
		if bad[fv.GroupID] {
			positives = append(positives, fv)
		} else {
			unlabeled = append(unlabeled, fv)
		}
	}
	return positives, unlabeled
}

// exportModels writes the calibration artifact as YAML for review
// outside the database.
func exportModels(path string, models []model.CalibratedModel) error {
	out, err := yaml.Marshal(struct {
		Models []model.CalibratedModel `yaml:"models"`
	}{Models: models})
	if err != nil {
		return eris.Wrap(err, "marshal models")
	}
	return eris.Wrap(os.WriteFile(path, out, 0o644), "write model artifact")
}
