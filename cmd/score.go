package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/anomaly"
	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/runlog"
	"github.com/padron-mx/riesgo-cli/internal/scorer"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score contracts with a calibrated model",
	Long: `Scores contracts one award year at a time: rebuilds each contract's
z-feature vector against the published baselines, annotates Mahalanobis
distances within the scored slice, and applies the calibrated model
(sector sub-model when one exists, global otherwise). Scores are upserted
keyed by (contract, model version), so an interrupted run can simply be
re-run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		start := time.Now()

		version, _ := cmd.Flags().GetString("model")
		since, _ := cmd.Flags().GetInt("since")
		if cmd.Flags().Changed("batch") {
			b, _ := cmd.Flags().GetInt("batch")
			cfg.Scorer.BatchSize = b
		}
		if err := cfg.Validate("score"); err != nil {
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
		runID := trackStart(ctx, rl, "score")

		if version == "" {
			version, err = st.LatestModelVersion(ctx)
			if err != nil {
				trackFail(ctx, rl, runID, err)
				return eris.Wrap(err, "score")
			}
			if version == "" {
				err := eris.New("no calibrated models; run 'riesgo calibrate' first")
				trackFail(ctx, rl, runID, err)
				return err
			}
		}
		models, err := st.LoadModels(ctx, version)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "score")
		}
		set, err := scorer.NewModelSet(models)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrapf(err, "score: model version %s", version)
		}
		sc, err := scorer.NewScorer(cfg.Scorer, set)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return err
		}
		detector, err := anomaly.NewDetector(cfg.Anomaly)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return err
		}

		var scored int64
		levels := make(map[model.RiskLevel]int64, 4)
		stats, err := walkVectors(ctx, st, since, func(year int, vectors []model.FeatureVector) error {
			vectors, err := detector.Apply(vectors)
			if err != nil {
				return eris.Wrapf(err, "year %d", year)
			}
			scores, err := sc.Score(ctx, vectors)
			if err != nil {
				return eris.Wrapf(err, "year %d", year)
			}
			if err := st.UpsertScores(ctx, scores); err != nil {
				return eris.Wrapf(err, "year %d: persist", year)
			}
			scored += int64(len(scores))
			for i := range scores {
				levels[scores[i].Level]++
			}
			zap.L().Info("year scored",
				zap.Int("year", year),
				zap.Int("contracts", len(scores)),
				zap.String("model_version", version))
			return nil
		})
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "score")
		}

		trackComplete(ctx, rl, runID, &runlog.Result{
			RowsWritten: scored,
			Metadata: map[string]any{
				"model_version": version,
				"years":         len(stats.Years),
				"scored":        scored,
				"low":           levels[model.RiskLow],
				"medium":        levels[model.RiskMedium],
				"high":          levels[model.RiskHigh],
				"critical":      levels[model.RiskCritical],
			},
		})
		zap.L().Info("scoring complete",
			zap.String("model_version", version),
			zap.Int("years", len(stats.Years)),
			zap.Int64("scored", scored),
			zap.Int64("low", levels[model.RiskLow]),
			zap.Int64("medium", levels[model.RiskMedium]),
			zap.Int64("high", levels[model.RiskHigh]),
			zap.Int64("critical", levels[model.RiskCritical]),
			zap.Duration("took", time.Since(start)))
		return nil
	},
}

func init() {
	scoreCmd.Flags().String("model", "", "model version to score with (default: latest)")
	scoreCmd.Flags().Int("since", 0, "score award years >= this year (earlier history still feeds aggregates)")
	scoreCmd.Flags().Int("batch", 0, "override the scoring batch size")
	rootCmd.AddCommand(scoreCmd)
}
