package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/baseline"
	"github.com/padron-mx/riesgo-cli/internal/feature"
	"github.com/padron-mx/riesgo-cli/internal/runlog"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Recompute factor baselines",
	Long: `Replays the full contract history in award-year order, derives the raw
risk signals for every contract, and recomputes the per-(factor, sector,
year) baseline statistics with their sector and global fallbacks. The new
baselines replace the previous set atomically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()

		if n, _ := cmd.Flags().GetInt("min-sector-year"); n > 0 {
			cfg.Baseline.MinSectorYearN = n
		}
		if n, _ := cmd.Flags().GetInt("min-sector"); n > 0 {
			cfg.Baseline.MinSectorN = n
		}
		if err := cfg.Validate("baseline"); err != nil {
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
		runID := trackStart(ctx, rl, "baseline")

		comp, err := baseline.NewComputer(cfg.Baseline)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return err
		}
		agg, err := feature.NewAggregator(cfg.Feature)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return err
		}

		gi, err := loadGroupIndex(ctx, st)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "baseline")
		}
		gi.seed(agg)

		years, err := st.ContractYears(ctx)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "baseline")
		}
		if len(years) == 0 {
			err := eris.New("no contract records; load the warehouse tables first")
			trackFail(ctx, rl, runID, err)
			return err
		}

		for _, year := range years {
			if err := ctx.Err(); err != nil {
				trackFail(ctx, rl, runID, err)
				return eris.Wrap(err, "baseline: canceled")
			}
			contracts, err := st.LoadContracts(ctx, year)
			if err != nil {
				trackFail(ctx, rl, runID, err)
				return eris.Wrap(err, "baseline")
			}
			gi.attach(contracts)
			if err := agg.ObserveYear(year, contracts); err != nil {
				trackFail(ctx, rl, runID, err)
				return eris.Wrap(err, "baseline")
			}
			for _, ct := range contracts {
				comp.AddSignals(ct.SectorID, ct.Year, agg.Raw(ct))
			}
		}

		rows := comp.Baselines()
		if err := st.ReplaceBaselines(ctx, rows); err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "baseline: persist")
		}

		accepted, skipped := comp.Observed()
		observed, excludedAmount := agg.Stats()
		trackComplete(ctx, rl, runID, &runlog.Result{
			RowsWritten: int64(len(rows)),
			Metadata: map[string]any{
				"years":            len(years),
				"contracts":        observed,
				"signals_accepted": accepted,
				"signals_skipped":  skipped,
				"excluded_amount":  excludedAmount,
				"baseline_rows":    len(rows),
			},
		})
		zap.L().Info("baselines recomputed",
			zap.Int("years", len(years)),
			zap.Int64("contracts", observed),
			zap.Int64("signals_accepted", accepted),
			zap.Int64("signals_skipped", skipped),
			zap.Int64("excluded_amount", excludedAmount),
			zap.Int("baseline_rows", len(rows)),
			zap.Duration("took", time.Since(start)))
		return nil
	},
}

func init() {
	baselineCmd.Flags().Int("min-sector-year", 0, "override the (sector, year) cell sample floor")
	baselineCmd.Flags().Int("min-sector", 0, "override the sector fallback sample floor")
	rootCmd.AddCommand(baselineCmd)
}
