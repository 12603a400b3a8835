package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/runlog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store summary and recent pipeline runs",
	Long:  "Displays resolution and scoring counts from the store, plus the run history.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		last, _ := cmd.Flags().GetInt("last")
		if err := cfg.Validate("status"); err != nil {
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

		var s storeSummary
		s.Driver = cfg.Store.Driver
		if s.Groups, err = st.GroupCount(ctx); err != nil {
			return err
		}
		if s.ModelVersion, err = st.LatestModelVersion(ctx); err != nil {
			return err
		}
		if s.ModelVersion != "" {
			if s.Scores, err = st.ScoreCount(ctx, s.ModelVersion); err != nil {
				return err
			}
			if s.Levels, err = st.ScoreLevelCounts(ctx, s.ModelVersion); err != nil {
				return err
			}
		}
		formatStoreSummary(os.Stdout, s)

		rl := runLog(st)
		if rl == nil {
			zap.L().Info("run history requires the postgres store")
			return nil
		}
		entries, err := rl.Recent(ctx, last)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			zap.L().Info("no pipeline runs recorded yet")
			return nil
		}
		fmt.Fprintln(os.Stdout)
		formatRunEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("last", 20, "number of recent runs to display")
	rootCmd.AddCommand(statusCmd)
}

// storeSummary holds the headline counts shown before the run history.
type storeSummary struct {
	Driver       string
	Groups       int64
	ModelVersion string
	Scores       int64
	Levels       map[model.RiskLevel]int64
}

// formatStoreSummary writes the store counts to w.
func formatStoreSummary(out io.Writer, s storeSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Store:\t%s\n", s.Driver)
	_, _ = fmt.Fprintf(w, "Vendor groups:\t%d\n", s.Groups)
	if s.ModelVersion == "" {
		_, _ = fmt.Fprintf(w, "Model:\t(none)\n")
	} else {
		_, _ = fmt.Fprintf(w, "Model:\t%s\n", s.ModelVersion)
		_, _ = fmt.Fprintf(w, "Scores:\t%d\n", s.Scores)
		_, _ = fmt.Fprintf(w, "  Low:\t%d\n", s.Levels[model.RiskLow])
		_, _ = fmt.Fprintf(w, "  Medium:\t%d\n", s.Levels[model.RiskMedium])
		_, _ = fmt.Fprintf(w, "  High:\t%d\n", s.Levels[model.RiskHigh])
		_, _ = fmt.Fprintf(w, "  Critical:\t%d\n", s.Levels[model.RiskCritical])
	}
	_ = w.Flush()
}

// formatRunEntries writes a tabular representation of pipeline runs to w.
func formatRunEntries(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t------\t-------\t--------\t----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			d := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
			dur = d.String()
		}

		errMsg := ""
		if e.Error != "" {
			errMsg = truncate(e.Error, 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(e.ID),
			e.Job,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.RowsWritten,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// truncateID returns the first 8 characters of a run UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
