package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padron-mx/riesgo-cli/internal/model"
	"github.com/padron-mx/riesgo-cli/internal/normalize"
	"github.com/padron-mx/riesgo-cli/internal/resolve"
	"github.com/padron-mx/riesgo-cli/internal/runlog"
	"github.com/padron-mx/riesgo-cli/internal/store"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Cluster vendor records into resolved entities",
	Long: `Runs the multi-phase entity-resolution engine over every vendor record:
exact tax-ID matches, declared corporate groups, exact and prefix name
matches, phonetic similarity, and a transitive closure pass. The resulting
groups and aliases replace the previous resolution atomically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if maxCluster, _ := cmd.Flags().GetInt("max-cluster"); maxCluster > 0 {
			cfg.Resolve.MaxClusterSize = maxCluster
		}
		if err := cfg.Validate("resolve"); err != nil {
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
		runID := trackStart(ctx, rl, "resolve")

		res, err := runResolution(ctx, st)
		if err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "resolve")
		}

		for _, f := range res.Flagged {
			zap.L().Warn("cluster cap rejected merge, review manually",
				zap.Int64("vendor_a", f.VendorA),
				zap.Int64("vendor_b", f.VendorB),
				zap.Int32("size_a", f.SizeA),
				zap.Int32("size_b", f.SizeB),
				zap.String("method", string(f.Method)),
				zap.Float64("score", f.Score))
		}

		if dryRun {
			zap.L().Info("dry run, resolution not persisted",
				zap.Int("vendors", res.Stats.Vendors),
				zap.Int("clusters", res.Stats.Clusters),
				zap.Int("clustered_vendors", res.Stats.ClusteredVendors),
				zap.Int("largest_cluster", res.Stats.LargestCluster),
				zap.Int64("unions", res.Stats.Unions),
				zap.Duration("took", res.Stats.Duration))
			trackComplete(ctx, rl, runID, &runlog.Result{Metadata: resolveMetadata(res, true)})
			return nil
		}

		if err := st.ReplaceResolution(ctx, res.Groups, res.Aliases); err != nil {
			trackFail(ctx, rl, runID, err)
			return eris.Wrap(err, "resolve: persist")
		}

		trackComplete(ctx, rl, runID, &runlog.Result{
			RowsWritten: int64(len(res.Groups) + len(res.Aliases)),
			Metadata:    resolveMetadata(res, false),
		})
		zap.L().Info("resolution complete",
			zap.Int("vendors", res.Stats.Vendors),
			zap.Int("clusters", res.Stats.Clusters),
			zap.Int("clustered_vendors", res.Stats.ClusteredVendors),
			zap.Int("largest_cluster", res.Stats.LargestCluster),
			zap.Int64("comparisons", res.Stats.Comparisons),
			zap.Int64("unions", res.Stats.Unions),
			zap.Int("flagged", len(res.Flagged)),
			zap.Duration("took", res.Stats.Duration))
		return nil
	},
}

func init() {
	resolveCmd.Flags().Bool("dry-run", false, "compute clusters and stats without writing")
	resolveCmd.Flags().Int("max-cluster", 0, "override the cluster size cap")
	rootCmd.AddCommand(resolveCmd)
}

// runResolution loads, normalizes, and clusters the vendor population.
func runResolution(ctx context.Context, st store.Store) (*resolve.Result, error) {
	vendors, err := st.LoadVendors(ctx)
	if err != nil {
		return nil, err
	}
	if len(vendors) == 0 {
		return nil, eris.New("no vendor records; load the warehouse tables first")
	}

	records := make([]model.NormalizedVendor, len(vendors))
	for i, v := range vendors {
		records[i] = normalize.Vendor(v)
	}

	engine, err := resolve.NewEngine(cfg.Resolve, records)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx)
}

// resolveMetadata flattens run stats into the run-log metadata payload.
func resolveMetadata(res *resolve.Result, dryRun bool) map[string]any {
	return map[string]any{
		"dry_run":           dryRun,
		"vendors":           res.Stats.Vendors,
		"empty_names":       res.Stats.EmptyNames,
		"comparisons":       res.Stats.Comparisons,
		"unions":            res.Stats.Unions,
		"unions_by_phase":   res.Stats.UnionsByPhase,
		"vetoes":            res.Stats.Vetoes,
		"clusters":          res.Stats.Clusters,
		"clustered_vendors": res.Stats.ClusteredVendors,
		"largest_cluster":   res.Stats.LargestCluster,
		"flagged":           len(res.Flagged),
	}
}
