package cmd

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/report"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/score"
)

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score [run-dir]",
		Short: "Recompute composite scores for stored results",
		Long:  "Walk a run directory and recompute each app's composite score from its stored metrics using the current weights, updating result.json files and the run report.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runDir := filepath.Join(cfg.Results.Dir, "latest")
			if len(args) > 0 {
				runDir = args[0]
			}
			resolved, err := filepath.EvalSymlinks(runDir)
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}

			results, err := report.Collect(resolved)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				return fmt.Errorf("no results found under %s", resolved)
			}

			rescored := 0
			for _, res := range results {
				old := res.Metrics.AppEval100
				res.Metrics.AppEval100 = score.Compute(&res.Metrics, cfg.Eval.Weights)
				if err := result.WriteAppResult(resolved, res); err != nil {
					log.Printf("failed to write %s: %v", res.AppName, err)
					continue
				}
				rescored++
				fmt.Printf("  %s: %s → %s\n", res.AppName, fmtScorePtr(old), fmtScorePtr(res.Metrics.AppEval100))
			}

			rep := report.Build(results, pricingFallback(cfg))
			if err := result.WriteReport(resolved, rep); err != nil {
				return err
			}
			fmt.Printf("Rescored %d apps\n", rescored)
			return nil
		},
	}
}

func fmtScorePtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
