package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/evaluate"
	"github.com/signalnine/crucible/internal/report"
	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/runner"
	"github.com/signalnine/crucible/internal/sandbox"
)

var (
	flagFast              bool
	flagEvalConcurrency   int
	flagEvalBackend       string
	flagCleanupAggressive bool
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate [apps-dir]",
		Short: "Run the check pipeline over generated apps",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEvaluate,
	}
	cmd.Flags().BoolVar(&flagFast, "fast", false, "skip connectivity, data and UI checks")
	cmd.Flags().IntVar(&flagEvalConcurrency, "concurrency", 0, "max concurrent evaluations")
	cmd.Flags().StringVar(&flagEvalBackend, "backend", "", "sandbox backend (engine or cli)")
	cmd.Flags().BoolVar(&flagCleanupAggressive, "cleanup-aggressive", false, "remove all crucible Docker artifacts after run")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flagFast {
		cfg.Eval.FastMode = true
	}
	if flagEvalConcurrency > 0 {
		cfg.Eval.Concurrency = flagEvalConcurrency
	}
	if flagEvalBackend != "" {
		cfg.Backend = flagEvalBackend
	}

	baseDir := cfg.Generation.OutputDir
	if len(args) > 0 {
		baseDir = args[0]
	}
	appsDir := result.ResolveAppsDir(baseDir)
	apps, err := result.ListApps(appsDir)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		return fmt.Errorf("no apps found in %s", appsDir)
	}

	// The connectivity check needs a workspace to talk to; fail before
	// any container exists rather than inside all of them.
	if !cfg.Eval.FastMode {
		if err := requireCredentials(cfg); err != nil {
			return err
		}
	}

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}
	defer backend.Close()

	ports, err := assignPorts(cfg.Eval.PortBase, len(apps))
	if err != nil {
		return err
	}

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)
	fmt.Printf("Evaluating %d apps from %s (backend: %s)\n\n", len(apps), appsDir, backend.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := map[string]string{
		"DATABRICKS_HOST":         cfg.Databricks.Host,
		"DATABRICKS_TOKEN":        cfg.Databricks.Token,
		"DATABRICKS_WAREHOUSE_ID": cfg.Databricks.WarehouseID,
	}

	items := make([]runner.Item, len(apps))
	for i := range apps {
		app, port := apps[i], ports[i]
		items[i] = runner.Item{
			Key: app,
			Run: func(ctx context.Context) error {
				res := evaluate.Run(ctx, backend, &evaluate.Options{
					AppName:  app,
					AppDir:   filepath.Join(appsDir, app),
					Image:    cfg.Eval.Image,
					Port:     port,
					FastMode: cfg.Eval.FastMode,
					Env:      env,
					Timeouts: stepTimeouts(cfg.Eval.Timeouts),
					Weights:  cfg.Eval.Weights,
				})
				if gm, err := result.ReadGenerationMetrics(res.AppDir); err != nil {
					log.Printf("warning: %s: %v", app, err)
				} else if gm != nil {
					res.GenerationMetrics = gm
				}
				return result.WriteAppResult(runDir, res)
			},
		}
	}

	var done atomic.Int64
	total := len(items)
	slots, batchErr := runner.RunBatch(ctx, cfg.Eval.Concurrency, items, func(key string, ok bool) {
		status := "done"
		if !ok {
			status = "FAILED"
		}
		fmt.Printf("[%d/%d] %s: %s\n", done.Add(1), total, key, status)
	})

	var failed []string
	for app, err := range slots {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", app, err))
		}
	}
	sort.Strings(failed)
	for _, line := range failed {
		fmt.Printf("  ERROR %s\n", line)
	}
	if batchErr != nil {
		fmt.Printf("evaluation interrupted: %v\n", batchErr)
	}

	if flagCleanupAggressive {
		cleanupDocker()
	}

	results, err := report.Collect(runDir)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		if batchErr != nil {
			return batchErr
		}
		return fmt.Errorf("no results written under %s", runDir)
	}
	rep := report.Build(results, pricingFallback(cfg))
	if err := result.WriteReport(runDir, rep); err != nil {
		return err
	}
	fmt.Println("\n--- Results ---")
	if err := report.Render(rep, "table", os.Stdout); err != nil {
		return err
	}
	return batchErr
}

// assignPorts hands out port_base+1..port_base+n, or free ports from
// the OS when no base is configured.
func assignPorts(base, n int) ([]int, error) {
	if base > 0 {
		ports := make([]int, n)
		for i := range ports {
			ports[i] = base + i + 1
		}
		return ports, nil
	}
	return sandbox.FreePorts(n)
}

func stepTimeouts(t config.Timeouts) evaluate.StepTimeouts {
	sec := func(s int) time.Duration { return time.Duration(s) * time.Second }
	return evaluate.StepTimeouts{
		Install:   sec(t.InstallSec),
		Build:     sec(t.BuildSec),
		Start:     sec(t.RuntimeSec),
		Typecheck: sec(t.TypecheckSec),
		Test:      sec(t.TestsSec),
		Semantic:  sec(t.SemanticSec),
	}
}

func cleanupDocker() {
	// Best-effort cleanup of crucible-labeled containers and images
	fmt.Println("Cleaning up Docker artifacts...")
	run := func(args ...string) {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Run()
	}
	run("docker", "container", "prune", "-f", "--filter", "label=crucible=true")
	run("docker", "image", "prune", "-f")
}
