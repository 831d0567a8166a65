package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/generate"
	"github.com/signalnine/crucible/internal/sandbox"
)

var (
	flagPrompts        string
	flagApp            string
	flagPrompt         string
	flagGenConcurrency int
	flagGenOutput      string
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate apps from prompts with a containerized agent",
		RunE:  runGenerate,
	}
	cmd.Flags().StringVar(&flagPrompts, "prompts", "", "YAML prompt set (app name to prompt)")
	cmd.Flags().StringVar(&flagApp, "app", "", "generate a single app with this name")
	cmd.Flags().StringVar(&flagPrompt, "prompt", "", "prompt text for --app")
	cmd.Flags().IntVar(&flagGenConcurrency, "concurrency", 0, "max concurrent agents")
	cmd.Flags().StringVar(&flagGenOutput, "output", "", "output directory root")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flagGenConcurrency > 0 {
		cfg.Generation.Concurrency = flagGenConcurrency
	}
	if flagGenOutput != "" {
		cfg.Generation.OutputDir = flagGenOutput
	}
	promptsPath := cfg.Generation.Prompts
	if flagPrompts != "" {
		promptsPath = flagPrompts
	}

	items, err := generationItems(promptsPath, flagApp, flagPrompt)
	if err != nil {
		return err
	}

	// Everything that can fail cheaply fails before a container exists.
	if err := requireCredentials(cfg); err != nil {
		return err
	}
	if err := generate.CheckBinaryFormat(cfg.Generation.AgentBinary); err != nil {
		return err
	}

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	image := cfg.Generation.Image
	if cfg.Generation.BuildContext != "" {
		builder, ok := backend.(sandbox.ImageBuilder)
		if !ok {
			return fmt.Errorf("backend %s cannot build images", backend.Name())
		}
		if image == "" {
			image = "crucible-agent:latest"
		}
		fmt.Printf("Building agent image %s from %s...\n", image, cfg.Generation.BuildContext)
		if _, err := builder.BuildImage(ctx, cfg.Generation.BuildContext, cfg.Generation.Excludes, image); err != nil {
			return err
		}
	} else if image == "" {
		return fmt.Errorf("generation.image or generation.build_context must be set")
	}

	outDir, err := createGenerationDir(cfg.Generation.OutputDir)
	if err != nil {
		return err
	}

	mounts, err := agentMounts(&cfg.Generation)
	if err != nil {
		return err
	}

	env := map[string]string{
		"DATABRICKS_HOST":         cfg.Databricks.Host,
		"DATABRICKS_TOKEN":        cfg.Databricks.Token,
		"DATABRICKS_WAREHOUSE_ID": cfg.Databricks.WarehouseID,
	}
	for k, v := range cfg.Generation.Env {
		env[k] = v
	}

	driver := generate.NewDriver(&generate.DriverOpts{
		Backend:    backend,
		Image:      image,
		OutputDir:  outDir,
		RunCommand: agentRunCommand(&cfg.Generation),
		Env:        env,
		Mounts:     mounts,
		Timeout:    time.Duration(cfg.Generation.TimeoutMin) * time.Minute,
	})

	fmt.Printf("Starting bulk generation for %d prompts...\n", len(items))
	fmt.Printf("Backend: %s\n", backend.Name())
	fmt.Printf("Image: %s\n", image)
	fmt.Printf("Max concurrency: %d\n", cfg.Generation.Concurrency)
	fmt.Printf("Output dir: %s\n\n", outDir)

	var done atomic.Int64
	results, batchErr := driver.GenerateBulk(ctx, items, cfg.Generation.Concurrency, func(name string, ok bool) {
		status := "✓"
		if !ok {
			status = "✗"
		}
		fmt.Printf("[%d/%d] %s %s\n", done.Add(1), len(items), status, name)
	})
	if batchErr != nil {
		fmt.Printf("generation interrupted: %v\n", batchErr)
	}

	printGenerationSummary(results, len(items))

	if len(results) > 0 {
		path, err := generate.WriteBulkResults(outDir, backend.Name(), image, results)
		if err != nil {
			return err
		}
		fmt.Printf("Results saved to %s\n", path)
	}
	return batchErr
}

// generationItems resolves the prompt set: a single --app/--prompt
// pair, or a YAML file of name to prompt.
func generationItems(promptsPath, app, prompt string) ([]generate.BulkItem, error) {
	if app != "" {
		if strings.TrimSpace(prompt) == "" {
			return nil, fmt.Errorf("--app requires a non-empty --prompt")
		}
		return []generate.BulkItem{{Name: app, Prompt: prompt}}, nil
	}
	if prompt != "" {
		return nil, fmt.Errorf("--prompt requires --app")
	}
	if promptsPath == "" {
		return nil, fmt.Errorf("a prompt set is required: pass --prompts or set generation.prompts")
	}
	prompts, err := generate.LoadPrompts(promptsPath)
	if err != nil {
		return nil, err
	}
	return generate.PromptItems(prompts), nil
}

// createGenerationDir makes a stamped run directory and points
// latest.txt at it so evaluation discovers the newest run.
func createGenerationDir(outRoot string) (string, error) {
	name := "app-" + time.Now().Format("20060102_150405")
	outDir := filepath.Join(outRoot, name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outRoot, "latest.txt"), []byte(name+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing latest.txt: %w", err)
	}
	return outDir, nil
}

func agentRunCommand(gen *config.Generation) []string {
	if len(gen.RunCommand) > 0 {
		return gen.RunCommand
	}
	if gen.AgentBinary != "" {
		return []string{"/usr/local/bin/" + filepath.Base(gen.AgentBinary)}
	}
	return nil
}

func agentMounts(gen *config.Generation) ([]sandbox.Mount, error) {
	if gen.AgentBinary == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(gen.AgentBinary)
	if err != nil {
		return nil, fmt.Errorf("resolving agent binary: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("agent binary %s: %w", abs, err)
	}
	return []sandbox.Mount{{
		Source:   abs,
		Target:   "/usr/local/bin/" + filepath.Base(abs),
		ReadOnly: true,
	}}, nil
}

func printGenerationSummary(results []*generate.AppResult, total int) {
	stats := generate.Stats(results)
	line := strings.Repeat("=", 80)

	fmt.Printf("\n%s\nBulk Generation Summary\n%s\n", line, line)
	fmt.Printf("Total prompts: %d\n", total)
	fmt.Printf("Successful: %d\n", stats.Succeeded)
	fmt.Printf("Failed: %d\n", stats.Failed)

	if stats.WithMetrics > 0 {
		fmt.Printf("\nMetrics (from %d runs):\n", stats.WithMetrics)
		fmt.Printf("  Total cost: $%.4f\n", stats.CostUSD)
		fmt.Printf("  Avg cost: $%.4f\n", stats.CostUSD/float64(stats.WithMetrics))
		fmt.Printf("  Total tokens: %d\n", stats.Tokens)
		fmt.Printf("  Avg turns: %.1f\n", float64(stats.Turns)/float64(stats.WithMetrics))
	}

	var failed, produced, empty []*generate.AppResult
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed = append(failed, r)
		case r.ArtifactDir != "":
			produced = append(produced, r)
		default:
			empty = append(empty, r)
		}
	}

	if len(failed) > 0 {
		fmt.Printf("\nFailed generations:\n")
		for _, r := range failed {
			fmt.Printf("  - %s\n    Error: %v\n", r.Name, r.Err)
			if r.LogFile != "" {
				fmt.Printf("    Log: %s\n", r.LogFile)
			}
		}
	}
	if len(produced) > 0 {
		fmt.Printf("\nGenerated apps:\n")
		for _, r := range produced {
			fmt.Printf("  - %s\n    Dir: %s\n", r.Name, r.ArtifactDir)
			if r.Metrics != nil {
				fmt.Printf("    Cost: $%.4f, Tokens: %d, Turns: %d\n",
					r.Metrics.CostUSD, r.Metrics.InputTokens+r.Metrics.OutputTokens, r.Metrics.Turns)
			}
		}
	}
	if len(empty) > 0 {
		fmt.Printf("\nCompleted without producing an app:\n")
		for _, r := range empty {
			fmt.Printf("  - %s\n", r.Name)
		}
	}
	fmt.Printf("\n%s\n", line)
}
