package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/signalnine/crucible/internal/config"
	"github.com/signalnine/crucible/internal/report"
	"github.com/signalnine/crucible/internal/sandbox"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crucible",
		Short: "Generate and evaluate Databricks apps in containers",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Overload(); err != nil {
				log.Println("Error loading .env file, skipping")
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "crucible.yaml", "config file path")
	root.AddCommand(newGenerateCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newScoreCmd())
	return root
}

// loadConfig falls back to built-in defaults when the default config
// file is absent; an explicitly passed --config must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(cfgFile)
}

func newBackend(name string) (sandbox.Backend, error) {
	switch name {
	case config.BackendEngine:
		return sandbox.NewEngine()
	case config.BackendCLI:
		return sandbox.NewCLIDriver()
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func missingCredentials(cfg *config.Config) []string {
	var missing []string
	if cfg.Databricks.Host == "" {
		missing = append(missing, "DATABRICKS_HOST")
	}
	if cfg.Databricks.Token == "" {
		missing = append(missing, "DATABRICKS_TOKEN")
	}
	return missing
}

func requireCredentials(cfg *config.Config) error {
	if missing := missingCredentials(cfg); len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s (set them in the environment, a .env file, or crucible.yaml)",
			strings.Join(missing, ", "))
	}
	return nil
}

func pricingFallback(cfg *config.Config) *report.CostFallback {
	if cfg.Pricing.Path == "" {
		return nil
	}
	return &report.CostFallback{
		PricingPath: cfg.Pricing.Path,
		Provider:    cfg.Pricing.Provider,
		Model:       cfg.Pricing.Model,
	}
}
