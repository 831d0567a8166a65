package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/crucible/internal/score"
)

// Backend names accepted by the backend field.
const (
	BackendEngine = "engine"
	BackendCLI    = "cli"
)

type Config struct {
	// Backend selects how sandboxes are driven: "engine" talks to the
	// daemon API, "cli" shells out to the docker binary. Empty means
	// autodetect from the environment.
	Backend    string     `yaml:"backend"`
	Eval       Eval       `yaml:"eval"`
	Generation Generation `yaml:"generation"`
	Databricks Databricks `yaml:"databricks"`
	Results    Results    `yaml:"results"`
	Pricing    Pricing    `yaml:"pricing"`
}

type Eval struct {
	Image       string `yaml:"image"`
	Concurrency int    `yaml:"concurrency"`
	// PortBase is the first port assigned to evaluated apps; app i gets
	// port_base+i. Zero means pick free ports from the OS.
	PortBase int           `yaml:"port_base"`
	FastMode bool          `yaml:"fast_mode"`
	Timeouts Timeouts      `yaml:"timeouts"`
	Weights  score.Weights `yaml:"weights"`
}

// Timeouts overrides per-step limits, in seconds. Zero keeps the
// built-in default for that step.
type Timeouts struct {
	InstallSec   int `yaml:"install_sec"`
	BuildSec     int `yaml:"build_sec"`
	RuntimeSec   int `yaml:"runtime_sec"`
	TypecheckSec int `yaml:"typecheck_sec"`
	TestsSec     int `yaml:"tests_sec"`
	SemanticSec  int `yaml:"semantic_sec"`
}

type Generation struct {
	Image        string            `yaml:"image"`
	BuildContext string            `yaml:"build_context"`
	Excludes     []string          `yaml:"excludes"`
	AgentBinary  string            `yaml:"agent_binary"`
	RunCommand   []string          `yaml:"run_command"`
	OutputDir    string            `yaml:"output_dir"`
	Concurrency  int               `yaml:"concurrency"`
	TimeoutMin   int               `yaml:"timeout_minutes"`
	Env          map[string]string `yaml:"env"`
	Prompts      string            `yaml:"prompts"`
}

type Databricks struct {
	Host        string `yaml:"host"`
	Token       string `yaml:"token"`
	WarehouseID string `yaml:"warehouse_id"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Pricing struct {
	Path     string `yaml:"path"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := check(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		if IsDatabricksEnvironment() {
			cfg.Backend = BackendCLI
		} else {
			cfg.Backend = BackendEngine
		}
	}
	if cfg.Eval.Image == "" {
		cfg.Eval.Image = "node:20-alpine"
	}
	if cfg.Eval.Concurrency < 1 {
		cfg.Eval.Concurrency = 4
	}
	if cfg.Generation.Concurrency < 1 {
		cfg.Generation.Concurrency = 6
	}
	if cfg.Generation.TimeoutMin < 1 {
		cfg.Generation.TimeoutMin = 30
	}
	if cfg.Generation.OutputDir == "" {
		cfg.Generation.OutputDir = "./apps"
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "./results"
	}
	if cfg.Pricing.Path != "" && cfg.Pricing.Provider == "" {
		cfg.Pricing.Provider = "anthropic"
	}

	// Credentials fall back to the standard environment variables.
	if cfg.Databricks.Host == "" {
		cfg.Databricks.Host = os.Getenv("DATABRICKS_HOST")
	}
	if cfg.Databricks.Token == "" {
		cfg.Databricks.Token = os.Getenv("DATABRICKS_TOKEN")
	}
	if cfg.Databricks.WarehouseID == "" {
		cfg.Databricks.WarehouseID = os.Getenv("DATABRICKS_WAREHOUSE_ID")
	}
}

func check(cfg *Config) error {
	if cfg.Backend != BackendEngine && cfg.Backend != BackendCLI {
		return fmt.Errorf("backend must be %q or %q, got %q", BackendEngine, BackendCLI, cfg.Backend)
	}
	if cfg.Eval.PortBase < 0 {
		return fmt.Errorf("eval.port_base must not be negative")
	}
	for i, arg := range cfg.Generation.RunCommand {
		if arg == "" {
			return fmt.Errorf("generation.run_command[%d] is empty", i)
		}
	}
	w := cfg.Eval.Weights
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"build", w.Build}, {"runtime", w.Runtime}, {"type_safety", w.TypeSafety},
		{"tests", w.Tests}, {"connectivity", w.Connectivity}, {"data_validity", w.DataValidity},
		{"ui", w.UI}, {"local_runability", w.LocalRunability}, {"deployability", w.Deployability},
	} {
		if v.value < 0 {
			return fmt.Errorf("eval.weights.%s must not be negative", v.name)
		}
	}
	return nil
}

// IsDatabricksEnvironment reports whether we are running inside a
// Databricks runtime, where the daemon API socket is not reachable and
// only the docker CLI works.
func IsDatabricksEnvironment() bool {
	return os.Getenv("DATABRICKS_RUNTIME_VERSION") != ""
}
