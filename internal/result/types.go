package result

// Metrics holds everything measured about one generated app. Pointer
// fields distinguish "check did not run" (nil) from a real pass/fail
// or zero value, and nil fields are dropped from the JSON entirely.
type Metrics struct {
	BuildSuccess           *bool    `json:"build_success,omitempty"`
	BuildTimeSec           *float64 `json:"build_time_sec,omitempty"`
	RuntimeSuccess         *bool    `json:"runtime_success,omitempty"`
	StartupTimeSec         *float64 `json:"startup_time_sec,omitempty"`
	TypeSafety             *bool    `json:"type_safety,omitempty"`
	TestsPass              *bool    `json:"tests_pass,omitempty"`
	TestCoveragePct        *float64 `json:"test_coverage_pct,omitempty"`
	HasTests               *bool    `json:"has_tests,omitempty"`
	DatabricksConnectivity *bool    `json:"databricks_connectivity,omitempty"`
	DataReturned           *bool    `json:"data_returned,omitempty"`
	UIRenders              *bool    `json:"ui_renders,omitempty"`
	LocalRunabilityScore   *int     `json:"local_runability_score,omitempty"`
	DeployabilityScore     *int     `json:"deployability_score,omitempty"`
	TemplateType           string   `json:"template_type,omitempty"`
	HasDockerfile          *bool    `json:"has_dockerfile,omitempty"`
	AppEval100             *float64 `json:"appeval_100,omitempty"`
}

// GenerationMetrics is what the generation agent leaves behind in
// generation_metrics.json next to the app it produced.
type GenerationMetrics struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Turns        int     `json:"turns"`
}

type EvalResult struct {
	AppName           string             `json:"app_name"`
	AppDir            string             `json:"app_dir"`
	Timestamp         string             `json:"timestamp"`
	Metrics           Metrics            `json:"metrics"`
	Issues            []string           `json:"issues"`
	Details           map[string]string  `json:"details,omitempty"`
	GenerationMetrics *GenerationMetrics `json:"generation_metrics,omitempty"`
}

// Pointer helpers for recording metric values.
func Bool(b bool) *bool        { return &b }
func Float(f float64) *float64 { return &f }
func Int(n int) *int           { return &n }
