package report_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/crucible/internal/report"
	"github.com/signalnine/crucible/internal/result"
)

func writeResults(t *testing.T, runDir string, results []*result.EvalResult) {
	t.Helper()
	for _, r := range results {
		if err := result.WriteAppResult(runDir, r); err != nil {
			t.Fatalf("WriteAppResult: %v", err)
		}
	}
}

func sampleResults() []*result.EvalResult {
	score1 := 80.0
	score2 := 40.0
	cov := 62.5
	return []*result.EvalResult{
		{
			AppName: "alpha",
			Metrics: result.Metrics{
				BuildSuccess:    result.Bool(true),
				RuntimeSuccess:  result.Bool(true),
				TypeSafety:      result.Bool(true),
				TestsPass:       result.Bool(true),
				TestCoveragePct: &cov,
				TemplateType:    "node-web",
				AppEval100:      &score1,
			},
			GenerationMetrics: &result.GenerationMetrics{
				CostUSD:      0.5,
				InputTokens:  10000,
				OutputTokens: 2000,
				Turns:        4,
			},
		},
		{
			AppName: "bravo",
			Metrics: result.Metrics{
				BuildSuccess:   result.Bool(false),
				RuntimeSuccess: result.Bool(true),
				TemplateType:   "trpc",
				AppEval100:     &score2,
			},
			Issues: []string{"Build failed"},
		},
	}
}

func TestGenerateTable(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "runs", "test-run")
	writeResults(t, runDir, sampleResults())

	var buf bytes.Buffer
	if err := report.Generate(runDir, "table", &buf, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"alpha", "bravo", "node-web", "trpc", "2 apps", "average appeval_100: 60.0"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestGenerateMarkdown(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "runs", "test-run")
	writeResults(t, runDir, sampleResults())

	var buf bytes.Buffer
	if err := report.Generate(runDir, "markdown", &buf, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "| alpha | node-web | pass | pass |") {
		t.Errorf("expected markdown row for alpha:\n%s", output)
	}
	if !strings.Contains(output, "| bravo | trpc | fail | pass |") {
		t.Errorf("expected markdown row for bravo:\n%s", output)
	}
}

func TestGenerateJSON(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "runs", "test-run")
	writeResults(t, runDir, sampleResults())

	var buf bytes.Buffer
	if err := report.Generate(runDir, "json", &buf, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var rep report.Report
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.Summary == nil || rep.Summary.TotalApps != 2 {
		t.Fatalf("expected summary with 2 apps, got %+v", rep.Summary)
	}
	if len(rep.Apps) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(rep.Apps))
	}
	if rep.Apps[0].AppName != "alpha" || rep.Apps[1].AppName != "bravo" {
		t.Errorf("expected apps sorted by name, got %s, %s", rep.Apps[0].AppName, rep.Apps[1].AppName)
	}
}

func TestGenerateNoResults(t *testing.T) {
	runDir := t.TempDir()
	var buf bytes.Buffer
	if err := report.Generate(runDir, "table", &buf, nil); err == nil {
		t.Fatal("expected error for empty run dir")
	}
}

func TestCollectSkipsCorrupt(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "runs", "test-run")
	writeResults(t, runDir, sampleResults())

	badDir := filepath.Join(runDir, "apps", "corrupt")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "result.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := report.Collect(runDir)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestSummarize(t *testing.T) {
	s := report.Summarize(sampleResults())

	if s.TotalApps != 2 {
		t.Errorf("TotalApps = %d, want 2", s.TotalApps)
	}
	if s.BuildPassed != 1 {
		t.Errorf("BuildPassed = %d, want 1", s.BuildPassed)
	}
	if s.RuntimePassed != 2 {
		t.Errorf("RuntimePassed = %d, want 2", s.RuntimePassed)
	}
	if s.TypecheckPassed != 1 || s.TestsPassed != 1 {
		t.Errorf("typecheck/tests = %d/%d, want 1/1", s.TypecheckPassed, s.TestsPassed)
	}
	if s.TotalIssues != 1 {
		t.Errorf("TotalIssues = %d, want 1", s.TotalIssues)
	}
	if s.MetricsSummary.AvgAppEval100 == nil || *s.MetricsSummary.AvgAppEval100 != 60.0 {
		t.Errorf("AvgAppEval100 = %v, want 60.0", s.MetricsSummary.AvgAppEval100)
	}
	// Coverage was only measured for alpha; the average excludes bravo.
	if s.MetricsSummary.AvgCoveragePct == nil || *s.MetricsSummary.AvgCoveragePct != 62.5 {
		t.Errorf("AvgCoveragePct = %v, want 62.5", s.MetricsSummary.AvgCoveragePct)
	}
	if s.TotalCostUSD != 0.5 || s.TotalTokens != 12000 || s.TotalTurns != 4 {
		t.Errorf("cost/tokens/turns = %v/%d/%d, want 0.5/12000/4", s.TotalCostUSD, s.TotalTokens, s.TotalTurns)
	}
}

func TestSummarizeNothingMeasured(t *testing.T) {
	s := report.Summarize([]*result.EvalResult{{AppName: "empty"}})
	if s.MetricsSummary.AvgAppEval100 != nil {
		t.Errorf("expected nil AvgAppEval100, got %v", *s.MetricsSummary.AvgAppEval100)
	}
	if s.BuildPassed != 0 || s.TotalIssues != 0 {
		t.Errorf("expected zero counts, got %+v", s)
	}
}

func TestCostFallback(t *testing.T) {
	pricingPath := filepath.Join(t.TempDir(), "pricing.yaml")
	yaml := `anthropic:
  claude-sonnet-4:
    input: 3.0
    output: 15.0
`
	if err := os.WriteFile(pricingPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	missing := &result.EvalResult{
		AppName: "missing-cost",
		GenerationMetrics: &result.GenerationMetrics{
			InputTokens:  1000000,
			OutputTokens: 200000,
		},
	}
	recorded := &result.EvalResult{
		AppName: "recorded-cost",
		GenerationMetrics: &result.GenerationMetrics{
			CostUSD:      0.42,
			InputTokens:  500,
			OutputTokens: 500,
		},
	}
	none := &result.EvalResult{AppName: "no-metrics"}

	fallback := &report.CostFallback{
		PricingPath: pricingPath,
		Provider:    "anthropic",
		Model:       "claude-sonnet-4",
	}
	rep := report.Build([]*result.EvalResult{missing, recorded, none}, fallback)

	if got := missing.GenerationMetrics.CostUSD; absf(got-6.0) > 1e-9 {
		t.Errorf("enriched cost = %v, want 6.0", got)
	}
	if got := recorded.GenerationMetrics.CostUSD; got != 0.42 {
		t.Errorf("recorded cost changed to %v", got)
	}
	if absf(rep.Summary.TotalCostUSD-6.42) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want 6.42", rep.Summary.TotalCostUSD)
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
