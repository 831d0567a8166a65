package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/crucible/internal/pricing"
	"github.com/signalnine/crucible/internal/result"
)

// Summary aggregates the stored results of one evaluation run.
type Summary struct {
	TotalApps          int `json:"total_apps"`
	BuildPassed        int `json:"build_passed"`
	RuntimePassed      int `json:"runtime_passed"`
	TypecheckPassed    int `json:"typecheck_passed"`
	TestsPassed        int `json:"tests_passed"`
	ConnectivityPassed int `json:"connectivity_passed"`
	TotalIssues        int `json:"total_issues"`

	MetricsSummary MetricsSummary `json:"metrics_summary"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`
	TotalTurns   int     `json:"total_turns"`
}

// MetricsSummary holds averages computed over apps where the metric was
// actually measured. A metric nobody measured stays nil.
type MetricsSummary struct {
	AvgAppEval100      *float64 `json:"avg_appeval_100,omitempty"`
	AvgBuildTimeSec    *float64 `json:"avg_build_time_sec,omitempty"`
	AvgStartupTimeSec  *float64 `json:"avg_startup_time_sec,omitempty"`
	AvgCoveragePct     *float64 `json:"avg_test_coverage_pct,omitempty"`
	AvgLocalRunability *float64 `json:"avg_local_runability_score,omitempty"`
	AvgDeployability   *float64 `json:"avg_deployability_score,omitempty"`
}

// Report is the document written to report.json at the run root.
type Report struct {
	Summary *Summary             `json:"summary"`
	Apps    []*result.EvalResult `json:"apps"`
}

// CostFallback fills in generation costs from token counts when the agent
// recorded usage but not spend.
type CostFallback struct {
	PricingPath string
	Provider    string
	Model       string
}

// Generate reads stored per-app results from a run directory and writes
// the report in the requested format.
func Generate(runDir, format string, w io.Writer, fallback *CostFallback) error {
	results, err := Collect(runDir)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no results found under %s", runDir)
	}
	rep := Build(results, fallback)
	return Render(rep, format, w)
}

// Build assembles the report document from in-memory results.
func Build(results []*result.EvalResult, fallback *CostFallback) *Report {
	if fallback != nil {
		fallback.apply(results)
	}
	return &Report{Summary: Summarize(results), Apps: results}
}

// Render writes the report in the given format; anything unrecognized
// falls back to the plain table.
func Render(rep *Report, format string, w io.Writer) error {
	switch format {
	case "markdown":
		return writeMarkdown(rep, w)
	case "json":
		return writeJSON(rep, w)
	default:
		return writeTable(rep, w)
	}
}

// Collect gathers every readable result.json under runDir, sorted by app
// name. Unreadable files are skipped.
func Collect(runDir string) ([]*result.EvalResult, error) {
	var results []*result.EvalResult
	err := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Name() == "result.json" {
			res, err := result.ReadAppResult(path)
			if err != nil {
				return nil
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].AppName < results[j].AppName
	})
	return results, nil
}

func Summarize(results []*result.EvalResult) *Summary {
	s := &Summary{TotalApps: len(results)}

	var scoreAvg, buildAvg, startupAvg, covAvg, localAvg, deployAvg averager
	for _, r := range results {
		m := r.Metrics
		if m.BuildSuccess != nil && *m.BuildSuccess {
			s.BuildPassed++
		}
		if m.RuntimeSuccess != nil && *m.RuntimeSuccess {
			s.RuntimePassed++
		}
		if m.TypeSafety != nil && *m.TypeSafety {
			s.TypecheckPassed++
		}
		if m.TestsPass != nil && *m.TestsPass {
			s.TestsPassed++
		}
		if m.DatabricksConnectivity != nil && *m.DatabricksConnectivity {
			s.ConnectivityPassed++
		}
		s.TotalIssues += len(r.Issues)

		scoreAvg.addPtr(m.AppEval100)
		buildAvg.addPtr(m.BuildTimeSec)
		startupAvg.addPtr(m.StartupTimeSec)
		covAvg.addPtr(m.TestCoveragePct)
		if m.LocalRunabilityScore != nil {
			localAvg.add(float64(*m.LocalRunabilityScore))
		}
		if m.DeployabilityScore != nil {
			deployAvg.add(float64(*m.DeployabilityScore))
		}

		if gm := r.GenerationMetrics; gm != nil {
			s.TotalCostUSD += gm.CostUSD
			s.TotalTokens += gm.InputTokens + gm.OutputTokens
			s.TotalTurns += gm.Turns
		}
	}

	s.MetricsSummary = MetricsSummary{
		AvgAppEval100:      scoreAvg.mean(),
		AvgBuildTimeSec:    buildAvg.mean(),
		AvgStartupTimeSec:  startupAvg.mean(),
		AvgCoveragePct:     covAvg.mean(),
		AvgLocalRunability: localAvg.mean(),
		AvgDeployability:   deployAvg.mean(),
	}
	return s
}

type averager struct {
	sum float64
	n   int
}

func (a *averager) add(v float64) {
	a.sum += v
	a.n++
}

func (a *averager) addPtr(v *float64) {
	if v != nil {
		a.add(*v)
	}
}

func (a *averager) mean() *float64 {
	if a.n == 0 {
		return nil
	}
	m := a.sum / float64(a.n)
	return &m
}

func (f *CostFallback) apply(results []*result.EvalResult) {
	table, err := pricing.Load(f.PricingPath)
	if err != nil {
		return
	}
	for _, r := range results {
		gm := r.GenerationMetrics
		if gm == nil || gm.CostUSD != 0 {
			continue
		}
		if gm.InputTokens == 0 && gm.OutputTokens == 0 {
			continue
		}
		gm.CostUSD = table.Cost(f.Provider, f.Model, gm.InputTokens, gm.OutputTokens)
	}
}

func writeTable(rep *Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tTEMPLATE\tBUILD\tRUNTIME\tTYPES\tTESTS\tCOVERAGE\tSCORE\tCOST\tISSUES")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, r := range rep.Apps {
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.AppName, m.TemplateType,
			fmtBool(m.BuildSuccess), fmtBool(m.RuntimeSuccess),
			fmtBool(m.TypeSafety), fmtBool(m.TestsPass),
			fmtPct(m.TestCoveragePct), fmtScore(m.AppEval100),
			fmtCost(r.GenerationMetrics), len(r.Issues))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := rep.Summary
	fmt.Fprintf(w, "\n%d apps: build %d, runtime %d, types %d, tests %d\n",
		s.TotalApps, s.BuildPassed, s.RuntimePassed, s.TypecheckPassed, s.TestsPassed)
	if s.MetricsSummary.AvgAppEval100 != nil {
		fmt.Fprintf(w, "average appeval_100: %.1f\n", *s.MetricsSummary.AvgAppEval100)
	}
	if s.TotalCostUSD > 0 || s.TotalTokens > 0 {
		fmt.Fprintf(w, "generation: $%.2f, %d tokens, %d turns\n",
			s.TotalCostUSD, s.TotalTokens, s.TotalTurns)
	}
	return nil
}

func writeMarkdown(rep *Report, w io.Writer) error {
	fmt.Fprintln(w, "| App | Template | Build | Runtime | Types | Tests | Coverage | Score | Cost | Issues |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|---|")
	for _, r := range rep.Apps {
		m := r.Metrics
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %s | %s | %s | %s | %d |\n",
			r.AppName, m.TemplateType,
			fmtBool(m.BuildSuccess), fmtBool(m.RuntimeSuccess),
			fmtBool(m.TypeSafety), fmtBool(m.TestsPass),
			fmtPct(m.TestCoveragePct), fmtScore(m.AppEval100),
			fmtCost(r.GenerationMetrics), len(r.Issues))
	}

	s := rep.Summary
	fmt.Fprintf(w, "\n%d apps: build %d, runtime %d, types %d, tests %d\n",
		s.TotalApps, s.BuildPassed, s.RuntimePassed, s.TypecheckPassed, s.TestsPassed)
	if s.MetricsSummary.AvgAppEval100 != nil {
		fmt.Fprintf(w, "\nAverage appeval_100: **%.1f**\n", *s.MetricsSummary.AvgAppEval100)
	}
	return nil
}

func writeJSON(rep *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func fmtBool(v *bool) string {
	if v == nil {
		return "-"
	}
	if *v {
		return "pass"
	}
	return "fail"
}

func fmtScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func fmtPct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func fmtCost(gm *result.GenerationMetrics) string {
	if gm == nil {
		return "-"
	}
	return fmt.Sprintf("$%.2f", gm.CostUSD)
}
