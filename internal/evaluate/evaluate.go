package evaluate

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/sandbox"
	"github.com/signalnine/crucible/internal/score"
	"github.com/signalnine/crucible/internal/template"
)

const DefaultImage = "node:20-alpine"

type StepTimeouts struct {
	Install   time.Duration
	Build     time.Duration
	Start     time.Duration
	Typecheck time.Duration
	Test      time.Duration
	Semantic  time.Duration
}

func DefaultTimeouts() StepTimeouts {
	return StepTimeouts{
		Install:   300 * time.Second,
		Build:     300 * time.Second,
		Start:     60 * time.Second,
		Typecheck: 120 * time.Second,
		Test:      180 * time.Second,
		Semantic:  120 * time.Second,
	}
}

func (t StepTimeouts) withDefaults() StepTimeouts {
	d := DefaultTimeouts()
	if t.Install <= 0 {
		t.Install = d.Install
	}
	if t.Build <= 0 {
		t.Build = d.Build
	}
	if t.Start <= 0 {
		t.Start = d.Start
	}
	if t.Typecheck <= 0 {
		t.Typecheck = d.Typecheck
	}
	if t.Test <= 0 {
		t.Test = d.Test
	}
	if t.Semantic <= 0 {
		t.Semantic = d.Semantic
	}
	return t
}

type Options struct {
	AppName  string
	AppDir   string
	Image    string
	Port     int
	FastMode bool
	// Env passes credentials and session variables through to the
	// sandbox; empty values are dropped.
	Env      map[string]string
	Timeouts StepTimeouts
	Weights  score.Weights
}

// Run drives the ordered check pipeline for one app and always comes
// back with a result; everything that goes wrong is recorded in the
// result's issues instead of escaping. Only context cancellation cuts
// through.
func Run(ctx context.Context, backend sandbox.Backend, opts *Options) *result.EvalResult {
	res := &result.EvalResult{
		AppName:   opts.AppName,
		AppDir:    opts.AppDir,
		Timestamp: result.Timestamp(),
		Issues:    []string{},
		Details:   map[string]string{},
	}

	tag := template.Detect(opts.AppDir)
	res.Metrics.TemplateType = string(tag)

	// Container-only apps are out of scope for the check pipeline:
	// no sandbox, no heuristics, just the minimal record.
	if tag == template.Docker {
		res.Issues = append(res.Issues, "Docker-only apps not yet supported")
		return res
	}

	if err := runChecks(ctx, backend, opts, tag, res); err != nil {
		if ctx.Err() != nil {
			return res
		}
		res.Issues = append(res.Issues, "Evaluation error: "+truncate(err.Error(), 500))
	}

	// Host-side heuristics, after the sandbox is gone.
	applyDevX(opts.AppDir, res)

	if s := score.Compute(&res.Metrics, opts.Weights); s != nil {
		res.Metrics.AppEval100 = s
	}
	return res
}

func runChecks(ctx context.Context, backend sandbox.Backend, opts *Options, tag template.Tag, res *result.EvalResult) error {
	m := &res.Metrics
	timeouts := opts.Timeouts.withDefaults()
	image := opts.Image
	if image == "" {
		image = DefaultImage
	}

	env := make(map[string]string, len(opts.Env)+3)
	for k, v := range opts.Env {
		if v != "" {
			env[k] = v
		}
	}
	env["DATABRICKS_APP_PORT"] = strconv.Itoa(opts.Port)
	env["DATABRICKS_APP_NAME"] = opts.AppName
	env["FLASK_RUN_HOST"] = "0.0.0.0"

	sb, err := backend.Create(ctx, &sandbox.CreateOpts{
		Name:    opts.AppName,
		Image:   image,
		Mounts:  []sandbox.Mount{{Source: opts.AppDir, Target: sandbox.AppMount}},
		WorkDir: sandbox.AppMount,
		Env:     env,
		Port:    opts.Port,
		Scripts: template.Scripts(tag),
		Setup:   [][]string{{"apk", "add", "--no-cache", "bash", "curl"}},
	})
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	defer sb.Cleanup()

	install, err := sb.Exec(ctx, step("install.sh", timeouts.Install, nil))
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	depsInstalled := install.ExitCode == 0
	if !depsInstalled {
		res.Issues = append(res.Issues, "Dependencies installation failed")
		res.Details["install"] = truncate(install.Stderr, 200)
	}

	m.HasDockerfile = result.Bool(template.HasDockerfile(opts.AppDir))
	build, err := sb.Exec(ctx, step("build.sh", timeouts.Build, nil))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	m.BuildSuccess = result.Bool(build.ExitCode == 0)
	m.BuildTimeSec = result.Float(round1(build.Duration.Seconds()))
	if build.ExitCode != 0 {
		res.Issues = append(res.Issues, "Build failed")
		res.Details["build"] = truncate(firstNonEmpty(build.Stderr, build.Stdout), 200)
	}

	// Runtime start is attempted regardless of the build outcome;
	// plenty of dev servers run fine without a production build.
	start, err := sb.Exec(ctx, step("start.sh", timeouts.Start, nil))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.RuntimeSuccess = result.Bool(false)
		res.Issues = append(res.Issues, "Runtime check error: "+truncate(err.Error(), 100))
	} else {
		m.RuntimeSuccess = result.Bool(start.ExitCode == 0)
		m.StartupTimeSec = result.Float(round1(start.Duration.Seconds()))
		if start.ExitCode != 0 {
			res.Issues = append(res.Issues, "Runtime check failed")
			res.Details["runtime"] = truncate(firstNonEmpty(start.Stderr, start.Stdout), 200)
		}
	}

	if depsInstalled {
		typecheck, err := sb.Exec(ctx, step("typecheck.sh", timeouts.Typecheck, nil))
		if err != nil {
			return fmt.Errorf("typecheck: %w", err)
		}
		m.TypeSafety = result.Bool(typecheck.ExitCode == 0)
		if typecheck.ExitCode != 0 {
			res.Issues = append(res.Issues, "Type check failed")
			res.Details["typecheck"] = truncate(firstNonEmpty(typecheck.Stderr, typecheck.Stdout), 200)
		}

		hasTests := hasTestFiles(opts.AppDir)
		m.HasTests = result.Bool(hasTests)
		if hasTests {
			testEnv := map[string]string{"TEST_PORT": strconv.Itoa(opts.Port + 1000)}
			tests, err := sb.Exec(ctx, step("test.sh", timeouts.Test, testEnv))
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				res.Issues = append(res.Issues, "Test execution error: "+truncate(err.Error(), 200))
			} else {
				m.TestsPass = result.Bool(tests.ExitCode == 0)
				m.TestCoveragePct = result.Float(parseCoverage(tests.Stdout + "\n" + tests.Stderr))
				if tests.ExitCode != 0 {
					res.Issues = append(res.Issues, "Tests failed")
					res.Details["tests"] = truncate(firstNonEmpty(tests.Stderr, tests.Stdout), 200)
				}
			}
		}
	}

	if !opts.FastMode && m.RuntimeSuccess != nil && *m.RuntimeSuccess {
		runSemanticChecks(ctx, sb, timeouts.Semantic, res)
	}
	return ctx.Err()
}

func runSemanticChecks(ctx context.Context, sb sandbox.Sandbox, timeout time.Duration, res *result.EvalResult) {
	m := &res.Metrics

	conn, err := sb.Exec(ctx, step("connectivity.sh", timeout, nil))
	if err != nil && ctx.Err() != nil {
		return
	}
	connPass := err == nil && conn.ExitCode == 0
	m.DatabricksConnectivity = result.Bool(connPass)
	if !connPass {
		res.Issues = append(res.Issues, "Databricks connectivity failed")
		if err != nil {
			res.Details["connectivity"] = truncate(err.Error(), 200)
		} else {
			res.Details["connectivity"] = truncate(firstNonEmpty(conn.Stderr, conn.Stdout), 200)
		}
	}
	if ctx.Err() != nil {
		return
	}

	if connPass {
		data, err := sb.Exec(ctx, step("data.sh", timeout, nil))
		if err != nil && ctx.Err() != nil {
			return
		}
		dataPass := err == nil && data.ExitCode == 0
		m.DataReturned = result.Bool(dataPass)
		if !dataPass {
			detail := "no data returned"
			if err != nil {
				detail = err.Error()
			} else if s := firstNonEmpty(data.Stderr, data.Stdout); s != "" {
				detail = s
			}
			res.Issues = append(res.Issues, "Data validity concerns: "+truncate(detail, 200))
		}
	}
	if ctx.Err() != nil {
		return
	}

	ui, err := sb.Exec(ctx, step("ui.sh", timeout, nil))
	if err != nil && ctx.Err() != nil {
		return
	}
	uiPass := err == nil && ui.ExitCode == 0
	m.UIRenders = result.Bool(uiPass)
	if !uiPass {
		detail := "no markup served"
		if err != nil {
			detail = err.Error()
		} else if s := firstNonEmpty(ui.Stderr, ui.Stdout); s != "" {
			detail = s
		}
		res.Issues = append(res.Issues, "UI concerns: "+truncate(detail, 200))
	}
}

func applyDevX(appDir string, res *result.EvalResult) {
	runability, missing := localRunability(appDir)
	res.Metrics.LocalRunabilityScore = result.Int(runability)
	if runability < 3 {
		res.Issues = append(res.Issues, fmt.Sprintf("Local runability concerns (%d/5)", runability))
	}
	if len(missing) > 0 {
		res.Details["local_runability"] = "missing: " + strings.Join(missing, ", ")
	}

	deploy, missing := deployability(appDir)
	res.Metrics.DeployabilityScore = result.Int(deploy)
	if deploy < 3 {
		res.Issues = append(res.Issues, fmt.Sprintf("Deployability concerns (%d/5)", deploy))
	}
	if len(missing) > 0 {
		res.Details["deployability"] = "missing: " + strings.Join(missing, ", ")
	}
}

func step(script string, timeout time.Duration, env map[string]string) *sandbox.ExecOpts {
	return &sandbox.ExecOpts{
		Argv:    []string{"bash", sandbox.EvalDir + "/" + script},
		Env:     env,
		Timeout: timeout,
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
