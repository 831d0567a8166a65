package generate_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalnine/crucible/internal/generate"
	"github.com/signalnine/crucible/internal/sandbox"
)

type scriptedSandbox struct {
	onExec func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error)
}

func (s *scriptedSandbox) Exec(ctx context.Context, opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
	return s.onExec(opts)
}
func (s *scriptedSandbox) Port() int { return 0 }
func (s *scriptedSandbox) Cleanup()  {}

type scriptedBackend struct {
	onExec func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error)
}

func (b *scriptedBackend) Create(ctx context.Context, opts *sandbox.CreateOpts) (sandbox.Sandbox, error) {
	return &scriptedSandbox{onExec: b.onExec}, nil
}
func (b *scriptedBackend) Name() string { return "scripted" }
func (b *scriptedBackend) Close() error { return nil }

func newDriver(t *testing.T, outDir string, onExec func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error)) *generate.Driver {
	t.Helper()
	return generate.NewDriver(&generate.DriverOpts{
		Backend:    &scriptedBackend{onExec: onExec},
		Image:      "crucible-agent:test",
		OutputDir:  outDir,
		RunCommand: []string{"generate-app"},
		Timeout:    time.Minute,
	})
}

func TestGenerateAppProduced(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		name := opts.Argv[len(opts.Argv)-2]
		appDir := filepath.Join(outDir, name)
		if err := os.MkdirAll(appDir, 0o755); err != nil {
			t.Fatal(err)
		}
		metrics := `{"cost_usd": 0.37, "input_tokens": 1200, "output_tokens": 5400, "turns": 9}`
		if err := os.WriteFile(filepath.Join(appDir, "generation_metrics.json"), []byte(metrics), 0o644); err != nil {
			t.Fatal(err)
		}
		return &sandbox.ExecResult{ExitCode: 0, Stdout: "created app\n", Stderr: "npm warn\n"}, nil
	})

	res := d.GenerateApp(context.Background(), "taxi-dashboard", "build a taxi dashboard")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.ArtifactDir != filepath.Join(outDir, "taxi-dashboard") {
		t.Errorf("artifact dir: got %q", res.ArtifactDir)
	}
	if res.Metrics == nil || res.Metrics.CostUSD != 0.37 || res.Metrics.Turns != 9 {
		t.Errorf("metrics: got %+v", res.Metrics)
	}

	logData, err := os.ReadFile(res.LogFile)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(logData), "created app") || !strings.Contains(string(logData), "=== STDERR ===") {
		t.Errorf("log content: %q", logData)
	}
}

func TestGenerateAppNoArtifactIsNotError(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 0, Stdout: "that prompt is a question, here is the answer\n"}, nil
	})

	res := d.GenerateApp(context.Background(), "just-a-question", "what is a lakehouse?")
	if res.Err != nil {
		t.Fatalf("no-artifact outcome must not be an error: %v", res.Err)
	}
	if res.ArtifactDir != "" {
		t.Errorf("artifact dir should be empty, got %q", res.ArtifactDir)
	}
	if res.Metrics != nil {
		t.Errorf("metrics should be absent, got %+v", res.Metrics)
	}
	if res.LogFile == "" {
		t.Error("log file should still be written")
	}
}

func TestGenerateAppAgentFailure(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 2, Stderr: "agent crashed\n"}, nil
	})

	res := d.GenerateApp(context.Background(), "crash", "build something")
	if res.Err == nil || !strings.Contains(res.Err.Error(), "exited with code 2") {
		t.Errorf("err: got %v", res.Err)
	}
	if res.LogFile == "" {
		t.Error("log file should be written on failure")
	}
}

func TestGenerateAppTimeout(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 124, TimedOut: true}, nil
	})

	res := d.GenerateApp(context.Background(), "slowpoke", "build slowly")
	if res.Err == nil || !strings.Contains(res.Err.Error(), "timed out") {
		t.Errorf("err: got %v", res.Err)
	}
}

func TestGenerateAppExecError(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		return nil, fmt.Errorf("engine connection reset")
	})

	res := d.GenerateApp(context.Background(), "unlucky", "build anything")
	if res.Err == nil {
		t.Fatal("transport failure should be an error")
	}
	logData, err := os.ReadFile(res.LogFile)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(logData), "=== EXEC ERROR ===") {
		t.Errorf("log content: %q", logData)
	}
}

func TestGenerateAppCorruptMetricsTolerated(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		appDir := filepath.Join(outDir, "corrupt-metrics")
		if err := os.MkdirAll(appDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(appDir, "generation_metrics.json"), []byte("{oops"), 0o644); err != nil {
			t.Fatal(err)
		}
		return &sandbox.ExecResult{ExitCode: 0}, nil
	})

	res := d.GenerateApp(context.Background(), "corrupt-metrics", "build an app")
	if res.Err != nil {
		t.Fatalf("corrupt metrics must not fail the run: %v", res.Err)
	}
	if res.ArtifactDir == "" {
		t.Error("artifact should still be reported")
	}
	if res.Metrics != nil {
		t.Errorf("metrics should be nil, got %+v", res.Metrics)
	}
}

func TestGenerateBulk(t *testing.T) {
	outDir := t.TempDir()
	d := newDriver(t, outDir, func(opts *sandbox.ExecOpts) (*sandbox.ExecResult, error) {
		name := opts.Argv[len(opts.Argv)-2]
		if name == "bad-app" {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
		}
		if err := os.MkdirAll(filepath.Join(outDir, name), 0o755); err != nil {
			t.Fatal(err)
		}
		return &sandbox.ExecResult{ExitCode: 0}, nil
	})

	items := []generate.BulkItem{
		{Name: "app-one", Prompt: "one"},
		{Name: "bad-app", Prompt: "two"},
		{Name: "app-three", Prompt: "three"},
	}
	var mu sync.Mutex
	progress := make(map[string]bool)
	results, err := d.GenerateBulk(context.Background(), items, 2, func(name string, ok bool) {
		mu.Lock()
		progress[name] = ok
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("GenerateBulk: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Name != "app-one" || results[1].Name != "bad-app" || results[2].Name != "app-three" {
		t.Errorf("results out of input order: %v", []string{results[0].Name, results[1].Name, results[2].Name})
	}
	if results[1].Err == nil {
		t.Error("bad-app should carry its error")
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Error("sibling failure leaked")
	}
	if !progress["app-one"] || progress["bad-app"] || !progress["app-three"] {
		t.Errorf("progress flags: %v", progress)
	}

	stats := generate.Stats(results)
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestWriteBulkResults(t *testing.T) {
	dir := t.TempDir()
	results := []*generate.AppResult{
		{Name: "ok-app", ArtifactDir: "/tmp/ok-app", LogFile: "/tmp/logs/ok-app.log"},
		{Name: "sad-app", Err: fmt.Errorf("agent exited with code 1")},
	}
	path, err := generate.WriteBulkResults(dir, "engine", "crucible-agent:test", results)
	if err != nil {
		t.Fatalf("WriteBulkResults: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"app_name": "ok-app"`) || !strings.Contains(s, `"success": true`) {
		t.Errorf("export content: %s", s)
	}
	if !strings.Contains(s, `"error": "agent exited with code 1"`) {
		t.Errorf("export content: %s", s)
	}
	if !strings.Contains(filepath.Base(path), "bulk_run_results_") {
		t.Errorf("file name: %s", path)
	}
}

func TestCheckBinaryFormat(t *testing.T) {
	if err := generate.CheckBinaryFormat(""); err != nil {
		t.Errorf("empty path should pass: %v", err)
	}

	if _, err := exec.LookPath("file"); err != nil {
		t.Skip("file command not available")
	}

	dir := t.TempDir()
	elf := filepath.Join(dir, "agent-linux")
	if err := os.WriteFile(elf, []byte("\x7fELF\x02\x01\x01\x00padpadpad"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := generate.CheckBinaryFormat(elf); err != nil {
		t.Errorf("elf binary should pass: %v", err)
	}

	macho := filepath.Join(dir, "agent-darwin")
	if err := os.WriteFile(macho, []byte("\xcf\xfa\xed\xfepadpadpad"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := generate.CheckBinaryFormat(macho); err == nil {
		t.Error("mach-o binary should be rejected")
	}
}
