package generate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/signalnine/crucible/internal/result"
	"github.com/signalnine/crucible/internal/runner"
	"github.com/signalnine/crucible/internal/sandbox"
)

// AppResult is the tri-state outcome of one generation: an artifact
// was produced, the agent answered without producing one (ArtifactDir
// empty, Err nil), or the run genuinely failed (Err set).
type AppResult struct {
	Name        string
	ArtifactDir string
	LogFile     string
	Metrics     *result.GenerationMetrics
	Err         error
}

type Driver struct {
	backend    sandbox.Backend
	image      string
	outputDir  string
	runCommand []string
	env        map[string]string
	mounts     []sandbox.Mount
	timeout    time.Duration
}

type DriverOpts struct {
	Backend   sandbox.Backend
	Image     string
	OutputDir string
	// RunCommand is the agent entrypoint inside the image; the app
	// name and prompt are appended as its last two arguments.
	RunCommand []string
	Env        map[string]string
	// Mounts are added alongside the /workspace mount, typically to
	// hand an agent binary from the host into the container.
	Mounts  []sandbox.Mount
	Timeout time.Duration
}

func NewDriver(opts *DriverOpts) *Driver {
	runCommand := opts.RunCommand
	if len(runCommand) == 0 {
		runCommand = []string{"generate-app"}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		if v != "" {
			env[k] = v
		}
	}
	return &Driver{
		backend:    opts.Backend,
		image:      opts.Image,
		outputDir:  opts.OutputDir,
		runCommand: runCommand,
		env:        env,
		mounts:     opts.Mounts,
		timeout:    timeout,
	}
}

// GenerateApp runs the agent for one prompt. The agent sees the
// output directory mounted at /workspace and is expected to leave the
// app under /workspace/<name> along with generation_metrics.json.
func (d *Driver) GenerateApp(ctx context.Context, name, prompt string) *AppResult {
	res := &AppResult{Name: name}

	if err := os.MkdirAll(filepath.Join(d.outputDir, "logs"), 0o755); err != nil {
		res.Err = fmt.Errorf("creating output dirs: %w", err)
		return res
	}

	mounts := append([]sandbox.Mount{{Source: d.outputDir, Target: "/workspace"}}, d.mounts...)
	sb, err := d.backend.Create(ctx, &sandbox.CreateOpts{
		Name:    name,
		Image:   d.image,
		Mounts:  mounts,
		WorkDir: "/workspace",
		Env:     d.env,
	})
	if err != nil {
		res.Err = fmt.Errorf("creating generation sandbox: %w", err)
		return res
	}
	defer sb.Cleanup()

	argv := append(append([]string{}, d.runCommand...), name, prompt)
	exec, execErr := sb.Exec(ctx, &sandbox.ExecOpts{Argv: argv, Timeout: d.timeout})

	res.LogFile = d.writeLog(name, exec, execErr)

	if execErr != nil {
		res.Err = fmt.Errorf("agent execution: %w", execErr)
		return res
	}
	if exec.TimedOut {
		res.Err = fmt.Errorf("agent timed out after %s", d.timeout)
		return res
	}
	if exec.ExitCode != 0 {
		res.Err = fmt.Errorf("agent exited with code %d", exec.ExitCode)
		return res
	}

	artifactDir := filepath.Join(d.outputDir, name)
	if info, err := os.Stat(artifactDir); err != nil || !info.IsDir() {
		// The agent answered without creating an app. Not an error.
		return res
	}
	res.ArtifactDir = artifactDir

	metrics, err := result.ReadGenerationMetrics(artifactDir)
	if err != nil {
		log.Printf("warning: %s: %v", name, err)
	}
	res.Metrics = metrics
	return res
}

func (d *Driver) writeLog(name string, exec *sandbox.ExecResult, execErr error) string {
	logFile := filepath.Join(d.outputDir, "logs", name+".log")
	var body string
	if execErr != nil {
		body = fmt.Sprintf("=== EXEC ERROR ===\n%v\n", execErr)
	} else {
		body = fmt.Sprintf("%s\n\n=== STDERR ===\n%s", exec.Stdout, exec.Stderr)
	}
	if err := os.WriteFile(logFile, []byte(body), 0o644); err != nil {
		log.Printf("warning: writing log for %s: %v", name, err)
		return ""
	}
	return logFile
}

type BulkItem struct {
	Name   string
	Prompt string
}

// GenerateBulk fans prompts out over the shared backend with at most
// concurrency agents in flight. progress fires once per finished item.
// Cancellation skips unstarted items; their names simply don't appear
// in the returned slice.
func (d *Driver) GenerateBulk(ctx context.Context, items []BulkItem, concurrency int, progress func(name string, ok bool)) ([]*AppResult, error) {
	var mu sync.Mutex
	byName := make(map[string]*AppResult, len(items))

	batch := make([]runner.Item, len(items))
	for i, item := range items {
		item := item
		batch[i] = runner.Item{
			Key: item.Name,
			Run: func(ctx context.Context) error {
				r := d.GenerateApp(ctx, item.Name, item.Prompt)
				mu.Lock()
				byName[item.Name] = r
				mu.Unlock()
				return r.Err
			},
		}
	}

	_, batchErr := runner.RunBatch(ctx, concurrency, batch, progress)

	ordered := make([]*AppResult, 0, len(byName))
	for _, item := range items {
		if r, ok := byName[item.Name]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, batchErr
}
