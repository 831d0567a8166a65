package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CLIDriver shells out to the docker binary. It keeps one container
// alive per sandbox and runs every command through docker exec, which
// is the only option on hosts where the engine API socket is not
// reachable (Databricks runtimes, remote shells with just the CLI).
type CLIDriver struct{}

func NewCLIDriver() (*CLIDriver, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &CLIDriver{}, nil
}

func (d *CLIDriver) Name() string { return "cli" }

func (d *CLIDriver) Close() error { return nil }

func (d *CLIDriver) Create(ctx context.Context, opts *CreateOpts) (Sandbox, error) {
	mounts, err := absMounts(opts.Mounts)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("crucible-%s-%d-%s",
		sanitizeName(opts.Name), opts.Port, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	args := []string{"run", "-d", "--name", name, "--label", "crucible=true"}
	for _, m := range mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for k, v := range opts.Env {
		if v == "" {
			continue
		}
		args = append(args, "-e", k+"="+v)
	}
	if opts.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:%d", opts.Port, opts.Port))
	}
	args = append(args, opts.Image, "tail", "-f", "/dev/null")

	createCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(createCtx, "docker", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("starting sandbox container: %w\n%s", err, strings.TrimSpace(string(out)))
	}

	sb := &cliSandbox{name: name, workDir: opts.WorkDir, env: opts.Env, port: opts.Port}
	if len(opts.Scripts) > 0 {
		if err := sb.installScripts(ctx, opts.Scripts); err != nil {
			sb.Cleanup()
			return nil, err
		}
	}
	for _, argv := range opts.Setup {
		res, err := sb.Exec(ctx, &ExecOpts{Argv: argv, Timeout: 2 * time.Minute})
		if err != nil {
			sb.Cleanup()
			return nil, fmt.Errorf("sandbox setup: %w", err)
		}
		if res.ExitCode != 0 {
			sb.Cleanup()
			return nil, fmt.Errorf("sandbox setup %q failed with exit %d: %s",
				strings.Join(argv, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return sb, nil
}

type cliSandbox struct {
	name    string
	workDir string
	env     map[string]string
	port    int
	cleaned atomic.Bool
}

func (s *cliSandbox) Port() int { return s.port }

func (s *cliSandbox) installScripts(ctx context.Context, scripts map[string]string) error {
	tmp, err := os.MkdirTemp("", "crucible-scripts-")
	if err != nil {
		return fmt.Errorf("staging scripts: %w", err)
	}
	defer os.RemoveAll(tmp)

	if out, err := exec.CommandContext(ctx, "docker", "exec", s.name, "mkdir", "-p", EvalDir).CombinedOutput(); err != nil {
		return fmt.Errorf("creating %s: %w\n%s", EvalDir, err, strings.TrimSpace(string(out)))
	}
	for fname, body := range scripts {
		hostPath := filepath.Join(tmp, fname)
		if err := os.WriteFile(hostPath, []byte(body), 0o755); err != nil {
			return fmt.Errorf("staging script %s: %w", fname, err)
		}
		dest := s.name + ":" + EvalDir + "/" + fname
		if out, err := exec.CommandContext(ctx, "docker", "cp", hostPath, dest).CombinedOutput(); err != nil {
			return fmt.Errorf("copying script %s: %w\n%s", fname, err, strings.TrimSpace(string(out)))
		}
	}
	if out, err := exec.CommandContext(ctx, "docker", "exec", s.name, "sh", "-c", "chmod +x "+EvalDir+"/*.sh").CombinedOutput(); err != nil {
		return fmt.Errorf("marking scripts executable: %w\n%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *cliSandbox) Exec(ctx context.Context, opts *ExecOpts) (*ExecResult, error) {
	args := []string{"exec"}
	dir := s.workDir
	if opts.Dir != "" {
		dir = opts.Dir
	}
	if dir != "" {
		args = append(args, "-w", dir)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, s.name)
	args = append(args, opts.Argv...)

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && ctx.Err() == nil {
		return &ExecResult{
			ExitCode: 124,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("command timed out after %s", opts.Timeout),
			TimedOut: true,
			Duration: elapsed,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExecResult{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				Duration: elapsed,
			}, nil
		}
		return nil, fmt.Errorf("docker exec: %w", err)
	}
	return &ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}, nil
}

func (s *cliSandbox) Cleanup() {
	if s.cleaned.Swap(true) {
		return
	}
	if out, err := exec.Command("docker", "rm", "-f", s.name).CombinedOutput(); err != nil {
		log.Printf("warning: removing container %s: %v (%s)", s.name, err, strings.TrimSpace(string(out)))
	}
}
