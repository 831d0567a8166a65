package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AppMount is where the application directory lands inside a sandbox,
// and EvalDir is where the check scripts go.
const (
	AppMount = "/app"
	EvalDir  = "/eval"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type CreateOpts struct {
	// Name feeds container naming; it does not need to be unique.
	Name    string
	Image   string
	Mounts  []Mount
	WorkDir string
	// Env is the baseline environment applied to every exec.
	Env map[string]string
	// Port is published by backends that support publishing; scripts
	// see it through the environment either way. 0 means none.
	Port int
	// Scripts are installed under EvalDir before the first exec,
	// keyed by file name.
	Scripts map[string]string
	// Setup commands run once at creation and their effects persist
	// for the life of the sandbox.
	Setup [][]string
}

type ExecOpts struct {
	Argv []string
	// Dir overrides the sandbox working directory when set.
	Dir string
	// Env entries are merged over the baseline for this exec only.
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult is an ordinary result even for failed or timed out
// commands. ExitCode 124 with TimedOut set means the per-command
// timeout fired.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

type Sandbox interface {
	Exec(ctx context.Context, opts *ExecOpts) (*ExecResult, error)
	Port() int
	// Cleanup is idempotent and never propagates failures.
	Cleanup()
}

type Backend interface {
	Create(ctx context.Context, opts *CreateOpts) (Sandbox, error)
	Name() string
	Close() error
}

// ImageBuilder is the extra capability of backends that can bake a
// build context into a layer-cached image shared by many sandboxes in
// one run.
type ImageBuilder interface {
	BuildImage(ctx context.Context, contextDir string, excludes []string, tag string) (string, error)
}

func mergeEnv(base, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func absMounts(mounts []Mount) ([]Mount, error) {
	out := make([]Mount, len(mounts))
	for i, m := range mounts {
		src, err := filepath.Abs(m.Source)
		if err != nil {
			return nil, fmt.Errorf("resolving mount source %q: %w", m.Source, err)
		}
		out[i] = Mount{Source: src, Target: m.Target, ReadOnly: m.ReadOnly}
	}
	return out, nil
}

// shellJoin renders argv as a single-quoted shell command line.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(parts, " ")
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-.")
	if s == "" {
		return "sandbox"
	}
	return s
}
