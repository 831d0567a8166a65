package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

// Engine talks to the container engine API directly. Each exec runs
// in a fresh container over the sandbox's bind mounts, so installed
// packages and build artifacts persist on the mounts between execs
// while the containers themselves stay disposable. Setup commands are
// baked into a derived image once per run, which is what makes many
// sandboxes cheap to derive from one base.
type Engine struct {
	cli *client.Client

	mu       sync.Mutex
	prepared map[string]string
}

func NewEngine() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Engine{cli: cli, prepared: make(map[string]string)}, nil
}

func (e *Engine) Name() string { return "engine" }

func (e *Engine) Close() error { return e.cli.Close() }

func (e *Engine) Create(ctx context.Context, opts *CreateOpts) (Sandbox, error) {
	image := opts.Image
	if len(opts.Setup) > 0 {
		prepared, err := e.prepareImage(ctx, opts.Image, opts.Setup)
		if err != nil {
			return nil, fmt.Errorf("preparing image: %w", err)
		}
		image = prepared
	}

	mounts, err := absMounts(opts.Mounts)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "crucible-eval-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(scratch, ".cap"), 0o777); err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("creating capture dir: %w", err)
	}
	for name, body := range opts.Scripts {
		if err := os.WriteFile(filepath.Join(scratch, name), []byte(body), 0o755); err != nil {
			os.RemoveAll(scratch)
			return nil, fmt.Errorf("writing script %s: %w", name, err)
		}
	}
	mounts = append(mounts, Mount{Source: scratch, Target: EvalDir})

	return &engineSandbox{
		cli:     e.cli,
		image:   image,
		mounts:  mounts,
		workDir: opts.WorkDir,
		env:     opts.Env,
		port:    opts.Port,
		scratch: scratch,
	}, nil
}

// prepareImage bakes the setup commands into a derived image. The tag
// is content-addressed so repeat runs hit the engine's layer cache and
// concurrent sandbox creation builds it only once.
func (e *Engine) prepareImage(ctx context.Context, base string, setup [][]string) (string, error) {
	key := base
	for _, argv := range setup {
		key += "\x00" + strings.Join(argv, "\x1f")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if img, ok := e.prepared[key]; ok {
		return img, nil
	}

	var df strings.Builder
	fmt.Fprintf(&df, "FROM %s\n", base)
	for _, argv := range setup {
		fmt.Fprintf(&df, "RUN %s\n", shellJoin(argv))
	}
	tag := fmt.Sprintf("crucible-base:%x", sha256.Sum256([]byte(key)))[:32]

	if err := buildFromDockerfile(ctx, df.String(), tag); err != nil {
		return "", err
	}
	e.prepared[key] = tag
	return tag, nil
}

type engineSandbox struct {
	cli     *client.Client
	image   string
	mounts  []Mount
	workDir string
	env     map[string]string
	port    int
	scratch string
	seq     atomic.Int64
	cleaned atomic.Bool
}

func (s *engineSandbox) Port() int { return s.port }

func (s *engineSandbox) Exec(ctx context.Context, opts *ExecOpts) (*ExecResult, error) {
	seq := s.seq.Add(1)
	outName := fmt.Sprintf(".cap/%03d.out", seq)
	errName := fmt.Sprintf(".cap/%03d.err", seq)

	// Stdout and stderr land in files on the /eval mount so they come
	// back without the engine's stream multiplexing headers.
	cmdline := fmt.Sprintf("%s >%s/%s 2>%s/%s",
		shellJoin(opts.Argv), EvalDir, outName, EvalDir, errName)

	mounts := make([]mount.Mount, 0, len(s.mounts))
	for _, m := range s.mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	workDir := s.workDir
	if opts.Dir != "" {
		workDir = opts.Dir
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	containerCfg := &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", cmdline},
		WorkingDir: workDir,
		Env:        mergeEnv(s.env, opts.Env),
		Labels:     map[string]string{"crucible": "true"},
	}

	createResp, err := s.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		s.cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := s.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	timeoutCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		timeoutCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	waitResult := s.cli.ContainerWait(timeoutCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				// nil error means no error on this channel; wait for result
				continue
			}
			if timeoutCtx.Err() != nil && ctx.Err() == nil {
				s.cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
				stdout, stderr := s.readCaptures(outName, errName)
				if stderr != "" {
					stderr += "\n"
				}
				stderr += fmt.Sprintf("command timed out after %s", opts.Timeout)
				return &ExecResult{
					ExitCode: 124,
					Stdout:   stdout,
					Stderr:   stderr,
					TimedOut: true,
					Duration: time.Since(start),
				}, nil
			}
			return nil, fmt.Errorf("waiting for container: %w", err)
		case status := <-waitResult.Result:
			stdout, stderr := s.readCaptures(outName, errName)
			return &ExecResult{
				ExitCode: int(status.StatusCode),
				Stdout:   stdout,
				Stderr:   stderr,
				Duration: time.Since(start),
			}, nil
		}
	}
}

func (s *engineSandbox) readCaptures(outName, errName string) (string, string) {
	stdout, err := os.ReadFile(filepath.Join(s.scratch, filepath.FromSlash(outName)))
	if err != nil && !os.IsNotExist(err) {
		log.Printf("warning: reading stdout capture: %v", err)
	}
	stderr, err := os.ReadFile(filepath.Join(s.scratch, filepath.FromSlash(errName)))
	if err != nil && !os.IsNotExist(err) {
		log.Printf("warning: reading stderr capture: %v", err)
	}
	return string(stdout), string(stderr)
}

func (s *engineSandbox) Cleanup() {
	if s.cleaned.Swap(true) {
		return
	}
	if err := os.RemoveAll(s.scratch); err != nil {
		log.Printf("warning: removing scratch dir %s: %v", s.scratch, err)
	}
}
