package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BuildImage tars up contextDir, minus the exclude patterns, and
// feeds it to docker build. The daemon's layer cache makes repeat
// builds cheap, so one image serves every sandbox in a run.
func (e *Engine) BuildImage(ctx context.Context, contextDir string, excludes []string, tag string) (string, error) {
	return buildImage(ctx, contextDir, excludes, tag)
}

// BuildImage builds from the same tar stream the engine backend uses.
func (d *CLIDriver) BuildImage(ctx context.Context, contextDir string, excludes []string, tag string) (string, error) {
	return buildImage(ctx, contextDir, excludes, tag)
}

func buildImage(ctx context.Context, contextDir string, excludes []string, tag string) (string, error) {
	contextDir, err := filepath.Abs(contextDir)
	if err != nil {
		return "", fmt.Errorf("resolving build context: %w", err)
	}
	if _, err := os.Stat(filepath.Join(contextDir, "Dockerfile")); err != nil {
		return "", fmt.Errorf("build context %s has no Dockerfile", contextDir)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeContextTar(pw, contextDir, excludes))
	}()

	cmd := exec.CommandContext(ctx, "docker", "build", "-t", tag, "-")
	cmd.Stdin = pr
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker build: %w\n%s", err, tailLines(string(out), 20))
	}
	return tag, nil
}

func buildFromDockerfile(ctx context.Context, dockerfile, tag string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "Dockerfile", Mode: 0o644, Size: int64(len(dockerfile))}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing build context: %w", err)
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return fmt.Errorf("writing build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("writing build context: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "build", "-t", tag, "-")
	cmd.Stdin = &buf
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker build: %w\n%s", err, tailLines(string(out), 20))
	}
	return nil
}

func writeContextTar(w io.Writer, dir string, excludes []string) error {
	tw := tar.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, excludes) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

// excluded matches root-relative prefixes ("app/", "results") plus
// bare-name patterns anywhere in the tree (".git", "__pycache__").
func excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSuffix(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if ok, _ := filepath.Match(p, seg); ok {
				return true
			}
		}
	}
	return false
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
