package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir := filepath.Join(runsDir, stamp)
	runDir, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

func AppDir(runDir, appName string) string {
	return filepath.Join(runDir, "apps", appName)
}

func WriteAppResult(runDir string, res *EvalResult) error {
	dir := AppDir(runDir, res.AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating app result dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "result.json"), data, 0o644)
}

// WriteReport stores the aggregate report document at the run root.
func WriteReport(runDir string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(filepath.Join(runDir, "report.json"), data, 0o644)
}

func ReadAppResult(path string) (*EvalResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	var res EvalResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	return &res, nil
}

// ReadGenerationMetrics loads the generation_metrics.json the agent
// dropped next to the app. Returns nil without error when the file is
// absent; a file that exists but does not parse is reported.
func ReadGenerationMetrics(appDir string) (*GenerationMetrics, error) {
	data, err := os.ReadFile(filepath.Join(appDir, "generation_metrics.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading generation metrics: %w", err)
	}
	var m GenerationMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing generation metrics: %w", err)
	}
	return &m, nil
}

// Timestamp returns the ISO-8601 UTC stamp recorded on every result.
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
