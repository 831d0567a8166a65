package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CheckBinaryFormat refuses agent binaries that cannot run inside a
// linux container. A macOS binary is the classic mistake; anything
// else odd just gets a warning. No file(1) on the host means no check.
func CheckBinaryFormat(path string) error {
	if path == "" {
		return nil
	}
	out, err := exec.Command("file", path).CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			log.Printf("warning: file command unavailable, skipping binary format check")
			return nil
		}
		return fmt.Errorf("checking binary format of %s: %w", path, err)
	}
	desc := strings.ToLower(string(out))
	if strings.Contains(desc, "mach-o") || strings.Contains(desc, "darwin") {
		return fmt.Errorf("%s is a macOS binary and cannot run in a linux container", path)
	}
	if !strings.Contains(desc, "elf") {
		log.Printf("warning: %s does not look like a linux binary: %s", path, strings.TrimSpace(string(out)))
	}
	return nil
}

// BulkRecord is one row of the bulk_run_results export.
type BulkRecord struct {
	AppName string  `json:"app_name"`
	Success bool    `json:"success"`
	AppDir  string  `json:"app_dir,omitempty"`
	LogFile string  `json:"log_file,omitempty"`
	Error   string  `json:"error,omitempty"`
	Backend string  `json:"backend"`
	Image   string  `json:"image"`
	CostUSD float64 `json:"cost_usd"`
	Tokens  int     `json:"tokens"`
	Turns   int     `json:"turns"`
}

func bulkRecord(r *AppResult, backendName, image string) BulkRecord {
	rec := BulkRecord{
		AppName: r.Name,
		Success: r.Err == nil,
		AppDir:  r.ArtifactDir,
		LogFile: r.LogFile,
		Backend: backendName,
		Image:   image,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if r.Metrics != nil {
		rec.CostUSD = r.Metrics.CostUSD
		rec.Tokens = r.Metrics.InputTokens + r.Metrics.OutputTokens
		rec.Turns = r.Metrics.Turns
	}
	return rec
}

// WriteBulkResults drops the per-run export next to the generated
// apps and returns its path.
func WriteBulkResults(dir, backendName, image string, results []*AppResult) (string, error) {
	records := make([]BulkRecord, 0, len(results))
	for _, r := range results {
		records = append(records, bulkRecord(r, backendName, image))
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling bulk results: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("bulk_run_results_%s.json", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing bulk results: %w", err)
	}
	return path, nil
}

// BulkStats aggregates a bulk run for the closing summary.
type BulkStats struct {
	Total       int
	Succeeded   int
	Failed      int
	WithMetrics int
	CostUSD     float64
	Tokens      int
	Turns       int
}

func Stats(results []*AppResult) BulkStats {
	s := BulkStats{Total: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			continue
		}
		s.Succeeded++
		if r.Metrics != nil {
			s.WithMetrics++
			s.CostUSD += r.Metrics.CostUSD
			s.Tokens += r.Metrics.InputTokens + r.Metrics.OutputTokens
			s.Turns += r.Metrics.Turns
		}
	}
	return s
}
