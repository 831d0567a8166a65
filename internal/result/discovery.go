package result

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveAppsDir follows the latest.txt indirection a bulk generation
// run leaves behind. The file may name the run directory outright or
// relative to baseDir; when neither exists, baseDir itself is used.
func ResolveAppsDir(baseDir string) string {
	data, err := os.ReadFile(filepath.Join(baseDir, "latest.txt"))
	if err != nil {
		return baseDir
	}
	candidate := strings.TrimSpace(string(data))
	if candidate == "" {
		return baseDir
	}
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	joined := filepath.Join(baseDir, candidate)
	if info, err := os.Stat(joined); err == nil && info.IsDir() {
		return joined
	}
	return baseDir
}

// ListApps returns the app subdirectories of appsDir in sorted order,
// skipping hidden entries and the logs/ directory generation runs keep
// alongside the apps.
func ListApps(appsDir string) ([]string, error) {
	entries, err := os.ReadDir(appsDir)
	if err != nil {
		return nil, fmt.Errorf("listing apps dir: %w", err)
	}
	var apps []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == "logs" {
			continue
		}
		apps = append(apps, name)
	}
	sort.Strings(apps)
	return apps, nil
}
