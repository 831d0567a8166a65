package evaluate

import (
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

// parseCoverage pulls the line coverage percentage out of an istanbul
// style text summary, e.g. "All files | 83.4 % | ...". The last
// matching line wins; anything unparseable is skipped. 0 means no
// coverage figure was found.
func parseCoverage(output string) float64 {
	coverage := 0.0
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(strings.ToLower(line), "all files") || !strings.Contains(line, "%") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			continue
		}
		cell := strings.TrimSpace(strings.ReplaceAll(parts[1], "%", ""))
		value, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			continue
		}
		coverage = value
	}
	return coverage
}

// hasTestFiles reports whether appDir carries its own *.test.ts or
// *.spec.ts files, ignoring whatever npm dragged into node_modules.
func hasTestFiles(appDir string) bool {
	found := false
	filepath.WalkDir(appDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".test.ts") || strings.HasSuffix(name, ".spec.ts") {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
