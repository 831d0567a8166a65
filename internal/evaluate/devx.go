package evaluate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Developer-experience heuristics. Both scores are 0-5, one point per
// criterion, judged from the app directory on the host. They run even
// when every sandbox check failed.

type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

func readPackageManifest(appDir string) *packageManifest {
	data, err := os.ReadFile(filepath.Join(appDir, "package.json"))
	if err != nil {
		return nil
	}
	var m packageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return &m
}

func localRunability(appDir string) (int, []string) {
	score := 0
	var missing []string

	manifest := readPackageManifest(appDir)
	if manifest != nil {
		score++
	} else {
		missing = append(missing, "package.json")
	}

	if manifest != nil && (manifest.Scripts["dev"] != "" || manifest.Scripts["start"] != "") {
		score++
	} else {
		missing = append(missing, "dev or start script")
	}

	if anyFileExists(appDir, "README.md", "README", "readme.md") {
		score++
	} else {
		missing = append(missing, "README")
	}

	if anyFileExists(appDir, ".env.example", ".env.template", "app.yaml") {
		score++
	} else {
		missing = append(missing, "environment documentation")
	}

	if anyFileExists(appDir, "package-lock.json", "yarn.lock", "pnpm-lock.yaml") {
		score++
	} else {
		missing = append(missing, "lockfile")
	}

	return score, missing
}

func deployability(appDir string) (int, []string) {
	score := 0
	var missing []string

	if anyFileExists(appDir, "app.yaml", "Dockerfile") {
		score++
	} else {
		missing = append(missing, "app.yaml or Dockerfile")
	}

	manifest := readPackageManifest(appDir)
	if manifest != nil && manifest.Scripts["build"] != "" {
		score++
	} else {
		missing = append(missing, "build script")
	}

	if manifest != nil && manifest.Scripts["start"] != "" {
		score++
	} else {
		missing = append(missing, "start script")
	}

	if gitignoreCovers(appDir, "node_modules") {
		score++
	} else {
		missing = append(missing, "node_modules in .gitignore")
	}

	if portFromEnv(appDir) {
		score++
	} else {
		missing = append(missing, "port read from environment")
	}

	return score, missing
}

func anyFileExists(dir string, names ...string) bool {
	for _, name := range names {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

func gitignoreCovers(appDir, entry string) bool {
	data, err := os.ReadFile(filepath.Join(appDir, ".gitignore"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(strings.TrimSpace(line), entry) {
			return true
		}
	}
	return false
}

// portFromEnv looks through the usual server entry points for a port
// taken from the environment instead of a hardcoded number.
func portFromEnv(appDir string) bool {
	candidates := []string{
		"server.ts", "server.js", "index.ts", "index.js", "app.ts", "app.js",
		filepath.Join("src", "server.ts"), filepath.Join("src", "index.ts"),
		filepath.Join("src", "server.js"), filepath.Join("src", "index.js"),
		filepath.Join("server", "index.ts"), filepath.Join("server", "index.js"),
	}
	for _, rel := range candidates {
		data, err := os.ReadFile(filepath.Join(appDir, rel))
		if err != nil {
			continue
		}
		src := string(data)
		if strings.Contains(src, "process.env.DATABRICKS_APP_PORT") || strings.Contains(src, "process.env.PORT") {
			return true
		}
	}
	return false
}
