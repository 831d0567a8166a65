package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Tag classifies an application's stack and selects which check
// script bundle applies to it.
type Tag string

const (
	TRPC    Tag = "trpc"
	DBXSDK  Tag = "dbx-sdk"
	NodeWeb Tag = "node-web"
	Docker  Tag = "docker"
	Unknown Tag = "unknown"
)

type manifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Detect inspects appDir and returns its template tag. A directory
// with a package.json is some flavor of node app even when the
// manifest is corrupt. Docker means a container-build file with no
// node manifest, which the check pipeline does not support.
func Detect(appDir string) Tag {
	data, err := os.ReadFile(filepath.Join(appDir, "package.json"))
	if err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return NodeWeb
		}
		if hasDepPrefix(&m, "@trpc/") {
			return TRPC
		}
		if hasDepPrefix(&m, "@databricks/") {
			return DBXSDK
		}
		return NodeWeb
	}
	if HasDockerfile(appDir) {
		return Docker
	}
	return Unknown
}

func hasDepPrefix(m *manifest, prefix string) bool {
	for name := range m.Dependencies {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for name := range m.DevDependencies {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func HasDockerfile(appDir string) bool {
	info, err := os.Stat(filepath.Join(appDir, "Dockerfile"))
	return err == nil && !info.IsDir()
}
