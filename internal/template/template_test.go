package template_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/crucible/internal/template"
)

func writeApp(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDetectTRPC(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"dependencies": {"@trpc/server": "^10.0.0", "react": "^18.0.0"}}`,
	})
	if got := template.Detect(dir); got != template.TRPC {
		t.Errorf("got %q, want %q", got, template.TRPC)
	}
}

func TestDetectTRPCFromDevDependencies(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"devDependencies": {"@trpc/client": "^10.0.0"}}`,
	})
	if got := template.Detect(dir); got != template.TRPC {
		t.Errorf("got %q, want %q", got, template.TRPC)
	}
}

func TestDetectDBXSDK(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"dependencies": {"@databricks/sql": "^1.8.0"}}`,
	})
	if got := template.Detect(dir); got != template.DBXSDK {
		t.Errorf("got %q, want %q", got, template.DBXSDK)
	}
}

func TestDetectTRPCWinsOverDBXSDK(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"dependencies": {"@databricks/sql": "^1.8.0", "@trpc/server": "^10.0.0"}}`,
	})
	if got := template.Detect(dir); got != template.TRPC {
		t.Errorf("got %q, want %q", got, template.TRPC)
	}
}

func TestDetectNodeWeb(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"dependencies": {"express": "^4.18.0"}}`,
	})
	if got := template.Detect(dir); got != template.NodeWeb {
		t.Errorf("got %q, want %q", got, template.NodeWeb)
	}
}

func TestDetectCorruptManifestIsNodeWeb(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"dependencies": {`,
	})
	if got := template.Detect(dir); got != template.NodeWeb {
		t.Errorf("got %q, want %q", got, template.NodeWeb)
	}
}

func TestDetectDockerOnly(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"Dockerfile": "FROM python:3.12\n",
	})
	if got := template.Detect(dir); got != template.Docker {
		t.Errorf("got %q, want %q", got, template.Docker)
	}
}

func TestDetectManifestWinsOverDockerfile(t *testing.T) {
	dir := writeApp(t, map[string]string{
		"package.json": `{"dependencies": {"express": "^4.18.0"}}`,
		"Dockerfile":   "FROM node:20\n",
	})
	if got := template.Detect(dir); got != template.NodeWeb {
		t.Errorf("got %q, want %q", got, template.NodeWeb)
	}
}

func TestDetectUnknown(t *testing.T) {
	dir := writeApp(t, map[string]string{"main.py": "print('hi')\n"})
	if got := template.Detect(dir); got != template.Unknown {
		t.Errorf("got %q, want %q", got, template.Unknown)
	}
}

func TestScriptsBundles(t *testing.T) {
	for _, tag := range []template.Tag{template.TRPC, template.DBXSDK, template.NodeWeb, template.Unknown} {
		bundle := template.Scripts(tag)
		for _, name := range []string{"install.sh", "build.sh", "start.sh", "typecheck.sh", "test.sh"} {
			if bundle[name] == "" {
				t.Errorf("%s: missing %s", tag, name)
			}
		}
	}
	if template.Scripts(template.Docker) != nil {
		t.Error("docker tag should have no script bundle")
	}
}

func TestScriptsTRPCDataProbe(t *testing.T) {
	generic := template.Scripts(template.NodeWeb)["data.sh"]
	trpc := template.Scripts(template.TRPC)["data.sh"]
	if generic == trpc {
		t.Error("trpc bundle should carry its own data probe")
	}
}

func TestHasDockerfile(t *testing.T) {
	dir := writeApp(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	if !template.HasDockerfile(dir) {
		t.Error("expected Dockerfile to be found")
	}
	if template.HasDockerfile(t.TempDir()) {
		t.Error("empty dir should have no Dockerfile")
	}
}
