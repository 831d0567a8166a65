package generate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalnine/crucible/internal/generate"
)

func writePrompts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPrompts(t *testing.T) {
	path := writePrompts(t, `
todo-app: Build a todo list with persistence.
dashboard: |
  Build a sales dashboard.
  Show revenue by region.
`)
	prompts, err := generate.LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
	if prompts["todo-app"] != "Build a todo list with persistence." {
		t.Errorf("unexpected prompt: %q", prompts["todo-app"])
	}
}

func TestLoadPromptsEmpty(t *testing.T) {
	path := writePrompts(t, "")
	if _, err := generate.LoadPrompts(path); err == nil {
		t.Fatal("expected error for empty prompt set")
	}
}

func TestLoadPromptsBlankPrompt(t *testing.T) {
	path := writePrompts(t, "todo-app: \"  \"\n")
	if _, err := generate.LoadPrompts(path); err == nil {
		t.Fatal("expected error for blank prompt")
	}
}

func TestLoadPromptsMissing(t *testing.T) {
	if _, err := generate.LoadPrompts(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPromptItemsSorted(t *testing.T) {
	items := generate.PromptItems(map[string]string{
		"zeta":  "z",
		"alpha": "a",
		"mid":   "m",
	})
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if items[i].Name != name {
			t.Errorf("items[%d] = %q, want %q", i, items[i].Name, name)
		}
	}
}
