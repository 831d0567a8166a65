package generate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadPrompts reads a prompt set: a YAML map of app name to prompt text.
func LoadPrompts(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts %s: %w", path, err)
	}
	var prompts map[string]string
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("parsing prompts %s: %w", path, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts found in %s", path)
	}
	for name, prompt := range prompts {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("prompts %s: empty app name", path)
		}
		if strings.TrimSpace(prompt) == "" {
			return nil, fmt.Errorf("prompts %s: app %q has an empty prompt", path, name)
		}
	}
	return prompts, nil
}

// PromptItems orders a prompt set by app name for deterministic runs.
func PromptItems(prompts map[string]string) []BulkItem {
	items := make([]BulkItem, 0, len(prompts))
	for name, prompt := range prompts {
		items = append(items, BulkItem{Name: name, Prompt: prompt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
