package cmd

import (
	"testing"
	"time"

	"github.com/signalnine/crucible/internal/config"
)

func TestAssignPortsFromBase(t *testing.T) {
	ports, err := assignPorts(8000, 3)
	if err != nil {
		t.Fatalf("assignPorts: %v", err)
	}
	want := []int{8001, 8002, 8003}
	for i := range want {
		if ports[i] != want[i] {
			t.Errorf("ports[%d] = %d, want %d", i, ports[i], want[i])
		}
	}
}

func TestAssignPortsFree(t *testing.T) {
	ports, err := assignPorts(0, 4)
	if err != nil {
		t.Fatalf("assignPorts: %v", err)
	}
	if len(ports) != 4 {
		t.Fatalf("expected 4 ports, got %d", len(ports))
	}
	seen := map[int]bool{}
	for _, p := range ports {
		if p <= 0 {
			t.Errorf("invalid port %d", p)
		}
		if seen[p] {
			t.Errorf("duplicate port %d", p)
		}
		seen[p] = true
	}
}

func TestStepTimeouts(t *testing.T) {
	got := stepTimeouts(config.Timeouts{InstallSec: 600, TestsSec: 240})
	if got.Install != 600*time.Second {
		t.Errorf("Install = %v, want 600s", got.Install)
	}
	if got.Test != 240*time.Second {
		t.Errorf("Test = %v, want 240s", got.Test)
	}
	// Unset steps stay zero so the evaluator applies its defaults.
	if got.Build != 0 || got.Semantic != 0 {
		t.Errorf("unset steps should be zero, got %+v", got)
	}
}
