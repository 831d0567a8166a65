package runner_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/crucible/internal/runner"
)

func TestRunBatch(t *testing.T) {
	var count atomic.Int32
	items := make([]runner.Item, 10)
	for i := range items {
		items[i] = runner.Item{
			Key: fmt.Sprintf("app-%d", i),
			Run: func(ctx context.Context) error {
				count.Add(1)
				return nil
			},
		}
	}
	slots, err := runner.RunBatch(context.Background(), 3, items, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if count.Load() != 10 {
		t.Errorf("expected 10 runs, got %d", count.Load())
	}
	if len(slots) != 10 {
		t.Errorf("expected 10 slots, got %d", len(slots))
	}
	for key, slotErr := range slots {
		if slotErr != nil {
			t.Errorf("%s: unexpected error %v", key, slotErr)
		}
	}
}

func TestRunBatchConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]runner.Item, 12)
	for i := range items {
		items[i] = runner.Item{
			Key: fmt.Sprintf("app-%d", i),
			Run: func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			},
		}
	}
	if _, err := runner.RunBatch(context.Background(), 4, items, nil); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if got := peak.Load(); got > 4 {
		t.Errorf("concurrency bound exceeded: peak %d", got)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	items := []runner.Item{
		{Key: "good", Run: func(ctx context.Context) error { return nil }},
		{Key: "bad", Run: func(ctx context.Context) error { return fmt.Errorf("boom") }},
		{Key: "also-good", Run: func(ctx context.Context) error { return nil }},
	}
	slots, err := runner.RunBatch(context.Background(), 2, items, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if slots["bad"] == nil {
		t.Error("failed item should have an error slot")
	}
	if slots["good"] != nil || slots["also-good"] != nil {
		t.Error("sibling failure leaked into healthy slots")
	}
}

func TestRunBatchRecoversPanics(t *testing.T) {
	items := []runner.Item{
		{Key: "panicky", Run: func(ctx context.Context) error { panic("kaboom") }},
		{Key: "calm", Run: func(ctx context.Context) error { return nil }},
	}
	slots, err := runner.RunBatch(context.Background(), 2, items, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if slots["panicky"] == nil {
		t.Fatal("panic should surface as the item's error")
	}
	if slots["calm"] != nil {
		t.Error("panic in one item poisoned a sibling")
	}
}

func TestRunBatchOnCompleteExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)
	oks := make(map[string]bool)
	items := []runner.Item{
		{Key: "a", Run: func(ctx context.Context) error { return nil }},
		{Key: "b", Run: func(ctx context.Context) error { return fmt.Errorf("nope") }},
		{Key: "c", Run: func(ctx context.Context) error { return nil }},
	}
	_, err := runner.RunBatch(context.Background(), 2, items, func(key string, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		calls[key]++
		oks[key] = ok
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if calls[key] != 1 {
			t.Errorf("%s: onComplete called %d times", key, calls[key])
		}
	}
	if !oks["a"] || oks["b"] || !oks["c"] {
		t.Errorf("ok flags wrong: %v", oks)
	}
}

func TestRunBatchDuplicateKeys(t *testing.T) {
	items := []runner.Item{
		{Key: "same", Run: func(ctx context.Context) error { return nil }},
		{Key: "same", Run: func(ctx context.Context) error { return nil }},
	}
	if _, err := runner.RunBatch(context.Background(), 2, items, nil); err == nil {
		t.Error("duplicate keys should be rejected")
	}
}

func TestRunBatchCancellationSkipsQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	release := make(chan struct{})
	items := make([]runner.Item, 6)
	for i := range items {
		items[i] = runner.Item{
			Key: fmt.Sprintf("app-%d", i),
			Run: func(ctx context.Context) error {
				started.Add(1)
				<-release
				return nil
			},
		}
	}
	var wg sync.WaitGroup
	wg.Add(1)
	var slots map[string]error
	var batchErr error
	go func() {
		defer wg.Done()
		slots, batchErr = runner.RunBatch(ctx, 2, items, nil)
	}()
	for started.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(release)
	wg.Wait()

	if batchErr == nil {
		t.Error("cancelled batch should report the cancellation")
	}
	if n := int(started.Load()); n >= len(items) {
		t.Errorf("queued items should have been skipped, but %d started", n)
	}
	if len(slots) >= len(items) {
		t.Errorf("skipped items must not get slots, got %d", len(slots))
	}
}

func TestRunBatchAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	items := []runner.Item{
		{Key: "never", Run: func(ctx context.Context) error { ran.Add(1); return nil }},
	}
	calls := 0
	slots, err := runner.RunBatch(ctx, 2, items, func(string, bool) { calls++ })
	if err == nil {
		t.Error("expected cancellation error")
	}
	if ran.Load() != 0 {
		t.Error("item ran despite cancelled context")
	}
	if len(slots) != 0 || calls != 0 {
		t.Errorf("cancelled batch produced slots=%d calls=%d", len(slots), calls)
	}
}
