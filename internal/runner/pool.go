package runner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Item is one unit of batch work keyed by a unique name.
type Item struct {
	Key string
	Run func(ctx context.Context) error
}

// RunBatch executes items with at most concurrency in flight. Every
// executed item gets exactly one slot in the returned map (nil on
// success) and exactly one onComplete call; a worker that fails or
// panics poisons only its own slot. Cancelling ctx stops new items
// from starting, leaves them without slots, and is reported as the
// batch error.
func RunBatch(ctx context.Context, concurrency int, items []Item, onComplete func(key string, ok bool)) (map[string]error, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Key == "" {
			return nil, fmt.Errorf("batch item with empty key")
		}
		if seen[it.Key] {
			return nil, fmt.Errorf("duplicate batch key %q", it.Key)
		}
		seen[it.Key] = true
	}

	var (
		mu    sync.Mutex
		slots = make(map[string]error, len(items))
	)
	record := func(key string, err error) {
		mu.Lock()
		slots[key] = err
		mu.Unlock()
		if onComplete != nil {
			onComplete(key, err == nil)
		}
	}

	var eg errgroup.Group
	eg.SetLimit(concurrency)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		it := it
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := runItem(ctx, it)
			record(it.Key, err)
			return nil
		})
	}
	eg.Wait()
	return slots, ctx.Err()
}

func runItem(ctx context.Context, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return it.Run(ctx)
}
