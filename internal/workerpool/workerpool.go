// Package workerpool provides the bounded fan-out used by both
// DiscoveryPipeline and RefreshPipeline (spec.md §5): a fixed number of
// goroutines draining a work queue, checking cancellation between items
// rather than mid-item, per spec.md §5's "workers check cancellation at
// safe points (between DUEs, between auxiliary calls)".
package workerpool

import (
	"context"
	"sync"
)

// Run drains items across size workers (size is clamped to at least 1),
// calling work for each item that hasn't been cancelled yet. When work
// returns an error, onError is called instead of aborting the whole run —
// per-item errors never stop the pool. Once ctx is done, workers take no
// new items, but items already in progress run to completion; Run returns
// when every worker has finished, with ctx.Err().
func Run[T any](ctx context.Context, size int, items []T, work func(context.Context, T) error, onError func(T, error)) error {
	if size < 1 {
		size = 1
	}
	if len(items) == 0 {
		return nil
	}

	queue := make(chan T, len(items))
	for _, it := range items {
		queue <- it
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if err := work(ctx, item); err != nil {
					onError(item, err)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
