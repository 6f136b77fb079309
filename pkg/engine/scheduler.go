package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/mandelcache/mandelcache/pkg/grid"
)

// ChunkFunc computes one row chunk. Implementations write their output to storage
// owned by the chunk and must return promptly once ctx is done.
type ChunkFunc func(ctx context.Context, r grid.RowRange) error

// ChunkScheduler runs row chunks on a fixed-size pool of worker goroutines.
type ChunkScheduler struct {
	// workers is the maximum number of concurrent workers
	workers int
}

// NewChunkScheduler creates a scheduler with the given number of workers. A
// non-positive count uses one worker per CPU.
func NewChunkScheduler(workers int) *ChunkScheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ChunkScheduler{workers: workers}
}

// Workers returns the pool size.
func (s *ChunkScheduler) Workers() int {
	return s.workers
}

// Run executes fn for every range and waits for all workers to finish. The first
// chunk failure cancels the remaining chunks and is returned. When ctx is done the
// context error is returned instead, whatever the chunks reported.
func (s *ChunkScheduler) Run(ctx context.Context, ranges []grid.RowRange, fn ChunkFunc) error {
	if len(ranges) == 0 {
		return nil
	}

	workerCount := s.workers
	if len(ranges) < workerCount {
		workerCount = len(ranges)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Create work queue
	workQueue := make(chan grid.RowRange, len(ranges))
	for _, r := range ranges {
		workQueue <- r
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(ranges))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for r := range workQueue {
				// Check for cancellation
				select {
				case <-runCtx.Done():
					return
				default:
				}

				if err := fn(runCtx, r); err != nil {
					errChan <- fmt.Errorf("chunk %d (rows %d-%d) failed: %w", r.Index, r.Start, r.End, err)
					cancel()
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	if err := ctx.Err(); err != nil {
		return err
	}

	// Chunks stopped by a sibling's failure report context.Canceled; prefer the cause.
	var firstErr error
	for err := range errChan {
		if firstErr == nil || (errors.Is(firstErr, context.Canceled) && !errors.Is(err, context.Canceled)) {
			firstErr = err
		}
	}

	return firstErr
}
