package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mandelcache/mandelcache/pkg/grid"
)

func TestNewChunkScheduler(t *testing.T) {
	if s := NewChunkScheduler(0); s.Workers() <= 0 {
		t.Errorf("expected a positive default worker count, got %d", s.Workers())
	}
	if s := NewChunkScheduler(3); s.Workers() != 3 {
		t.Errorf("expected 3 workers, got %d", s.Workers())
	}
}

func TestChunkSchedulerRunsEveryChunkOnce(t *testing.T) {
	ranges := grid.SplitRows(37, 8)
	s := NewChunkScheduler(3)

	var mu sync.Mutex
	seen := make(map[int]int)
	err := s.Run(context.Background(), ranges, func(ctx context.Context, r grid.RowRange) error {
		mu.Lock()
		seen[r.Index]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(seen) != len(ranges) {
		t.Fatalf("expected %d chunks, got %d", len(ranges), len(seen))
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("chunk %d ran %d times", idx, n)
		}
	}
}

func TestChunkSchedulerBoundsConcurrency(t *testing.T) {
	s := NewChunkScheduler(2)

	var active, peak int32
	err := s.Run(context.Background(), grid.SplitRows(10, 10), func(ctx context.Context, r grid.RowRange) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent chunks, saw %d", peak)
	}
}

func TestChunkSchedulerFailFast(t *testing.T) {
	s := NewChunkScheduler(2)
	boom := errors.New("boom")

	var ran int32
	err := s.Run(context.Background(), grid.SplitRows(20, 20), func(ctx context.Context, r grid.RowRange) error {
		atomic.AddInt32(&ran, 1)
		if r.Index == 0 {
			return boom
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected the failing chunk's error, got %v", err)
	}
	if n := atomic.LoadInt32(&ran); n == 20 {
		t.Error("failure did not stop the remaining chunks")
	}
}

func TestChunkSchedulerCancellation(t *testing.T) {
	s := NewChunkScheduler(1)
	ctx, cancel := context.WithCancel(context.Background())

	var ran int32
	err := s.Run(ctx, grid.SplitRows(8, 8), func(ctx context.Context, r grid.RowRange) error {
		if atomic.AddInt32(&ran, 1) == 2 {
			cancel()
		}
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := atomic.LoadInt32(&ran); n != 2 {
		t.Errorf("expected 2 chunks before cancellation, got %d", n)
	}
}

func TestChunkSchedulerEmpty(t *testing.T) {
	called := false
	err := NewChunkScheduler(4).Run(context.Background(), nil, func(ctx context.Context, r grid.RowRange) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Errorf("expected no work and no error, got called=%v err=%v", called, err)
	}
}
