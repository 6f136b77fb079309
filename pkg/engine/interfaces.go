package engine

import (
	"context"

	"github.com/mandelcache/mandelcache/pkg/cache"
	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/stores"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// ResultCache stores datasets by bounds and iteration count.
type ResultCache interface {
	// Exists reports whether a dataset for the exact key is cached.
	Exists(spec viewport.Spec) bool

	// Get loads the dataset for the exact key.
	Get(spec viewport.Spec) (*dataset.Dataset, error)

	// GetClosest loads the dataset with the same bounds and the largest iteration
	// count not above the requested one, or nil when there is none.
	GetClosest(spec viewport.Spec) (*dataset.Dataset, error)

	// Commit persists a dataset under the key of spec.
	Commit(spec viewport.Spec, ds *dataset.Dataset) error

	// EvictKey drops one entry.
	EvictKey(key viewport.Key) error

	// Cleanup removes every cached dataset.
	Cleanup() error
}

// Ledger records the outcome of generate calls.
type Ledger interface {
	RecordGeneration(ctx context.Context, gen *stores.Generation) error
}

var (
	_ ResultCache = (*cache.Cache)(nil)
	_ Ledger      = (*stores.SQLiteStore)(nil)
)
