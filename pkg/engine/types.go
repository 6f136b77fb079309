package engine

import (
	"runtime"
	"time"

	"github.com/mandelcache/mandelcache/pkg/grid"
)

// Source describes how a dataset was obtained.
type Source string

const (
	// SourceHit means the exact dataset was already cached.
	SourceHit Source = "hit"

	// SourceIncremental means a cached dataset with fewer iterations was extended.
	SourceIncremental Source = "incremental"

	// SourceFresh means the dataset was computed from zero iterates.
	SourceFresh Source = "fresh"
)

// Options configures a Generator.
type Options struct {
	// Workers is the number of chunks computed concurrently. Defaults to NumCPU.
	Workers int

	// ChunkFactor is the number of row chunks per worker. Defaults to 2.
	ChunkFactor int

	// Grid controls precision selection and decimal digits.
	Grid grid.Options
}

// DefaultOptions returns one worker per CPU and two chunks per worker.
func DefaultOptions() Options {
	return Options{
		Workers:     runtime.NumCPU(),
		ChunkFactor: 2,
		Grid:        grid.DefaultOptions(),
	}
}

// GenerateOptions controls a single Generate call.
type GenerateOptions struct {
	// ForceRegen skips the exact cache hit. A cached dataset with fewer iterations
	// may still be extended.
	ForceRegen bool
}

// Report summarizes the last Generate call.
type Report struct {
	RequestID      string
	Source         Source
	Precision      string
	BaseIterations int
	Chunks         int
	Duration       time.Duration
}
