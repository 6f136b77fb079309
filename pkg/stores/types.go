package stores

import (
	"context"
	"time"
)

// GenerationStatus represents the outcome of a generate call
type GenerationStatus string

const (
	GenerationStatusCompleted GenerationStatus = "completed"
	GenerationStatusCancelled GenerationStatus = "cancelled"
	GenerationStatusFailed    GenerationStatus = "failed"
)

// Generation is one recorded generate call.
type Generation struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`

	XMin       float64 `json:"xmin"`
	XMax       float64 `json:"xmax"`
	YMin       float64 `json:"ymin"`
	YMax       float64 `json:"ymax"`
	Iterations int     `json:"iterations"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`

	// Source is how the dataset was produced: hit, incremental or fresh.
	Source    string `json:"source"`
	Precision string `json:"precision"`

	// BaseIterations is the iteration count of the dataset that was extended; zero
	// unless Source is incremental.
	BaseIterations int `json:"base_iterations"`
	Chunks         int `json:"chunks"`
	InteriorPixels int `json:"interior_pixels"`

	Status      GenerationStatus `json:"status"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	DurationMS  int64            `json:"duration_ms"`
}

// Duration returns how long the generation took.
func (g *Generation) Duration() time.Duration {
	return time.Duration(g.DurationMS) * time.Millisecond
}

// GenerationFilter narrows ListGenerations. Zero fields do not filter.
type GenerationFilter struct {
	Status GenerationStatus
	Source string
	Since  time.Time
}

// Store defines the interface for the generation ledger
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Generation operations
	RecordGeneration(ctx context.Context, gen *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerations(ctx context.Context, filter GenerationFilter, limit, offset int) ([]*Generation, error)
	CountBySource(ctx context.Context) (map[string]int, error)
	DeleteGenerationsBefore(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
