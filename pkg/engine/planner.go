package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mandelcache/mandelcache/pkg/cache"
	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/grid"
	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// Plan predicts how a Generate call would be served.
type Plan struct {
	Spec      viewport.Spec `json:"spec"`
	Source    Source        `json:"source"`
	Precision string        `json:"precision"`

	// BaseIterations is the depth of the dataset that would be extended.
	BaseIterations int `json:"base_iterations,omitempty"`

	// Delta is the number of iteration steps that would be computed; 0 for a hit.
	Delta  int `json:"delta"`
	Chunks int `json:"chunks"`

	// Skipped lists cached datasets that were considered and why they cannot be used.
	Skipped []string `json:"skipped,omitempty"`
}

// Plan reports how Generate would serve spec without computing anything or changing
// the cache. Unreadable artifacts are reported in Plan.Skipped, not evicted, so a plan
// never looks past an unreadable closest dataset to an older intact one.
func (g *Generator) Plan(ctx context.Context, spec viewport.Spec, opts GenerateOptions) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, NewPermanentError("invalid viewport", err).
			WithCode(ErrCodeValidation).
			WithOperation("plan")
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCancelledError("planning cancelled", err)
	}

	precision := grid.SelectPrecision(spec.Bounds, g.opts.Grid.Tolerance)
	var digits uint32
	if precision == numeric.PrecisionArbitrary {
		digits = g.opts.Grid.Digits
	}

	plan := &Plan{
		Spec:      spec,
		Precision: precision.String(),
		Chunks:    len(grid.SplitRows(spec.Height, g.opts.Workers*g.opts.ChunkFactor)),
	}

	if !opts.ForceRegen && g.cache.Exists(spec) {
		ds, err := g.cache.Get(spec)
		switch {
		case err == nil && sameResolution(ds.Viewport, spec):
			plan.Source = SourceHit
			plan.Precision = ds.Z.Precision.String()
			plan.Chunks = 0
			return plan, nil
		case err == nil:
			plan.Skipped = append(plan.Skipped, skipped(ds.Viewport.Key(), "resolution differs"))
		case errors.Is(err, cache.ErrCorrupt):
			plan.Skipped = append(plan.Skipped, skipped(spec.Key(), "unreadable"))
		case errors.Is(err, cache.ErrNotFound):
		default:
			return nil, NewTransientError("failed to read cached dataset", err).
				WithCode(ErrCodeCacheRead).
				WithViewport(spec.Key().String()).
				WithOperation("plan")
		}
	}

	base, err := g.cache.GetClosest(spec)
	var corrupt *cache.CorruptError
	switch {
	case errors.As(err, &corrupt):
		plan.Skipped = append(plan.Skipped, skipped(corrupt.Key, "unreadable"))
		base = nil
	case errors.Is(err, cache.ErrNotFound):
		base = nil
	case err != nil:
		return nil, NewTransientError("failed to read closest dataset", err).
			WithCode(ErrCodeCacheRead).
			WithViewport(spec.Key().String()).
			WithOperation("plan")
	}

	if base != nil {
		if reason := reuseMismatch(base, spec, precision, digits); reason != "" {
			if base.Viewport.Iterations < spec.Iterations {
				plan.Skipped = append(plan.Skipped, skipped(base.Viewport.Key(), reason))
			}
			base = nil
		}
	}

	plan.Source = SourceFresh
	plan.Delta = spec.Iterations
	if base != nil {
		plan.Source = SourceIncremental
		plan.BaseIterations = base.Viewport.Iterations
		plan.Delta = spec.Iterations - base.Viewport.Iterations
	}
	return plan, nil
}

func skipped(key viewport.Key, reason string) string {
	return fmt.Sprintf("%s: %s", key, reason)
}

// RefinementSteps returns the iteration ladder first, first*factor, ... ending at
// target. A ladder that cannot grow returns just target.
func RefinementSteps(first, target, factor int) []int {
	if first <= 0 || first >= target || factor < 2 {
		return []int{target}
	}

	var steps []int
	for n := first; n < target; n *= factor {
		steps = append(steps, n)
	}
	return append(steps, target)
}

// ValidateSteps checks that steps is a strictly increasing ladder of positive
// iteration counts ending at target.
func ValidateSteps(steps []int, target int) error {
	if len(steps) == 0 {
		return NewPermanentError("refinement has no steps", nil).
			WithCode(ErrCodeValidation)
	}

	prev := 0
	for i, n := range steps {
		if n <= prev {
			return NewPermanentError(fmt.Sprintf("step %d (%d iterations) does not deepen the previous step", i, n), nil).
				WithCode(ErrCodeValidation)
		}
		prev = n
	}

	if last := steps[len(steps)-1]; last != target {
		return NewPermanentError(fmt.Sprintf("refinement ends at %d iterations, want %d", last, target), nil).
			WithCode(ErrCodeValidation)
	}
	return nil
}

// StepFunc receives the dataset of each completed refinement step. Returning an error
// stops the refinement.
type StepFunc func(ds *dataset.Dataset, report *Report) error

// Refine generates spec at every iteration count in steps, so that each step after the
// first extends the previous one. fn, if not nil, sees every step as it completes. A
// cancelled refinement returns the deepest completed dataset, or nil if none completed,
// with a nil error.
func (g *Generator) Refine(ctx context.Context, spec viewport.Spec, steps []int, fn StepFunc) (*dataset.Dataset, error) {
	if err := spec.Validate(); err != nil {
		return nil, NewPermanentError("invalid viewport", err).
			WithCode(ErrCodeValidation).
			WithOperation("refine")
	}
	if err := ValidateSteps(steps, spec.Iterations); err != nil {
		return nil, err
	}

	var last *dataset.Dataset
	for _, n := range steps {
		step, err := spec.WithIterations(n)
		if err != nil {
			return nil, NewPermanentError("invalid refinement step", err).
				WithCode(ErrCodeValidation)
		}

		ds, report, err := g.Run(ctx, step, GenerateOptions{})
		if err != nil {
			return nil, err
		}
		if ds == nil {
			g.logger.WithField("iterations", n).Info("Refinement cancelled")
			return last, nil
		}
		last = ds

		if fn != nil {
			if err := fn(ds, report); err != nil {
				return ds, err
			}
		}
	}
	return last, nil
}
