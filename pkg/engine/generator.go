package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mandelcache/mandelcache/pkg/cache"
	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/grid"
	"github.com/mandelcache/mandelcache/pkg/kernel"
	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/stores"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// Generator produces escape-time datasets for viewports. It answers from the cache
// when it can, extends the closest shallower cached dataset when one exists, and
// computes from scratch otherwise. Every produced dataset is committed to the cache.
type Generator struct {
	cache     ResultCache
	ledger    Ledger
	scheduler *ChunkScheduler
	opts      Options

	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	// mu serializes generate calls against the shared cache index.
	mu sync.Mutex
}

// NewGenerator creates a generator over c. ledger and tel may be nil.
func NewGenerator(c ResultCache, ledger Ledger, tel *telemetry.Telemetry, opts Options) (*Generator, error) {
	if c == nil {
		return nil, fmt.Errorf("result cache is required")
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkFactor <= 0 {
		opts.ChunkFactor = 2
	}
	if opts.Grid.Tolerance == 0 {
		opts.Grid.Tolerance = grid.DefaultTolerance
	}
	if opts.Grid.Digits == 0 {
		opts.Grid.Digits = numeric.DefaultDigits
	}

	return &Generator{
		cache:     c,
		ledger:    ledger,
		scheduler: NewChunkScheduler(opts.Workers),
		opts:      opts,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("generator"),
	}, nil
}

// Generate returns the dataset of spec. A cancelled ctx yields nil, nil and leaves the
// cache exactly as it was.
func (g *Generator) Generate(ctx context.Context, spec viewport.Spec, opts GenerateOptions) (*dataset.Dataset, error) {
	ds, _, err := g.Run(ctx, spec, opts)
	return ds, err
}

// Run is Generate plus a report of how the dataset was obtained. The report is nil
// only when spec is invalid.
func (g *Generator) Run(ctx context.Context, spec viewport.Spec, opts GenerateOptions) (*dataset.Dataset, *Report, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, NewPermanentError("invalid viewport", err).
			WithCode(ErrCodeValidation).
			WithOperation("generate")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	report := &Report{RequestID: uuid.New().String()}
	ctx, span := g.tel.Tracer.StartGenerateSpan(ctx, report.RequestID,
		spec.XMin, spec.XMax, spec.YMin, spec.YMax, spec.Iterations)
	defer span.End()

	logger := g.logger.
		WithRequestID(report.RequestID).
		WithViewport(spec.XMin, spec.XMax, spec.YMin, spec.YMax, spec.Iterations)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.WithField("trace_id", traceID)
	}

	started := time.Now()
	timer := telemetry.NewTimer()
	g.tel.Metrics.RecordGenerationStarted()
	logger.Debug("Generation started")

	ds, err := g.generate(ctx, spec, opts, report, logger)
	report.Duration = timer.Duration()

	switch {
	case err == nil:
		span.SetAttributes(
			telemetry.AttrSource.String(string(report.Source)),
			telemetry.AttrPrecision.String(report.Precision),
			telemetry.AttrChunkCount.Int(report.Chunks),
			telemetry.AttrBaseIters.Int(report.BaseIterations),
		)
		telemetry.RecordSuccess(span)
		g.tel.Metrics.RecordGenerationCompleted(string(report.Source), report.Precision, report.Duration)
		_ = g.tel.Events.PublishGenerationCompleted(report.RequestID, string(report.Source), report.Duration)
		logger.WithFields(map[string]interface{}{
			"source":          report.Source,
			"precision":       report.Precision,
			"base_iterations": report.BaseIterations,
			"duration":        report.Duration.String(),
		}).Info("Generation completed")
		g.record(ctx, spec, report, started, ds, nil, logger)
		return ds, report, nil

	case IsCancelled(err):
		span.SetAttributes(telemetry.AttrSource.String(telemetry.SourceCancelled))
		telemetry.AddEvent(span, "cancelled")
		g.tel.Metrics.RecordGenerationCompleted(telemetry.SourceCancelled, report.Precision, report.Duration)
		_ = g.tel.Events.PublishGenerationCancelled(report.RequestID)
		logger.Info("Generation cancelled, no dataset produced")
		g.record(ctx, spec, report, started, nil, err, logger)
		return nil, report, nil

	default:
		class, code := ClassOf(err)
		span.SetAttributes(
			telemetry.AttrErrorClass.String(string(class)),
			telemetry.AttrErrorCode.String(code),
		)
		telemetry.RecordError(span, err)
		g.tel.Metrics.RecordGenerationCompleted(telemetry.SourceFailed, report.Precision, report.Duration)
		g.tel.Metrics.RecordError(string(class), code)
		_ = g.tel.Events.PublishGenerationFailed(report.RequestID, err.Error())
		logger.WithError(err).Error("Generation failed")
		g.record(ctx, spec, report, started, nil, err, logger)
		return nil, report, err
	}
}

// Exists reports whether the exact dataset of spec is cached.
func (g *Generator) Exists(spec viewport.Spec) bool {
	return g.cache.Exists(spec)
}

// Cleanup removes every cached dataset.
func (g *Generator) Cleanup() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.cache.Cleanup(); err != nil {
		return NewTransientError("failed to clean cache", err).
			WithCode(ErrCodeCacheWrite).
			WithOperation("cleanup")
	}
	return nil
}

func (g *Generator) generate(
	ctx context.Context,
	spec viewport.Spec,
	opts GenerateOptions,
	report *Report,
	logger *telemetry.Logger,
) (*dataset.Dataset, error) {
	key := spec.Key()

	if !opts.ForceRegen && g.cache.Exists(spec) {
		ds, err := g.cache.Get(spec)
		switch {
		case err == nil && sameResolution(ds.Viewport, spec):
			report.Source = SourceHit
			report.Precision = ds.Z.Precision.String()
			return ds, nil
		case err == nil:
			logger.WithFields(map[string]interface{}{
				"cached_width":  ds.Viewport.Width,
				"cached_height": ds.Viewport.Height,
			}).Info("Cached dataset has a different resolution, recomputing")
		case errors.Is(err, cache.ErrCorrupt):
			if evictErr := g.evict(key, report.RequestID, err, logger); evictErr != nil {
				return nil, evictErr
			}
		case errors.Is(err, cache.ErrNotFound):
			// removed between Exists and Get
		default:
			return nil, NewTransientError("failed to read cached dataset", err).
				WithCode(ErrCodeCacheRead).
				WithViewport(key.String()).
				WithOperation("get")
		}
	}

	_, buildSpan := g.tel.Tracer.StartSpan(ctx, "grid.build")
	coords, err := grid.Build(spec, g.opts.Grid)
	telemetry.RecordError(buildSpan, err)
	buildSpan.End()
	if err != nil {
		return nil, NewPermanentError("failed to build coordinate grid", err).
			WithCode(ErrCodeUnresolvable).
			WithViewport(key.String()).
			WithOperation("grid")
	}
	report.Precision = coords.Precision.String()

	base, err := g.closest(spec, coords.Precision, gridDigits(coords), report.RequestID, logger)
	if err != nil {
		return nil, err
	}

	run := chunkRun{
		g:         g,
		requestID: report.RequestID,
		ranges:    grid.SplitRows(spec.Height, g.opts.Workers*g.opts.ChunkFactor),
		precision: report.Precision,
		n:         spec.Iterations,
	}
	report.Source = SourceFresh
	if base != nil {
		report.Source = SourceIncremental
		report.BaseIterations = base.Viewport.Iterations
		run.offset = base.Viewport.Iterations
		run.n = spec.Iterations - base.Viewport.Iterations
	}
	report.Chunks = len(run.ranges)

	logger.WithFields(map[string]interface{}{
		"source":    report.Source,
		"precision": report.Precision,
		"chunks":    report.Chunks,
		"delta":     run.n,
	}).Debug("Computing escape times")
	_ = g.tel.Events.PublishGenerationStarted(report.RequestID, spec.String(), report.Chunks)

	ds := &dataset.Dataset{Viewport: spec}
	switch coords.Precision {
	case numeric.PrecisionFixed:
		z0 := numeric.Zeros[numeric.Fixed](spec.Pixels())
		if base != nil {
			for i, z := range base.Z.Fixed {
				z0[i] = numeric.Fixed(z)
			}
		}
		var zs []numeric.Fixed
		ds.EscapeTimes, ds.Interior, zs, err = compute(ctx, run, coords.Fixed, z0)
		if err == nil {
			ds.Z = dataset.State{Precision: numeric.PrecisionFixed, Fixed: make([]complex128, len(zs))}
			for i, z := range zs {
				ds.Z.Fixed[i] = complex128(z)
			}
		}

	case numeric.PrecisionArbitrary:
		z0 := numeric.Zeros[numeric.Arbitrary](spec.Pixels())
		if base != nil {
			z0 = base.Z.Arbitrary
		}
		var zs []numeric.Arbitrary
		ds.EscapeTimes, ds.Interior, zs, err = compute(ctx, run, coords.Arbitrary, z0)
		if err == nil {
			ds.Z = dataset.State{
				Precision: numeric.PrecisionArbitrary,
				Arbitrary: zs,
				Digits:    coords.Context.Precision,
			}
		}

	default:
		return nil, NewPermanentError("unknown precision", fmt.Errorf("%v", coords.Precision)).
			WithCode(ErrCodeInternal)
	}

	if err != nil {
		return nil, classifyComputeError(ctx, err, key)
	}
	if ctx.Err() != nil {
		return nil, NewCancelledError("generation cancelled", ctx.Err())
	}

	// Pixels that escaped in the base run keep their original escape value.
	if base != nil {
		for i, interior := range base.Interior {
			if !interior {
				ds.EscapeTimes[i] = base.EscapeTimes[i]
			}
		}
	}

	if err := ds.Validate(); err != nil {
		return nil, NewPermanentError("computed dataset is inconsistent", err).
			WithCode(ErrCodeInvalidDataset).
			WithViewport(key.String())
	}

	_, commitSpan := g.tel.Tracer.StartSpan(ctx, "cache.commit")
	err = g.cache.Commit(spec, ds)
	telemetry.RecordError(commitSpan, err)
	commitSpan.End()
	if err != nil {
		return nil, NewTransientError("failed to commit dataset", err).
			WithCode(ErrCodeCacheWrite).
			WithViewport(key.String()).
			WithOperation("commit")
	}

	return ds, nil
}

// closest returns the cached dataset to extend, or nil to start from zero. Corrupt
// entries found on the way are evicted.
func (g *Generator) closest(
	spec viewport.Spec,
	precision numeric.Precision,
	digits uint32,
	requestID string,
	logger *telemetry.Logger,
) (*dataset.Dataset, error) {
	for {
		ds, err := g.cache.GetClosest(spec)

		var corrupt *cache.CorruptError
		switch {
		case errors.As(err, &corrupt):
			if evictErr := g.evict(corrupt.Key, requestID, err, logger); evictErr != nil {
				return nil, evictErr
			}
			continue
		case errors.Is(err, cache.ErrNotFound):
			// the index entry was dropped, look again
			continue
		case err != nil:
			return nil, NewTransientError("failed to read closest dataset", err).
				WithCode(ErrCodeCacheRead).
				WithViewport(spec.Key().String()).
				WithOperation("closest")
		case ds == nil:
			return nil, nil
		}

		if reason := reuseMismatch(ds, spec, precision, digits); reason != "" {
			logger.WithFields(map[string]interface{}{
				"cached_iterations": ds.Viewport.Iterations,
				"reason":            reason,
			}).Debug("Not extending cached dataset")
			return nil, nil
		}
		return ds, nil
	}
}

func (g *Generator) evict(key viewport.Key, requestID string, cause error, logger *telemetry.Logger) error {
	logger.WithError(cause).WithField("key", key.String()).Warn("Evicting corrupt cached dataset")
	if err := g.cache.EvictKey(key); err != nil {
		return NewTransientError("failed to evict corrupt dataset", err).
			WithCode(ErrCodeCacheWrite).
			WithViewport(key.String()).
			WithOperation("evict")
	}
	_ = g.tel.Events.PublishCacheEvicted(requestID, key.String(), cause.Error())
	return nil
}

// record writes the outcome to the ledger. Ledger failures are logged, not returned.
func (g *Generator) record(
	ctx context.Context,
	spec viewport.Spec,
	report *Report,
	started time.Time,
	ds *dataset.Dataset,
	cause error,
	logger *telemetry.Logger,
) {
	if g.ledger == nil {
		return
	}

	gen := &stores.Generation{
		ID:             uuid.New().String(),
		RequestID:      report.RequestID,
		XMin:           spec.XMin,
		XMax:           spec.XMax,
		YMin:           spec.YMin,
		YMax:           spec.YMax,
		Iterations:     spec.Iterations,
		Width:          spec.Width,
		Height:         spec.Height,
		Source:         string(report.Source),
		Precision:      report.Precision,
		BaseIterations: report.BaseIterations,
		Chunks:         report.Chunks,
		Status:         stores.GenerationStatusCompleted,
		StartedAt:      started,
		CompletedAt:    started.Add(report.Duration),
		DurationMS:     report.Duration.Milliseconds(),
	}
	if ds != nil {
		gen.InteriorPixels = ds.InteriorCount()
	}
	switch {
	case IsCancelled(cause):
		gen.Status = stores.GenerationStatusCancelled
	case cause != nil:
		gen.Status = stores.GenerationStatusFailed
		msg := cause.Error()
		gen.Error = &msg
	}

	// The ledger write must survive the cancellation it may be recording.
	if err := g.ledger.RecordGeneration(context.WithoutCancel(ctx), gen); err != nil {
		g.tel.Metrics.RecordError(string(ErrorClassTransient), ErrCodeLedger)
		logger.WithError(err).Warn("Failed to record generation")
	}
}

func sameResolution(a, b viewport.Spec) bool {
	return a.Width == b.Width && a.Height == b.Height
}

// reuseMismatch explains why ds cannot seed spec, or returns "".
func reuseMismatch(ds *dataset.Dataset, spec viewport.Spec, precision numeric.Precision, digits uint32) string {
	switch {
	case ds.Viewport.Iterations >= spec.Iterations:
		return "not shallower than the request"
	case !sameResolution(ds.Viewport, spec):
		return "resolution differs"
	case ds.Z.Precision != precision:
		return "precision differs"
	case precision == numeric.PrecisionArbitrary && ds.Z.Digits != digits:
		return "decimal digits differ"
	}
	return ""
}

// gridDigits is the decimal precision of an arbitrary grid and 0 for a fixed one.
func gridDigits(coords *grid.Grid) uint32 {
	if coords.Context == nil {
		return 0
	}
	return coords.Context.Precision
}

func classifyComputeError(ctx context.Context, err error, key viewport.Key) error {
	switch {
	case ctx.Err() != nil:
		return NewCancelledError("generation cancelled", err)
	case errors.Is(err, kernel.ErrArithmetic):
		return NewPermanentError("escape-time iteration failed", err).
			WithCode(ErrCodeArithmetic).
			WithViewport(key.String()).
			WithOperation("iterate")
	default:
		return NewPermanentError("chunk computation failed", err).
			WithCode(ErrCodeInternal).
			WithViewport(key.String()).
			WithOperation("iterate")
	}
}

// chunkRun is the per-call state shared by all chunks of one computation.
type chunkRun struct {
	g         *Generator
	requestID string
	ranges    []grid.RowRange
	precision string
	offset    int
	n         int
}

// compute iterates every chunk of coords from z0 and stacks the chunk outputs in row
// order.
func compute[T numeric.Scalar[T]](ctx context.Context, run chunkRun, coords *grid.Field[T], z0 []T) ([]float64, []bool, []T, error) {
	results := make([]*kernel.Result[T], len(run.ranges))
	tel := run.g.tel

	err := run.g.scheduler.Run(ctx, run.ranges, func(ctx context.Context, r grid.RowRange) error {
		chunkCtx, span := tel.Tracer.StartChunkSpan(ctx, r.Index, r.Start, r.End, run.precision)
		defer span.End()

		timer := telemetry.NewTimer()
		lo, hi := r.Start*coords.Width, r.End*coords.Width
		res, err := kernel.Iterate(chunkCtx, coords.Rows(r), z0[lo:hi], run.offset, run.n)

		steps := 0
		if res != nil {
			steps = res.Steps
		}
		status := "ok"
		switch {
		case err != nil && ctx.Err() != nil:
			status = "cancelled"
		case err != nil:
			status = "failed"
		}
		tel.Metrics.RecordChunk(run.precision, status, hi-lo, steps, timer.Duration())

		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		telemetry.RecordSuccess(span)

		results[r.Index] = res
		_ = tel.Events.PublishChunkCompleted(run.requestID, r.Index, len(run.ranges), timer.Duration())
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	escape := make([][]float64, len(results))
	interior := make([][]bool, len(results))
	zs := make([][]T, len(results))
	for i, res := range results {
		escape[i] = res.EscapeTimes
		interior[i] = res.Interior
		zs[i] = res.Z
	}
	return grid.Stack(escape), grid.Stack(interior), grid.Stack(zs), nil
}
