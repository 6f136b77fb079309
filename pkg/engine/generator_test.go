package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mandelcache/mandelcache/pkg/cache"
	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/stores"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

type testEnv struct {
	gen    *Generator
	cache  *cache.Cache
	ledger *stores.SQLiteStore
	tel    *telemetry.Telemetry
}

// setupTestGenerator creates a generator over a cache in dir with an in-memory ledger
// and synchronous events.
func setupTestGenerator(t *testing.T, dir string, opts Options) *testEnv {
	t.Helper()

	c, err := cache.Open(cache.Config{Dir: dir, Scan: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}

	ledger, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	ctx := context.Background()
	if err := ledger.Init(ctx); err != nil {
		t.Fatalf("failed to initialize ledger: %v", err)
	}
	if err := ledger.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	tel := telemetry.NewNop()
	tel.Events = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	gen, err := NewGenerator(c, ledger, tel, opts)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	return &testEnv{gen: gen, cache: c, ledger: ledger, tel: tel}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 3
	return opts
}

func specWithIterations(t *testing.T, iterations, width, height int) viewport.Spec {
	t.Helper()
	spec, err := viewport.New(-2, 1, -1, 1,
		viewport.WithIterations(iterations), viewport.WithResolution(width, height))
	if err != nil {
		t.Fatalf("invalid spec: %v", err)
	}
	return spec
}

func mustRun(t *testing.T, gen *Generator, spec viewport.Spec, opts GenerateOptions) (*dataset.Dataset, *Report) {
	t.Helper()
	ds, report, err := gen.Run(context.Background(), spec, opts)
	if err != nil {
		t.Fatalf("generate %s: %v", spec.Key(), err)
	}
	if ds == nil {
		t.Fatalf("generate %s returned no dataset", spec.Key())
	}
	return ds, report
}

func assertSameDataset(t *testing.T, got, want *dataset.Dataset) {
	t.Helper()
	if len(got.EscapeTimes) != len(want.EscapeTimes) {
		t.Fatalf("expected %d pixels, got %d", len(want.EscapeTimes), len(got.EscapeTimes))
	}
	for i := range want.EscapeTimes {
		if got.EscapeTimes[i] != want.EscapeTimes[i] {
			t.Fatalf("pixel %d: escape %v, want %v", i, got.EscapeTimes[i], want.EscapeTimes[i])
		}
		if got.Interior[i] != want.Interior[i] {
			t.Fatalf("pixel %d: interior %v, want %v", i, got.Interior[i], want.Interior[i])
		}
	}
	if got.Z.Precision != want.Z.Precision {
		t.Fatalf("precision %v, want %v", got.Z.Precision, want.Z.Precision)
	}
	switch want.Z.Precision {
	case numeric.PrecisionFixed:
		for i := range want.Z.Fixed {
			if got.Z.Fixed[i] != want.Z.Fixed[i] {
				t.Fatalf("pixel %d: z %v, want %v", i, got.Z.Fixed[i], want.Z.Fixed[i])
			}
		}
	case numeric.PrecisionArbitrary:
		for i := range want.Z.Arbitrary {
			if got.Z.Arbitrary[i].String() != want.Z.Arbitrary[i].String() {
				t.Fatalf("pixel %d: z %s, want %s", i, got.Z.Arbitrary[i], want.Z.Arbitrary[i])
			}
		}
	}
}

func TestGenerateFreshThenHit(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 50, 16, 10)

	if env.gen.Exists(spec) {
		t.Fatal("empty cache reports the viewport")
	}

	first, report := mustRun(t, env.gen, spec, GenerateOptions{})
	if report.Source != SourceFresh {
		t.Errorf("expected fresh, got %s", report.Source)
	}
	if report.Precision != "fixed" {
		t.Errorf("expected fixed precision, got %s", report.Precision)
	}
	if report.Chunks != 6 {
		t.Errorf("expected 6 chunks, got %d", report.Chunks)
	}
	if !env.gen.Exists(spec) {
		t.Fatal("dataset was not committed")
	}
	if err := first.Validate(); err != nil {
		t.Fatalf("invalid dataset: %v", err)
	}
	if first.InteriorCount() == 0 || first.InteriorCount() == spec.Pixels() {
		t.Errorf("expected a mix of interior and escaped pixels, got %d interior", first.InteriorCount())
	}

	second, report := mustRun(t, env.gen, spec, GenerateOptions{})
	if report.Source != SourceHit {
		t.Errorf("expected hit, got %s", report.Source)
	}
	assertSameDataset(t, second, first)
}

func TestIncrementalMatchesFresh(t *testing.T) {
	tests := []struct {
		name  string
		steps []int
	}{
		{"single extension", []int{20, 60}},
		{"chained extensions", []int{5, 17, 40, 60}},
		{"one more iteration", []int{59, 60}},
	}

	reference := setupTestGenerator(t, t.TempDir(), testOptions())
	want, _ := mustRun(t, reference.gen, specWithIterations(t, 60, 24, 15), GenerateOptions{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestGenerator(t, t.TempDir(), testOptions())

			var (
				got    *dataset.Dataset
				report *Report
			)
			for i, n := range tt.steps {
				got, report = mustRun(t, env.gen, specWithIterations(t, n, 24, 15), GenerateOptions{})
				if i == 0 {
					continue
				}
				if report.Source != SourceIncremental {
					t.Fatalf("step %d: expected incremental, got %s", n, report.Source)
				}
				if report.BaseIterations != tt.steps[i-1] {
					t.Fatalf("step %d: expected base %d, got %d", n, tt.steps[i-1], report.BaseIterations)
				}
			}
			assertSameDataset(t, got, want)
		})
	}
}

func TestForceRegen(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec30 := specWithIterations(t, 30, 12, 8)
	mustRun(t, env.gen, spec30, GenerateOptions{})

	_, report := mustRun(t, env.gen, spec30, GenerateOptions{ForceRegen: true})
	if report.Source != SourceFresh {
		t.Errorf("forced regeneration of a cached key should compute fresh, got %s", report.Source)
	}

	_, report = mustRun(t, env.gen, specWithIterations(t, 45, 12, 8), GenerateOptions{ForceRegen: true})
	if report.Source != SourceIncremental || report.BaseIterations != 30 {
		t.Errorf("forced regeneration should still extend a shallower dataset, got %s from %d",
			report.Source, report.BaseIterations)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 40, 8, 6)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ds, err := env.gen.Generate(ctx, spec, GenerateOptions{})
	if err != nil {
		t.Fatalf("cancellation is not an error, got %v", err)
	}
	if ds != nil {
		t.Fatal("cancelled generation returned a dataset")
	}
	if env.gen.Exists(spec) {
		t.Error("cancelled generation was committed")
	}
}

func TestCancelledMidRunKeepsPriorState(t *testing.T) {
	opts := testOptions()
	opts.Workers = 1
	opts.ChunkFactor = 4
	dir := t.TempDir()
	env := setupTestGenerator(t, dir, opts)

	base := specWithIterations(t, 10, 8, 8)
	mustRun(t, env.gen, base, GenerateOptions{})
	before, err := os.ReadFile(env.cache.Path(base))
	if err != nil {
		t.Fatalf("read base artifact: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.tel.Events.Subscribe(func(telemetry.Event) { cancel() },
		telemetry.FilterByType(telemetry.EventTypeChunkCompleted))

	spec := specWithIterations(t, 80, 8, 8)
	ds, report, err := env.gen.Run(ctx, spec, GenerateOptions{})
	if err != nil {
		t.Fatalf("cancellation is not an error, got %v", err)
	}
	if ds != nil {
		t.Fatal("cancelled generation returned a dataset")
	}
	if env.gen.Exists(spec) {
		t.Error("partial result was committed")
	}

	after, err := os.ReadFile(env.cache.Path(base))
	if err != nil {
		t.Fatalf("base artifact disappeared: %v", err)
	}
	if string(before) != string(after) {
		t.Error("base artifact changed during a cancelled generation")
	}

	gens, err := env.ledger.ListGenerations(context.Background(),
		stores.GenerationFilter{Status: stores.GenerationStatusCancelled}, 10, 0)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(gens) != 1 || gens[0].RequestID != report.RequestID {
		t.Errorf("expected the cancelled request in the ledger, got %d entries", len(gens))
	}
}

func TestCorruptEntryIsRegenerated(t *testing.T) {
	dir := t.TempDir()
	spec := specWithIterations(t, 25, 8, 6)
	path := filepath.Join(dir, cache.FileName(cache.DefaultPrefix, spec.Key()))
	if err := os.WriteFile(path, []byte("truncated"), 0o644); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}

	env := setupTestGenerator(t, dir, testOptions())
	var evicted []string
	env.tel.Events.Subscribe(func(e telemetry.Event) { evicted = append(evicted, e.Type) },
		telemetry.FilterByType(telemetry.EventTypeCacheEvicted))

	_, report := mustRun(t, env.gen, spec, GenerateOptions{})
	if report.Source != SourceFresh {
		t.Errorf("expected fresh after eviction, got %s", report.Source)
	}
	if len(evicted) != 1 {
		t.Errorf("expected one eviction event, got %d", len(evicted))
	}
	if _, err := env.cache.Get(spec); err != nil {
		t.Errorf("regenerated dataset not readable: %v", err)
	}
}

func TestCorruptClosestIsSkipped(t *testing.T) {
	dir := t.TempDir()
	env := setupTestGenerator(t, dir, testOptions())
	mustRun(t, env.gen, specWithIterations(t, 10, 8, 6), GenerateOptions{})

	corrupt := specWithIterations(t, 20, 8, 6)
	if err := os.WriteFile(env.cache.Path(corrupt), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}
	if err := env.cache.Rescan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	_, report := mustRun(t, env.gen, specWithIterations(t, 30, 8, 6), GenerateOptions{})
	if report.Source != SourceIncremental || report.BaseIterations != 10 {
		t.Errorf("expected extension of the intact 10-iteration dataset, got %s from %d",
			report.Source, report.BaseIterations)
	}
	if env.cache.Exists(corrupt) {
		t.Error("corrupt closest entry was not evicted")
	}
}

func TestResolutionMismatchIsRecomputed(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	mustRun(t, env.gen, specWithIterations(t, 40, 8, 6), GenerateOptions{})

	ds, report := mustRun(t, env.gen, specWithIterations(t, 40, 16, 10), GenerateOptions{})
	if report.Source != SourceFresh {
		t.Errorf("different resolution must not be a hit, got %s", report.Source)
	}
	if ds.Viewport.Width != 16 || len(ds.EscapeTimes) != 160 {
		t.Errorf("expected a 16x10 dataset, got %dx%d", ds.Viewport.Width, ds.Viewport.Height)
	}

	mustRun(t, env.gen, specWithIterations(t, 20, 4, 4), GenerateOptions{})
	_, report = mustRun(t, env.gen, specWithIterations(t, 30, 16, 10), GenerateOptions{})
	if report.Source != SourceFresh {
		t.Errorf("a shallower dataset at another resolution must not be extended, got %s", report.Source)
	}
}

func TestArbitraryPrecisionIncremental(t *testing.T) {
	deep := func(iterations int) viewport.Spec {
		return viewport.MustNew(0, 1e-17, 0, 1e-17,
			viewport.WithIterations(iterations), viewport.WithResolution(4, 3))
	}

	reference := setupTestGenerator(t, t.TempDir(), testOptions())
	want, report := mustRun(t, reference.gen, deep(12), GenerateOptions{})
	if report.Precision != "arbitrary" {
		t.Fatalf("expected arbitrary precision, got %s", report.Precision)
	}

	env := setupTestGenerator(t, t.TempDir(), testOptions())
	mustRun(t, env.gen, deep(5), GenerateOptions{})
	got, report := mustRun(t, env.gen, deep(12), GenerateOptions{})
	if report.Source != SourceIncremental {
		t.Fatalf("expected incremental, got %s", report.Source)
	}
	assertSameDataset(t, got, want)

	hit, report := mustRun(t, env.gen, deep(12), GenerateOptions{})
	if report.Source != SourceHit {
		t.Fatalf("expected hit, got %s", report.Source)
	}
	assertSameDataset(t, hit, want)
}

func TestGenerateInvalidViewport(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())

	_, err := env.gen.Generate(context.Background(), viewport.Spec{}, GenerateOptions{})
	if err == nil {
		t.Fatal("expected invalid viewport to fail")
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if !errors.Is(err, viewport.ErrInvalid) {
		t.Errorf("expected viewport.ErrInvalid in chain, got %v", err)
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}) {
		t.Errorf("expected validation code, got %v", err)
	}
}

func TestLedgerRecordsEveryOutcome(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	mustRun(t, env.gen, specWithIterations(t, 10, 8, 6), GenerateOptions{})
	mustRun(t, env.gen, specWithIterations(t, 10, 8, 6), GenerateOptions{})
	mustRun(t, env.gen, specWithIterations(t, 20, 8, 6), GenerateOptions{})

	counts, err := env.ledger.CountBySource(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	for _, source := range []Source{SourceFresh, SourceHit, SourceIncremental} {
		if counts[string(source)] != 1 {
			t.Errorf("expected one %s generation, got %d", source, counts[string(source)])
		}
	}

	gens, err := env.ledger.ListGenerations(context.Background(), stores.GenerationFilter{}, 1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(gens) != 1 || gens[0].BaseIterations != 10 || gens[0].Iterations != 20 {
		t.Errorf("unexpected latest generation: %+v", gens)
	}
}

func TestCleanup(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 10, 8, 6)
	mustRun(t, env.gen, spec, GenerateOptions{})

	if err := env.gen.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if env.gen.Exists(spec) {
		t.Error("dataset survived cleanup")
	}
	if _, report := mustRun(t, env.gen, spec, GenerateOptions{}); report.Source != SourceFresh {
		t.Errorf("expected fresh after cleanup, got %s", report.Source)
	}
}

func TestNewGeneratorRequiresCache(t *testing.T) {
	if _, err := NewGenerator(nil, nil, nil, Options{}); err == nil {
		t.Fatal("expected error without a cache")
	}
}
