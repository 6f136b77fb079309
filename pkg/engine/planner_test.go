package engine

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

func TestPlanPredictsGenerate(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	ctx := context.Background()

	plan, err := env.gen.Plan(ctx, specWithIterations(t, 20, 8, 6), GenerateOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Source != SourceFresh || plan.Delta != 20 {
		t.Errorf("empty cache: expected fresh with delta 20, got %s with delta %d", plan.Source, plan.Delta)
	}
	if plan.Chunks != 6 {
		t.Errorf("expected 6 chunks, got %d", plan.Chunks)
	}

	mustRun(t, env.gen, specWithIterations(t, 20, 8, 6), GenerateOptions{})

	tests := []struct {
		name       string
		iterations int
		width      int
		opts       GenerateOptions
		wantSource Source
		wantBase   int
		wantDelta  int
		wantSkip   int
	}{
		{name: "exact match", iterations: 20, width: 8, wantSource: SourceHit},
		{name: "deeper request", iterations: 50, width: 8, wantSource: SourceIncremental, wantBase: 20, wantDelta: 30},
		{name: "shallower request", iterations: 10, width: 8, wantSource: SourceFresh, wantDelta: 10},
		{name: "forced exact match", iterations: 20, width: 8, opts: GenerateOptions{ForceRegen: true}, wantSource: SourceFresh, wantDelta: 20},
		{name: "other resolution", iterations: 20, width: 16, wantSource: SourceFresh, wantDelta: 20, wantSkip: 1},
		{name: "deeper at other resolution", iterations: 40, width: 16, wantSource: SourceFresh, wantDelta: 40, wantSkip: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := env.gen.Plan(ctx, specWithIterations(t, tt.iterations, tt.width, 6), tt.opts)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if plan.Source != tt.wantSource {
				t.Errorf("expected source %s, got %s", tt.wantSource, plan.Source)
			}
			if plan.BaseIterations != tt.wantBase {
				t.Errorf("expected base %d, got %d", tt.wantBase, plan.BaseIterations)
			}
			if plan.Delta != tt.wantDelta {
				t.Errorf("expected delta %d, got %d", tt.wantDelta, plan.Delta)
			}
			if len(plan.Skipped) != tt.wantSkip {
				t.Errorf("expected %d skipped datasets, got %v", tt.wantSkip, plan.Skipped)
			}
		})
	}

	// The prediction holds when the request is actually run.
	spec := specWithIterations(t, 50, 8, 6)
	plan, err = env.gen.Plan(ctx, spec, GenerateOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	_, report := mustRun(t, env.gen, spec, GenerateOptions{})
	if report.Source != plan.Source || report.BaseIterations != plan.BaseIterations {
		t.Errorf("plan said %s from %d, generate did %s from %d",
			plan.Source, plan.BaseIterations, report.Source, report.BaseIterations)
	}
	if report.Precision != plan.Precision {
		t.Errorf("plan said %s precision, generate used %s", plan.Precision, report.Precision)
	}
}

func TestPlanLeavesCorruptEntries(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 20, 8, 6)
	if err := os.WriteFile(env.cache.Path(spec), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}
	if err := env.cache.Rescan(); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	plan, err := env.gen.Plan(context.Background(), spec, GenerateOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Source != SourceFresh {
		t.Errorf("expected fresh, got %s", plan.Source)
	}
	if len(plan.Skipped) == 0 {
		t.Error("expected the corrupt entry to be reported")
	}
	if !env.cache.Exists(spec) {
		t.Error("planning must not evict")
	}
}

func TestPlanArbitraryPrecision(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := viewport.MustNew(0, 1e-17, 0, 1e-17,
		viewport.WithIterations(5), viewport.WithResolution(4, 3))

	plan, err := env.gen.Plan(context.Background(), spec, GenerateOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Precision != "arbitrary" {
		t.Errorf("expected arbitrary precision, got %s", plan.Precision)
	}
}

func TestPlanRejectsInvalidViewport(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 10, 4, 4)
	spec.Width = 0

	_, err := env.gen.Plan(context.Background(), spec, GenerateOptions{})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRefinementSteps(t *testing.T) {
	tests := []struct {
		name   string
		first  int
		target int
		factor int
		want   []int
	}{
		{name: "geometric ladder", first: 64, target: 1000, factor: 4, want: []int{64, 256, 1000}},
		{name: "exact powers", first: 10, target: 80, factor: 2, want: []int{10, 20, 40, 80}},
		{name: "no first step", first: 0, target: 100, factor: 4, want: []int{100}},
		{name: "first reaches target", first: 100, target: 100, factor: 2, want: []int{100}},
		{name: "factor too small", first: 10, target: 100, factor: 1, want: []int{100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RefinementSteps(tt.first, tt.target, tt.factor)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if err := ValidateSteps(got, tt.target); err != nil {
				t.Errorf("generated ladder is invalid: %v", err)
			}
		})
	}
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name    string
		steps   []int
		target  int
		wantErr bool
	}{
		{name: "single step", steps: []int{50}, target: 50},
		{name: "ladder", steps: []int{10, 30, 50}, target: 50},
		{name: "empty", steps: nil, target: 50, wantErr: true},
		{name: "not increasing", steps: []int{10, 10, 50}, target: 50, wantErr: true},
		{name: "zero step", steps: []int{0, 50}, target: 50, wantErr: true},
		{name: "wrong end", steps: []int{10, 40}, target: 50, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps, tt.target)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil && !IsPermanent(err) {
				t.Errorf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestRefineExtendsEachStep(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 40, 12, 8)

	var sources []Source
	var bases []int
	got, err := env.gen.Refine(context.Background(), spec, []int{10, 20, 40}, func(ds *dataset.Dataset, r *Report) error {
		sources = append(sources, r.Source)
		bases = append(bases, r.BaseIterations)
		return nil
	})
	if err != nil {
		t.Fatalf("Refine failed: %v", err)
	}

	if want := []Source{SourceFresh, SourceIncremental, SourceIncremental}; !reflect.DeepEqual(sources, want) {
		t.Errorf("expected sources %v, got %v", want, sources)
	}
	if want := []int{0, 10, 20}; !reflect.DeepEqual(bases, want) {
		t.Errorf("expected bases %v, got %v", want, bases)
	}

	fresh := setupTestGenerator(t, t.TempDir(), testOptions())
	want, _ := mustRun(t, fresh.gen, spec, GenerateOptions{})
	assertSameDataset(t, got, want)
}

func TestRefineCancelledKeepsDeepestStep(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 40, 8, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got, err := env.gen.Refine(ctx, spec, []int{10, 40}, func(ds *dataset.Dataset, r *Report) error {
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("cancelled refinement must not fail: %v", err)
	}
	if got == nil || got.Viewport.Iterations != 10 {
		t.Fatalf("expected the 10-iteration dataset, got %v", got)
	}
	if env.cache.Exists(spec) {
		t.Error("cancelled step was committed")
	}
}

func TestRefineStopsOnCallbackError(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	spec := specWithIterations(t, 30, 8, 6)
	stop := errors.New("stop")

	calls := 0
	_, err := env.gen.Refine(context.Background(), spec, []int{10, 20, 30}, func(ds *dataset.Dataset, r *Report) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected refinement to stop after one step, got %d", calls)
	}
	if env.gen.Exists(spec) {
		t.Error("later steps ran after the callback failed")
	}
}

func TestRefineRejectsBadLadder(t *testing.T) {
	env := setupTestGenerator(t, t.TempDir(), testOptions())
	_, err := env.gen.Refine(context.Background(), specWithIterations(t, 30, 8, 6), []int{10, 20}, nil)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
