// Package grid builds the per-pixel complex coordinate field of a viewport and
// splits it into contiguous row chunks for parallel evaluation.
package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// DefaultTolerance is the span below which fixed precision can no longer separate
// adjacent pixel coordinates and the arbitrary representation is used instead.
const DefaultTolerance = 1e-16

// ErrUnresolvable is returned when even decimal arithmetic cannot produce distinct
// pixel coordinates for the requested bounds.
var ErrUnresolvable = errors.New("viewport cannot be resolved")

// Options controls grid construction.
type Options struct {
	// Tolerance is compared against the smaller span of the viewport.
	Tolerance float64

	// Digits is the decimal precision of arbitrary grids.
	Digits uint32
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Tolerance: DefaultTolerance,
		Digits:    numeric.DefaultDigits,
	}
}

// Field is a row-major Height x Width array.
type Field[T any] struct {
	Width  int
	Height int
	Data   []T
}

// NewField allocates a zeroed field.
func NewField[T any](width, height int) *Field[T] {
	return &Field[T]{Width: width, Height: height, Data: make([]T, width*height)}
}

// At returns the value at (row, col).
func (f *Field[T]) At(row, col int) T {
	return f.Data[row*f.Width+col]
}

// Rows returns the slice covering rows [r.Start, r.End).
func (f *Field[T]) Rows(r RowRange) []T {
	return f.Data[r.Start*f.Width : r.End*f.Width]
}

// Grid is a coordinate field in exactly one precision.
type Grid struct {
	Precision numeric.Precision
	Width     int
	Height    int

	Fixed     *Field[numeric.Fixed]
	Arbitrary *Field[numeric.Arbitrary]

	// Context is the decimal context of arbitrary grids; nil for fixed grids.
	Context *apd.Context
}

// SelectPrecision returns the representation Build would use for the bounds.
func SelectPrecision(b viewport.Bounds, tolerance float64) numeric.Precision {
	if math.Abs(b.Span()) <= tolerance {
		return numeric.PrecisionArbitrary
	}
	return numeric.PrecisionFixed
}

// Build computes the coordinate field of spec. Row 0 is YMin and column 0 is XMin.
func Build(spec viewport.Spec, opts Options) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if opts.Digits == 0 {
		opts.Digits = numeric.DefaultDigits
	}

	g := &Grid{
		Precision: SelectPrecision(spec.Bounds, opts.Tolerance),
		Width:     spec.Width,
		Height:    spec.Height,
	}

	switch g.Precision {
	case numeric.PrecisionFixed:
		g.Fixed = buildFixed(spec)
	case numeric.PrecisionArbitrary:
		g.Context = numeric.NewContext(opts.Digits)
		field, err := buildArbitrary(spec, g.Context)
		if err != nil {
			return nil, err
		}
		g.Arbitrary = field
	}

	return g, nil
}

func buildFixed(spec viewport.Spec) *Field[numeric.Fixed] {
	xs := linspace(spec.XMin, spec.XMax, spec.Width)
	ys := linspace(spec.YMin, spec.YMax, spec.Height)

	f := NewField[numeric.Fixed](spec.Width, spec.Height)
	for row, y := range ys {
		for col, x := range xs {
			f.Data[row*spec.Width+col] = numeric.Fixed(complex(x, y))
		}
	}
	return f
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo + (hi-lo)/2
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[n-1] = hi
	return out
}

func buildArbitrary(spec viewport.Spec, ctx *apd.Context) (*Field[numeric.Arbitrary], error) {
	xs, err := declinspace(spec.XMin, spec.XMax, spec.Width, ctx)
	if err != nil {
		return nil, fmt.Errorf("x axis: %w", err)
	}
	ys, err := declinspace(spec.YMin, spec.YMax, spec.Height, ctx)
	if err != nil {
		return nil, fmt.Errorf("y axis: %w", err)
	}

	f := NewField[numeric.Arbitrary](spec.Width, spec.Height)
	for row := range ys {
		for col := range xs {
			f.Data[row*spec.Width+col] = numeric.NewArbitrary(xs[col], ys[row], ctx)
		}
	}
	return f, nil
}

// declinspace is linspace in decimal arithmetic, one coordinate at a time.
func declinspace(lo, hi float64, n int, ctx *apd.Context) ([]*apd.Decimal, error) {
	dlo, dhi := new(apd.Decimal), new(apd.Decimal)
	if _, err := dlo.SetFloat64(lo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if _, err := dhi.SetFloat64(hi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}

	span := new(apd.Decimal)
	if _, err := ctx.Sub(span, dhi, dlo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if span.IsZero() {
		return nil, fmt.Errorf("%w: zero span between %g and %g", ErrUnresolvable, lo, hi)
	}

	out := make([]*apd.Decimal, n)
	if n == 1 {
		half, mid := new(apd.Decimal), new(apd.Decimal)
		if _, err := ctx.Quo(half, span, apd.New(2, 0)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		if _, err := ctx.Add(mid, dlo, half); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		out[0] = mid
		return out, nil
	}

	denom := apd.New(int64(n-1), 0)
	for i := range out {
		var scaled, offset apd.Decimal
		v := new(apd.Decimal)
		if _, err := ctx.Mul(&scaled, span, apd.New(int64(i), 0)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		if _, err := ctx.Quo(&offset, &scaled, denom); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		if _, err := ctx.Add(v, dlo, &offset); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
		}
		out[i] = v
	}
	if out[0].Cmp(out[1]) == 0 {
		return nil, fmt.Errorf("%w: pixel pitch vanishes at %d digits", ErrUnresolvable, ctx.Precision)
	}
	return out, nil
}
