// Package viewport describes the rectangular region of the complex plane that a
// dataset is computed for, together with its iteration budget and pixel resolution.
package viewport

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultWidth is the horizontal resolution used when none is given.
	DefaultWidth = 2560

	// DefaultHeight is the vertical resolution used when none is given.
	DefaultHeight = 1600

	// MaxIterations caps the iteration count derived by IterationHeuristic.
	MaxIterations = 2048
)

// ErrInvalid is returned when a viewport cannot be constructed from the given values.
var ErrInvalid = errors.New("invalid viewport")

// Bounds is the rectangle of a viewport. Two viewports with equal bounds share the
// cache key space and can extend one another.
type Bounds struct {
	XMin float64 `json:"xmin" yaml:"xmin"`
	XMax float64 `json:"xmax" yaml:"xmax"`
	YMin float64 `json:"ymin" yaml:"ymin"`
	YMax float64 `json:"ymax" yaml:"ymax"`
}

// Dx returns the horizontal span.
func (b Bounds) Dx() float64 { return b.XMax - b.XMin }

// Dy returns the vertical span.
func (b Bounds) Dy() float64 { return b.YMax - b.YMin }

// Span returns the smaller of the two spans.
func (b Bounds) Span() float64 { return math.Min(b.Dx(), b.Dy()) }

// String implements fmt.Stringer.
func (b Bounds) String() string {
	return fmt.Sprintf("[%g, %g]x[%g, %g]", b.XMin, b.XMax, b.YMin, b.YMax)
}

// Key identifies a cached dataset: the bounds plus the iteration count.
type Key struct {
	Bounds     Bounds
	Iterations int
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Bounds, k.Iterations)
}

// Spec is an immutable viewport description. The zero value is not valid; use New.
type Spec struct {
	Bounds
	Iterations int `json:"iterations" yaml:"iterations"`
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
}

// Option customises a Spec during construction.
type Option func(*options)

type options struct {
	spec          Spec
	iterationsSet bool
}

// WithIterations sets an explicit iteration budget instead of the heuristic. The
// budget must be positive; zero is rejected rather than treated as unset.
func WithIterations(n int) Option {
	return func(o *options) {
		o.spec.Iterations = n
		o.iterationsSet = true
	}
}

// WithResolution sets the pixel resolution.
func WithResolution(width, height int) Option {
	return func(o *options) {
		o.spec.Width = width
		o.spec.Height = height
	}
}

// New validates and constructs a Spec. Iterations default to IterationHeuristic and
// the resolution defaults to DefaultWidth x DefaultHeight.
func New(xmin, xmax, ymin, ymax float64, opts ...Option) (Spec, error) {
	o := options{spec: Spec{
		Bounds: Bounds{XMin: xmin, XMax: xmax, YMin: ymin, YMax: ymax},
		Width:  DefaultWidth,
		Height: DefaultHeight,
	}}
	if err := o.spec.Bounds.validate(); err != nil {
		return Spec{}, err
	}

	for _, opt := range opts {
		opt(&o)
	}
	s := o.spec
	if !o.iterationsSet {
		s.Iterations = IterationHeuristic(s.Bounds)
	}

	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for tests and constants.
func MustNew(xmin, xmax, ymin, ymax float64, opts ...Option) Spec {
	s, err := New(xmin, xmax, ymin, ymax, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether the spec satisfies all construction invariants.
func (s Spec) Validate() error {
	if err := s.Bounds.validate(); err != nil {
		return err
	}
	if s.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalid, s.Iterations)
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %dx%d", ErrInvalid, s.Width, s.Height)
	}
	return nil
}

func (b Bounds) validate() error {
	for _, v := range []float64{b.XMin, b.XMax, b.YMin, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bounds must be finite, got %s", ErrInvalid, b)
		}
	}
	if !(b.XMin < b.XMax) {
		return fmt.Errorf("%w: xmin %g must be less than xmax %g", ErrInvalid, b.XMin, b.XMax)
	}
	if !(b.YMin < b.YMax) {
		return fmt.Errorf("%w: ymin %g must be less than ymax %g", ErrInvalid, b.YMin, b.YMax)
	}
	// Finite corners can still overflow float64 when subtracted.
	if math.IsInf(b.Dx(), 0) || math.IsInf(b.Dy(), 0) {
		return fmt.Errorf("%w: span of %s overflows float64", ErrInvalid, b)
	}
	return nil
}

// Key returns the cache identity of the spec.
func (s Spec) Key() Key {
	return Key{Bounds: s.Bounds, Iterations: s.Iterations}
}

// Pixels returns Width*Height.
func (s Spec) Pixels() int {
	return s.Width * s.Height
}

// WithIterations returns a copy of s with a different iteration budget.
func (s Spec) WithIterations(n int) (Spec, error) {
	s.Iterations = n
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Tuple returns the serialized form xmin, xmax, ymin, ymax, iterations, width, height.
func (s Spec) Tuple() [7]float64 {
	return [7]float64{
		s.XMin, s.XMax, s.YMin, s.YMax,
		float64(s.Iterations), float64(s.Width), float64(s.Height),
	}
}

// FromTuple rebuilds a Spec from its serialized form.
func FromTuple(t [7]float64) (Spec, error) {
	for i := 4; i < 7; i++ {
		if t[i] != math.Trunc(t[i]) || t[i] > math.MaxInt32 {
			return Spec{}, fmt.Errorf("%w: tuple field %d is not an integer: %g", ErrInvalid, i, t[i])
		}
	}
	s := Spec{
		Bounds:     Bounds{XMin: t[0], XMax: t[1], YMin: t[2], YMax: t[3]},
		Iterations: int(t[4]),
		Width:      int(t[5]),
		Height:     int(t[6]),
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// String implements fmt.Stringer.
func (s Spec) String() string {
	return fmt.Sprintf("%s iterations=%d %dx%d", s.Bounds, s.Iterations, s.Width, s.Height)
}

// IterationHeuristic derives an iteration budget from the area of the bounds: deeper
// zooms get more iterations, capped at MaxIterations.
func IterationHeuristic(b Bounds) int {
	area := math.Log10(b.Dx() * b.Dy())
	v := 150*area - 209*area + 327
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return MaxIterations
	}
	if v >= MaxIterations {
		return MaxIterations
	}
	if v < 1 {
		return 1
	}
	return int(v)
}
