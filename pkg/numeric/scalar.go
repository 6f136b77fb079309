// Package numeric provides the complex scalar types the escape-time kernel iterates
// over: a fixed-precision complex128 and an arbitrary-precision decimal complex used
// for deeply zoomed viewports.
package numeric

import (
	"fmt"
	"math/cmplx"
)

// Precision names the numeric representation of a grid and its iterates.
type Precision uint8

const (
	// PrecisionFixed uses complex128 arithmetic.
	PrecisionFixed Precision = iota + 1

	// PrecisionArbitrary uses decimal arithmetic with a configurable digit count.
	PrecisionArbitrary
)

// String implements fmt.Stringer.
func (p Precision) String() string {
	switch p {
	case PrecisionFixed:
		return "fixed"
	case PrecisionArbitrary:
		return "arbitrary"
	default:
		return fmt.Sprintf("precision(%d)", uint8(p))
	}
}

// Scalar is the capability the kernel needs from a complex number type. The zero
// value of an implementation must represent 0+0i.
type Scalar[T any] interface {
	Add(T) T
	Mul(T) T
	Square() T

	// Abs returns the magnitude as a float64, used for the smoothed escape value.
	Abs() float64

	// Exceeds reports whether the magnitude is strictly greater than limit.
	Exceeds(limit float64) bool

	// Err returns the first arithmetic error encountered while producing the value.
	Err() error
}

// Fixed is a fixed-precision complex number.
type Fixed complex128

var _ Scalar[Fixed] = Fixed(0)

// Add returns f+g.
func (f Fixed) Add(g Fixed) Fixed { return f + g }

// Mul returns f*g.
func (f Fixed) Mul(g Fixed) Fixed { return f * g }

// Square returns f*f.
func (f Fixed) Square() Fixed { return f * f }

// Abs returns |f|.
func (f Fixed) Abs() float64 { return cmplx.Abs(complex128(f)) }

// Exceeds reports whether |f| > limit.
func (f Fixed) Exceeds(limit float64) bool { return f.Abs() > limit }

// Err always returns nil; complex128 arithmetic does not fail.
func (f Fixed) Err() error { return nil }

// Zeros returns n zero values of T.
func Zeros[T any](n int) []T {
	return make([]T, n)
}

// AddAll returns the elementwise sum of a and b.
func AddAll[T Scalar[T]](a, b []T) ([]T, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("shape mismatch: %d vs %d", len(a), len(b))
	}
	out := make([]T, len(a))
	for i := range a {
		out[i] = a[i].Add(b[i])
		if err := out[i].Err(); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// SquareAll returns the elementwise square of a.
func SquareAll[T Scalar[T]](a []T) ([]T, error) {
	out := make([]T, len(a))
	for i := range a {
		out[i] = a[i].Square()
		if err := out[i].Err(); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// AbsAll returns the elementwise magnitude of a.
func AbsAll[T Scalar[T]](a []T) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i].Abs()
	}
	return out
}
