// Package dataset holds the result of an escape-time computation for one viewport
// and the binary artifact format it is persisted in.
package dataset

import (
	"errors"
	"fmt"

	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// ErrInvalid is returned by Validate when a dataset breaks its shape or value invariants.
var ErrInvalid = errors.New("invalid dataset")

// State is the last iterate of every pixel in exactly one representation.
type State struct {
	Precision numeric.Precision
	Fixed     []complex128
	Arbitrary []numeric.Arbitrary

	// Digits is the decimal precision the arbitrary iterates were computed with.
	Digits uint32
}

// Len returns the number of iterates held.
func (s State) Len() int {
	if s.Precision == numeric.PrecisionArbitrary {
		return len(s.Arbitrary)
	}
	return len(s.Fixed)
}

// Dataset is the escape-time result of a viewport. All slices are row-major with
// Viewport.Height rows of Viewport.Width pixels.
type Dataset struct {
	// EscapeTimes is the smoothed escape value of every pixel, 0 for interior pixels.
	EscapeTimes []float64

	// Interior is true for pixels that have not escaped within Viewport.Iterations.
	Interior []bool

	Viewport viewport.Spec
	Z        State
}

// Validate checks that all arrays share the viewport shape and that interior pixels
// carry an escape value of exactly 0.
func (d *Dataset) Validate() error {
	if err := d.Viewport.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	n := d.Viewport.Pixels()
	if len(d.EscapeTimes) != n {
		return fmt.Errorf("%w: %d escape values for %d pixels", ErrInvalid, len(d.EscapeTimes), n)
	}
	if len(d.Interior) != n {
		return fmt.Errorf("%w: %d mask values for %d pixels", ErrInvalid, len(d.Interior), n)
	}

	switch d.Z.Precision {
	case numeric.PrecisionFixed:
		if d.Z.Arbitrary != nil {
			return fmt.Errorf("%w: fixed state carries arbitrary iterates", ErrInvalid)
		}
	case numeric.PrecisionArbitrary:
		if d.Z.Fixed != nil {
			return fmt.Errorf("%w: arbitrary state carries fixed iterates", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown precision %s", ErrInvalid, d.Z.Precision)
	}
	if d.Z.Len() != n {
		return fmt.Errorf("%w: %d iterates for %d pixels", ErrInvalid, d.Z.Len(), n)
	}

	for i, in := range d.Interior {
		if in && d.EscapeTimes[i] != 0 {
			return fmt.Errorf("%w: interior pixel %d has escape value %g", ErrInvalid, i, d.EscapeTimes[i])
		}
	}
	return nil
}

// Clone returns a deep copy. Arbitrary iterates are immutable and shared.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		EscapeTimes: append([]float64(nil), d.EscapeTimes...),
		Interior:    append([]bool(nil), d.Interior...),
		Viewport:    d.Viewport,
		Z: State{
			Precision: d.Z.Precision,
			Digits:    d.Z.Digits,
		},
	}
	if d.Z.Fixed != nil {
		out.Z.Fixed = append([]complex128(nil), d.Z.Fixed...)
	}
	if d.Z.Arbitrary != nil {
		out.Z.Arbitrary = append([]numeric.Arbitrary(nil), d.Z.Arbitrary...)
	}
	return out
}

// At returns the escape value and interior flag of the pixel at (row, col).
func (d *Dataset) At(row, col int) (float64, bool) {
	i := row*d.Viewport.Width + col
	return d.EscapeTimes[i], d.Interior[i]
}

// Rows returns the escape values split into rows. The rows alias EscapeTimes.
func (d *Dataset) Rows() [][]float64 {
	w := d.Viewport.Width
	rows := make([][]float64, d.Viewport.Height)
	for r := range rows {
		rows[r] = d.EscapeTimes[r*w : (r+1)*w : (r+1)*w]
	}
	return rows
}

// InteriorCount returns the number of pixels that have not escaped.
func (d *Dataset) InteriorCount() int {
	n := 0
	for _, in := range d.Interior {
		if in {
			n++
		}
	}
	return n
}
