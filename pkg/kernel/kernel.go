// Package kernel implements the escape-time iteration Z <- Z² + C over a chunk of
// coordinates.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mandelcache/mandelcache/pkg/numeric"
)

// Threshold is the divergence radius. A pixel escapes once |Z| > Threshold.
const Threshold = 2.0

// ErrArithmetic is returned when the scalar type reports an arithmetic failure.
var ErrArithmetic = errors.New("escape-time arithmetic failed")

// Result is the outcome of iterating one chunk.
type Result[T any] struct {
	// EscapeTimes holds the smoothed escape value of pixels that escaped during this
	// call and 0 everywhere else.
	EscapeTimes []float64

	// Interior is true for pixels that have not escaped.
	Interior []bool

	// Z is the last iterate of every pixel. Escaped pixels keep the value they had
	// when they crossed the threshold.
	Z []T

	// Steps is the number of iterations actually run.
	Steps int
}

// Iterate runs n more iterations of Z <- Z² + C starting from z0. offset is the
// number of iterations already folded into z0 (0 for a fresh start) and shifts the
// smoothed escape values so that a run split into several calls yields the same
// values as a single call.
//
// Pixels whose z0 already exceeds Threshold are treated as escaped and left alone.
// z0 is not modified. ctx is checked once per iteration; when it is done, the partial
// result is returned together with ctx.Err().
func Iterate[T numeric.Scalar[T]](ctx context.Context, c, z0 []T, offset, n int) (*Result[T], error) {
	if len(c) != len(z0) {
		return nil, fmt.Errorf("coordinate and iterate lengths differ: %d vs %d", len(c), len(z0))
	}
	if n < 0 || offset < 0 {
		return nil, fmt.Errorf("iteration counts must not be negative: offset=%d n=%d", offset, n)
	}

	res := &Result[T]{
		EscapeTimes: make([]float64, len(c)),
		Interior:    make([]bool, len(c)),
		Z:           make([]T, len(c)),
	}
	copy(res.Z, z0)

	// active holds the indices still inside the threshold.
	active := make([]int, 0, len(c))
	for i, z := range res.Z {
		if z.Exceeds(Threshold) {
			continue
		}
		res.Interior[i] = true
		active = append(active, i)
	}

	for step := 0; step < n && len(active) > 0; step++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		kept := active[:0]
		for _, i := range active {
			z := res.Z[i].Square().Add(c[i])
			if err := z.Err(); err != nil {
				return res, fmt.Errorf("%w: pixel %d at step %d: %v", ErrArithmetic, i, offset+step+1, err)
			}
			res.Z[i] = z

			if z.Exceeds(Threshold) {
				res.Interior[i] = false
				res.EscapeTimes[i] = Smooth(offset+step, z.Abs())
				continue
			}
			kept = append(kept, i)
		}
		active = kept
		res.Steps++
	}

	// Once every pixel has escaped the remaining steps are no-ops.
	if len(active) == 0 {
		res.Steps = n
	}

	return res, nil
}

// Smooth returns the continuous escape value for a pixel that crossed the threshold
// on the zero-based iteration step with magnitude mag.
func Smooth(step int, mag float64) float64 {
	return float64(step) + 1 - math.Log(math.Log2(mag))
}
