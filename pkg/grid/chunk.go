package grid

// RowRange is the half-open row interval [Start, End) of a chunk.
type RowRange struct {
	Index int
	Start int
	End   int
}

// Len returns the number of rows in the range.
func (r RowRange) Len() int { return r.End - r.Start }

// SplitRows divides height rows into at most parts contiguous ranges in row order.
// The first height%parts ranges receive one extra row; empty ranges are omitted and
// the remaining ones are renumbered so Index stays dense.
func SplitRows(height, parts int) []RowRange {
	if parts <= 0 {
		parts = 1
	}
	base, extra := height/parts, height%parts

	ranges := make([]RowRange, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		n := base
		if i < extra {
			n++
		}
		if n == 0 {
			continue
		}
		ranges = append(ranges, RowRange{Index: len(ranges), Start: start, End: start + n})
		start += n
	}
	return ranges
}

// Stack concatenates per-chunk row blocks in slice order.
func Stack[T any](blocks [][]T) []T {
	total := 0
	for _, b := range blocks {
		total += len(b)
	}
	out := make([]T, 0, total)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}
