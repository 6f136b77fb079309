package viewport

// Recenter moves the viewport so that (cx, cy) becomes its centre. Spans, iterations
// and resolution are preserved.
func (s Spec) Recenter(cx, cy float64) (Spec, error) {
	dx, dy := s.Dx()/2, s.Dy()/2
	return New(cx-dx, cx+dx, cy-dy, cy+dy,
		WithIterations(s.Iterations),
		WithResolution(s.Width, s.Height),
	)
}

// Zoom scales the viewport around (cx, cy) by factor^steps. A factor below one
// zooms in for positive steps. The iteration budget is re-derived from the new area.
func (s Spec) Zoom(cx, cy, factor float64, steps int) (Spec, error) {
	scale := 1.0
	for i := 0; i < steps; i++ {
		scale *= factor
	}
	for i := 0; i > steps; i-- {
		scale /= factor
	}

	w, h := s.Dx()*scale, s.Dy()*scale
	return New(cx-w/2, cx+w/2, cy-h/2, cy+h/2, WithResolution(s.Width, s.Height))
}
