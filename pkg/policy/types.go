package policy

import (
	"time"

	"github.com/mandelcache/mandelcache/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a generation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the generation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the generation.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated against every generation plan.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the module source. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with mandelcache.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one plan.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Evaluated lists the policies that ran, sorted by name.
	Evaluated []string `json:"evaluated"`

	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that deny the request.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Limits are the budgets the built-in policies enforce. Zero disables a limit.
type Limits struct {
	// MaxWork bounds pixels times iterations still to compute.
	MaxWork int64 `yaml:"max_work" json:"max_work" validate:"gte=0"`

	// MaxArbitraryWork bounds the work of arbitrary-precision plans, which run
	// orders of magnitude slower than fixed precision.
	MaxArbitraryWork int64 `yaml:"max_arbitrary_work" json:"max_arbitrary_work" validate:"gte=0"`

	// MaxIterations bounds the requested iteration count.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" validate:"gte=0"`

	// MaxPixels bounds the resolution.
	MaxPixels int `yaml:"max_pixels" json:"max_pixels" validate:"gte=0"`
}

// DefaultLimits only bounds arbitrary-precision work.
func DefaultLimits() Limits {
	return Limits{
		MaxArbitraryWork: 50_000_000,
	}
}

// Input is the document policies see as input.
type Input struct {
	Viewport ViewportInput `json:"viewport"`
	Plan     PlanInput     `json:"plan"`
	Limits   Limits        `json:"limits"`
}

// ViewportInput describes the requested viewport.
type ViewportInput struct {
	XMin       float64 `json:"xmin"`
	XMax       float64 `json:"xmax"`
	YMin       float64 `json:"ymin"`
	YMax       float64 `json:"ymax"`
	Span       float64 `json:"span"`
	Iterations int     `json:"iterations"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Pixels     int     `json:"pixels"`
}

// PlanInput describes how the request would be served.
type PlanInput struct {
	Source         string `json:"source"`
	Precision      string `json:"precision"`
	BaseIterations int    `json:"base_iterations"`
	Delta          int    `json:"delta"`
	Chunks         int    `json:"chunks"`

	// Work is pixels times Delta.
	Work int64 `json:"work"`
}

// NewInput builds the policy input for plan.
func NewInput(plan *engine.Plan, limits Limits) *Input {
	spec := plan.Spec
	return &Input{
		Viewport: ViewportInput{
			XMin:       spec.XMin,
			XMax:       spec.XMax,
			YMin:       spec.YMin,
			YMax:       spec.YMax,
			Span:       spec.Span(),
			Iterations: spec.Iterations,
			Width:      spec.Width,
			Height:     spec.Height,
			Pixels:     spec.Pixels(),
		},
		Plan: PlanInput{
			Source:         string(plan.Source),
			Precision:      plan.Precision,
			BaseIterations: plan.BaseIterations,
			Delta:          plan.Delta,
			Chunks:         plan.Chunks,
			Work:           int64(spec.Pixels()) * int64(plan.Delta),
		},
		Limits: limits,
	}
}
