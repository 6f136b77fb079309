package policy

// BuiltinPolicies returns the policies shipped with mandelcache. Their limits come
// from input.limits, so a zero limit disables the corresponding rule.
func BuiltinPolicies() []Policy {
	return []Policy{
		workBudgetPolicy(),
		arbitraryWorkBudgetPolicy(),
		requestLimitsPolicy(),
		escapeRegionPolicy(),
	}
}

// workBudgetPolicy bounds the iteration steps a single request may compute.
func workBudgetPolicy() Policy {
	return Policy{
		Name:        "work-budget",
		Description: "Bounds pixels times iterations still to compute",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package mandelcache.policies.work

import rego.v1

deny contains violation if {
	input.limits.max_work > 0
	input.plan.work > input.limits.max_work
	violation := {
		"message": sprintf("plan computes %d pixel iterations, the budget is %d", [input.plan.work, input.limits.max_work]),
		"severity": "error",
	}
}
`,
	}
}

// arbitraryWorkBudgetPolicy applies a tighter budget to decimal arithmetic.
func arbitraryWorkBudgetPolicy() Policy {
	return Policy{
		Name:        "arbitrary-work-budget",
		Description: "Bounds the work of plans that need arbitrary-precision arithmetic",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package mandelcache.policies.arbitrary

import rego.v1

deny contains violation if {
	input.plan.precision == "arbitrary"
	input.limits.max_arbitrary_work > 0
	input.plan.work > input.limits.max_arbitrary_work
	violation := {
		"message": sprintf("arbitrary-precision plan computes %d pixel iterations, the budget is %d; lower the resolution or refine progressively", [input.plan.work, input.limits.max_arbitrary_work]),
		"severity": "error",
	}
}
`,
	}
}

// requestLimitsPolicy bounds iterations and resolution regardless of what is cached.
func requestLimitsPolicy() Policy {
	return Policy{
		Name:        "request-limits",
		Description: "Bounds the iteration count and the resolution of a request",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package mandelcache.policies.limits

import rego.v1

deny contains violation if {
	input.limits.max_iterations > 0
	input.viewport.iterations > input.limits.max_iterations
	violation := {
		"message": sprintf("%d iterations requested, at most %d allowed", [input.viewport.iterations, input.limits.max_iterations]),
		"severity": "error",
	}
}

deny contains violation if {
	input.limits.max_pixels > 0
	input.viewport.pixels > input.limits.max_pixels
	violation := {
		"message": sprintf("%dx%d requested, at most %d pixels allowed", [input.viewport.width, input.viewport.height, input.limits.max_pixels]),
		"severity": "error",
	}
}
`,
	}
}

// escapeRegionPolicy warns about viewports that miss the disc |c| <= 2, where every
// point escapes before the first iteration completes.
func escapeRegionPolicy() Policy {
	return Policy{
		Name:        "escape-region",
		Description: "Warns when the viewport lies entirely outside the disc of radius 2",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package mandelcache.policies.region

import rego.v1

outside if input.viewport.xmin > 2
outside if input.viewport.xmax < -2
outside if input.viewport.ymin > 2
outside if input.viewport.ymax < -2

deny contains violation if {
	outside
	violation := {
		"message": "viewport lies outside |c| <= 2, every pixel escapes immediately",
		"severity": "warning",
	}
}
`,
	}
}
