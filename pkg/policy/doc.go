// Package policy admits or denies generation plans with Open Policy Agent.
//
// Every policy is a Rego module defining a deny set. The engine evaluates
// data.<package>.deny with an input document describing the plan:
//
//	{
//	  "viewport": {"xmin": -2, "xmax": 1, "ymin": -1, "ymax": 1, "span": 2,
//	               "iterations": 256, "width": 800, "height": 600, "pixels": 480000},
//	  "plan":     {"source": "incremental", "precision": "fixed",
//	               "base_iterations": 64, "delta": 192, "chunks": 16, "work": 92160000},
//	  "limits":   {"max_work": 0, "max_arbitrary_work": 50000000,
//	               "max_iterations": 0, "max_pixels": 0}
//	}
//
// Deny elements are strings or objects with "message" and "severity". Violations of
// severity error or critical block the generation; info and warning are reported.
//
// A custom policy:
//
//	# Keep deep zooms small.
//	package local.deep
//
//	import rego.v1
//
//	deny contains "deep zooms are limited to 256x256" if {
//		input.plan.precision == "arbitrary"
//		input.viewport.pixels > 65536
//	}
//
// Cache hits compute nothing, so the built-in work budgets never deny them.
package policy
