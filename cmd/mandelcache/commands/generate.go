package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mandelcache/mandelcache/pkg/dataset"
	"github.com/mandelcache/mandelcache/pkg/engine"
	"github.com/mandelcache/mandelcache/pkg/policy"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// viewportFlags are the flags shared by commands that address one viewport.
type viewportFlags struct {
	xmin, xmax, ymin, ymax float64
	iterations             int
	width, height          int
	zoom                   float64
	zoomSteps              int
	centerX, centerY       float64
}

func (f *viewportFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.xmin, "xmin", -2, "left edge of the viewport")
	cmd.Flags().Float64Var(&f.xmax, "xmax", 1, "right edge of the viewport")
	cmd.Flags().Float64Var(&f.ymin, "ymin", -1, "bottom edge of the viewport")
	cmd.Flags().Float64Var(&f.ymax, "ymax", 1, "top edge of the viewport")
	cmd.Flags().IntVarP(&f.iterations, "iterations", "n", 0, "iteration budget (0 derives it from the zoom depth)")
	cmd.Flags().IntVar(&f.width, "width", viewport.DefaultWidth, "horizontal resolution in pixels")
	cmd.Flags().IntVar(&f.height, "height", viewport.DefaultHeight, "vertical resolution in pixels")
	cmd.Flags().Float64Var(&f.zoom, "zoom", 0, "span scale applied around --center-x/--center-y (below 1 zooms in)")
	cmd.Flags().IntVar(&f.zoomSteps, "zoom-steps", 1, "number of times --zoom is applied")
	cmd.Flags().Float64Var(&f.centerX, "center-x", 0, "real part of the zoom center")
	cmd.Flags().Float64Var(&f.centerY, "center-y", 0, "imaginary part of the zoom center")
}

// spec builds the viewport the flags describe. Iterations given explicitly survive a
// zoom; otherwise the budget is derived from the zoomed bounds.
func (f *viewportFlags) spec(cmd *cobra.Command) (viewport.Spec, error) {
	opts := []viewport.Option{viewport.WithResolution(f.width, f.height)}
	if f.iterations != 0 {
		opts = append(opts, viewport.WithIterations(f.iterations))
	}

	spec, err := viewport.New(f.xmin, f.xmax, f.ymin, f.ymax, opts...)
	if err != nil {
		return viewport.Spec{}, err
	}

	if cmd.Flags().Changed("zoom") {
		spec, err = spec.Zoom(f.centerX, f.centerY, f.zoom, f.zoomSteps)
		if err != nil {
			return viewport.Spec{}, err
		}
		if f.iterations != 0 {
			spec, err = spec.WithIterations(f.iterations)
			if err != nil {
				return viewport.Spec{}, err
			}
		}
	}
	return spec, nil
}

// generateResult is the JSON form of a generate run.
type generateResult struct {
	RequestID      string  `json:"request_id"`
	Status         string  `json:"status"`
	Source         string  `json:"source,omitempty"`
	Precision      string  `json:"precision,omitempty"`
	BaseIterations int     `json:"base_iterations,omitempty"`
	Chunks         int     `json:"chunks,omitempty"`
	InteriorPixels int     `json:"interior_pixels,omitempty"`
	DurationSec    float64 `json:"duration_seconds"`
	Artifact       string  `json:"artifact,omitempty"`
	Output         string  `json:"output,omitempty"`
}

func newGenerateCommand() *cobra.Command {
	var (
		vp          viewportFlags
		force       bool
		progress    bool
		outFile     string
		progressive int
		firstStep   int
		noPolicy    bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the escape-time dataset of a viewport",
		Long: `Generate the smoothed escape-time dataset of a viewport.

The cache is consulted first: an exact match is returned as is, and a cached dataset
of the same viewport with fewer iterations is extended rather than recomputed. The
result is committed to the cache before the command returns.

Unless --no-policy is given, the plan is checked against the admission policies first
and a denied request computes nothing.

Interrupting the command abandons the computation and leaves the cache untouched.`,
		Example: `  # Full set at the default resolution
  mandelcache generate

  # Seahorse valley, 500 iterations
  mandelcache generate --xmin -0.75 --xmax -0.74 --ymin 0.1 --ymax 0.11 -n 500

  # Zoom in 10x three times around a point and export the dataset
  mandelcache generate --center-x -0.743 --center-y 0.131 --zoom 0.1 --zoom-steps 3 --out deep.etz

  # Recompute even when cached
  mandelcache generate -n 1000 --force

  # Refine progressively: 64, 256, 1024 then 2000 iterations, each step extending the last
  mandelcache generate -n 2000 --progressive 4 --first 64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := vp.spec(cmd)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			if progress {
				rt.tel.Events.Subscribe(func(event telemetry.Event) {
					log.Info().Str("request_id", event.RequestID).Msg(event.Message)
				}, telemetry.FilterByType(
					telemetry.EventTypeGenerationStarted,
					telemetry.EventTypeChunkCompleted,
					telemetry.EventTypeCacheEvicted,
				))
			}

			if !noPolicy {
				if _, _, err := rt.admit(cmd.Context(), spec, engine.GenerateOptions{ForceRegen: force}); err != nil {
					return err
				}
			}

			log.Debug().Str("viewport", spec.String()).Bool("force", force).Msg("Generating dataset")

			var (
				ds     *dataset.Dataset
				report *engine.Report
			)
			// An exact hit is served directly; the ladder would only recompute its steps.
			if progressive > 1 && !force && !rt.gen.Exists(spec) {
				steps := engine.RefinementSteps(firstStep, spec.Iterations, progressive)
				ds, err = rt.gen.Refine(cmd.Context(), spec, steps, func(step *dataset.Dataset, r *engine.Report) error {
					report = r
					log.Info().
						Int("iterations", step.Viewport.Iterations).
						Str("source", string(r.Source)).
						Dur("duration", r.Duration).
						Msg("Refinement step completed")
					return nil
				})
				if err != nil {
					return err
				}
				if ds != nil && ds.Viewport.Iterations != spec.Iterations {
					ds = nil
				}
				if report == nil {
					report = &engine.Report{}
				}
			} else {
				ds, report, err = rt.gen.Run(cmd.Context(), spec, engine.GenerateOptions{ForceRegen: force})
				if err != nil {
					return err
				}
			}

			result := generateResult{
				RequestID:   report.RequestID,
				DurationSec: report.Duration.Seconds(),
			}
			if ds == nil {
				result.Status = "cancelled"
				return printGenerateResult(cmd, result)
			}

			result.Status = "completed"
			result.Source = string(report.Source)
			result.Precision = report.Precision
			result.BaseIterations = report.BaseIterations
			result.Chunks = report.Chunks
			result.InteriorPixels = ds.InteriorCount()
			result.Artifact = rt.cache.Path(spec)

			if outFile != "" {
				if err := exportDataset(outFile, ds); err != nil {
					return err
				}
				result.Output = outFile
			}

			return printGenerateResult(cmd, result)
		},
	}

	vp.register(cmd)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "recompute even when the dataset is cached")
	cmd.Flags().BoolVar(&progress, "progress", false, "log chunk progress")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "also write the dataset to this file")
	cmd.Flags().IntVar(&progressive, "progressive", 0, "refine in steps growing by this factor (ignored with --force)")
	cmd.Flags().IntVar(&firstStep, "first", 64, "iteration count of the first progressive step")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip the admission policies")

	return cmd
}

func printGenerateResult(cmd *cobra.Command, r generateResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, r)
	}

	if r.Status == "cancelled" {
		fmt.Fprintf(out, "Generation %s cancelled, nothing was committed\n", r.RequestID)
		return nil
	}

	fmt.Fprintf(out, "Request:   %s\n", r.RequestID)
	fmt.Fprintf(out, "Source:    %s\n", r.Source)
	if r.BaseIterations > 0 {
		fmt.Fprintf(out, "Extended:  from %d iterations\n", r.BaseIterations)
	}
	fmt.Fprintf(out, "Precision: %s\n", r.Precision)
	fmt.Fprintf(out, "Chunks:    %d\n", r.Chunks)
	fmt.Fprintf(out, "Interior:  %d pixels\n", r.InteriorPixels)
	fmt.Fprintf(out, "Duration:  %.3fs\n", r.DurationSec)
	fmt.Fprintf(out, "Artifact:  %s\n", r.Artifact)
	if r.Output != "" {
		fmt.Fprintf(out, "Output:    %s\n", r.Output)
	}
	return nil
}

// exportDataset writes ds to path through a temporary file in the same directory.
func exportDataset(path string, ds *dataset.Dataset) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := dataset.Encode(tmp, ds); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func newExistsCommand() *cobra.Command {
	var vp viewportFlags

	cmd := &cobra.Command{
		Use:   "exists",
		Short: "Report whether a viewport is cached",
		Long: `Report whether the exact viewport and iteration count is cached.

Exits with status 0 and prints "true" or "false". Resolution is not part of the
cache identity.`,
		Example: `  mandelcache exists -n 256`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := vp.spec(cmd)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			found := rt.gen.Exists(spec)
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"exists": found,
					"path":   rt.cache.Path(spec),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), found)
			return nil
		},
	}

	vp.register(cmd)
	return cmd
}

// planResult is the JSON form of a plan and its policy verdict.
type planResult struct {
	*engine.Plan
	Policy *policy.Result `json:"policy,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var (
		vp    viewportFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how a generate request would be served",
		Long: `Show how a generate request would be served without computing anything.

The plan names the source (hit, incremental or fresh), the cached dataset that would be
extended, the number of iterations left to compute and the arithmetic precision. The
admission policies are evaluated against the plan and their verdict is shown; a denied
plan is not an error here.`,
		Example: `  mandelcache plan -n 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := vp.spec(cmd)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			plan, result, err := rt.admit(cmd.Context(), spec, engine.GenerateOptions{ForceRegen: force})
			if err != nil && !engine.IsPolicyDenied(err) {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), planResult{Plan: plan, Policy: result})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Viewport:  %s\n", plan.Spec)
			fmt.Fprintf(out, "Source:    %s\n", plan.Source)
			if plan.BaseIterations > 0 {
				fmt.Fprintf(out, "Extends:   %d iterations\n", plan.BaseIterations)
			}
			fmt.Fprintf(out, "Compute:   %d iterations in %d chunks\n", plan.Delta, plan.Chunks)
			fmt.Fprintf(out, "Precision: %s\n", plan.Precision)
			for _, s := range plan.Skipped {
				fmt.Fprintf(out, "Skipped:   %s\n", s)
			}
			if result != nil {
				verdict := "allowed"
				if !result.Allowed {
					verdict = "denied"
				}
				fmt.Fprintf(out, "Policy:    %s (%d policies)\n", verdict, len(result.Evaluated))
				for _, v := range result.Violations {
					fmt.Fprintf(out, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
				}
			}
			return nil
		},
	}

	vp.register(cmd)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "plan as if --force were given to generate")
	return cmd
}
