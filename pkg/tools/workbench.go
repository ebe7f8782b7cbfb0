package tools

import (
	"context"
	"fmt"
)

// ResampleMethod names a Workbench resampling method.
type ResampleMethod string

const (
	Barycentric  ResampleMethod = "BARYCENTRIC"
	AdapBaryArea ResampleMethod = "ADAP_BARY_AREA"
)

// Workbench drives wb_command.
type Workbench struct {
	Runner Runner
	Binary string
}

// NewWorkbench returns a wrapper around binary (default "wb_command").
func NewWorkbench(r Runner, binary string) *Workbench {
	if binary == "" {
		binary = "wb_command"
	}
	return &Workbench{Runner: r, Binary: binary}
}

func (w *Workbench) run(ctx context.Context, out string, args ...string) error {
	cmd := Command{Name: w.Binary, Args: args}
	if err := w.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return RequireOutputs(cmd, out)
}

// SurfaceModifySphere rescales a sphere to radius, optionally recentering
// it on the origin first.
func (w *Workbench) SurfaceModifySphere(ctx context.Context, in string, radius float64, out string, recenter bool) error {
	args := []string{"-surface-modify-sphere", in, formatFloat(radius), out}
	if recenter {
		args = append(args, "-recenter")
	}
	return w.run(ctx, out, args...)
}

// SurfaceResample moves a surface from currentSphere's topology onto newSphere's.
func (w *Workbench) SurfaceResample(ctx context.Context, in, currentSphere, newSphere string, method ResampleMethod, out string) error {
	return w.run(ctx, out, "-surface-resample", in, currentSphere, newSphere, string(method), out)
}

// MetricResample moves a metric from currentSphere's topology onto newSphere's.
func (w *Workbench) MetricResample(ctx context.Context, in, currentSphere, newSphere string, method ResampleMethod, out string) error {
	return w.run(ctx, out, "-metric-resample", in, currentSphere, newSphere, string(method), out)
}

// LabelResample moves a label file between topologies; largest keeps the
// label with the largest weight instead of blending.
func (w *Workbench) LabelResample(ctx context.Context, in, currentSphere, newSphere string, method ResampleMethod, out string, largest bool) error {
	args := []string{"-label-resample", in, currentSphere, newSphere, string(method), out}
	if largest {
		args = append(args, "-largest")
	}
	return w.run(ctx, out, args...)
}

// MetricMerge concatenates the columns of metrics into out, in order.
func (w *Workbench) MetricMerge(ctx context.Context, out string, metrics []string) error {
	if len(metrics) == 0 {
		return fmt.Errorf("metric merge needs at least one input")
	}
	args := []string{"-metric-merge", out}
	for _, m := range metrics {
		args = append(args, "-metric", m)
	}
	return w.run(ctx, out, args...)
}

// SurfaceVertexAreas writes the per-vertex area metric of surface.
func (w *Workbench) SurfaceVertexAreas(ctx context.Context, surface, out string) error {
	return w.run(ctx, out, "-surface-vertex-areas", surface, out)
}
