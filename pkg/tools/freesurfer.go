package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Hemisphere returns "lh" or "rh" when the file name carries a FreeSurfer
// hemisphere prefix, and "" otherwise.
func Hemisphere(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "lh."):
		return "lh"
	case strings.HasPrefix(base, "rh."):
		return "rh"
	}
	return ""
}

// InflateArgs are the inputs of one mris_inflate run.
type InflateArgs struct {
	Surface    string
	Inflated   string
	Iterations int
	Dist       float64

	// SulcSuffix names the sulcal depth file, written next to Inflated
	SulcSuffix string
}

// SulcOutput is where mris_inflate writes sulcal depth for a. Surfaces
// without a hemisphere prefix are written as right hemisphere.
func (a InflateArgs) SulcOutput() string {
	hemi := Hemisphere(a.Surface)
	if hemi == "" {
		hemi = "rh"
	}
	return filepath.Join(filepath.Dir(a.Inflated), hemi+"."+a.SulcSuffix)
}

// CurvatureOutput is where mris_curvature -w writes mean curvature for surface.
func CurvatureOutput(surface string) string {
	prefix := ""
	if Hemisphere(surface) == "" {
		prefix = "unknown."
	}
	return filepath.Join(filepath.Dir(surface), prefix+filepath.Base(surface)+".H")
}

// FreeSurfer drives the FreeSurfer morphometry tools.
type FreeSurfer struct {
	Runner          Runner
	InflateBinary   string
	CurvatureBinary string
}

// NewFreeSurfer returns a wrapper; empty names default to the stock binaries.
func NewFreeSurfer(r Runner, inflate, curvature string) *FreeSurfer {
	if inflate == "" {
		inflate = "mris_inflate"
	}
	if curvature == "" {
		curvature = "mris_curvature"
	}
	return &FreeSurfer{Runner: r, InflateBinary: inflate, CurvatureBinary: curvature}
}

// Inflate runs mris_inflate and returns the raw sulcal depth file.
func (f *FreeSurfer) Inflate(ctx context.Context, a InflateArgs) (string, error) {
	cmd := Command{
		Name: f.InflateBinary,
		Args: []string{
			"-dist", formatFloat(a.Dist),
			"-n", strconv.Itoa(a.Iterations),
			"-sulc", a.SulcSuffix,
			a.Surface, a.Inflated,
		},
	}
	if err := f.Runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("mris_inflate: %w", err)
	}
	out := a.SulcOutput()
	if err := RequireOutputs(cmd, out); err != nil {
		return "", err
	}
	return out, nil
}

// Curvature runs mris_curvature -w with averages iterations and returns the
// raw mean-curvature file.
func (f *FreeSurfer) Curvature(ctx context.Context, surface string, averages int) (string, error) {
	cmd := Command{
		Name: f.CurvatureBinary,
		Args: []string{"-w", "-a", strconv.Itoa(averages), surface},
	}
	if err := f.Runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("mris_curvature: %w", err)
	}
	out := CurvatureOutput(surface)
	if err := RequireOutputs(cmd, out); err != nil {
		return "", err
	}
	return out, nil
}
