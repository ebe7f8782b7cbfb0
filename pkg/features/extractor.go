// Package features computes the per-vertex feature maps that drive
// spherical registration and merges them into one multi-column metric file.
package features

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"surfalign/internal/logging"
	"surfalign/internal/models"
	"surfalign/pkg/cache"
	"surfalign/pkg/formats"
	"surfalign/pkg/tools"
)

// Feature names one per-vertex map.
type Feature string

const (
	Sulc Feature = "sulc"
	Curv Feature = "curv"
	Mask Feature = "mask"
	X    Feature = "x"
	Y    Feature = "y"
	Z    Feature = "z"
	Area Feature = "area"
)

var known = map[Feature]bool{Sulc: true, Curv: true, Mask: true, X: true, Y: true, Z: true, Area: true}

// Parse validates feature names, keeping their order.
func Parse(names []string) ([]Feature, error) {
	if len(names) == 0 {
		return nil, models.Preconditionf("no features requested")
	}
	out := make([]Feature, len(names))
	seen := map[Feature]bool{}
	for i, n := range names {
		f := Feature(n)
		if !known[f] {
			return nil, models.Preconditionf("unknown feature %q", n)
		}
		if seen[f] {
			return nil, models.Preconditionf("feature %q requested twice", n)
		}
		seen[f] = true
		out[i] = f
	}
	return out, nil
}

// Options tune feature computation.
type Options struct {
	// InflateIterations and InflateDist are passed to mris_inflate
	InflateIterations int     `yaml:"inflateIterations"`
	InflateDist       float64 `yaml:"inflateDist"`

	// SulcSuffix is the extension mris_inflate gives sulcal depth files
	SulcSuffix string `yaml:"sulcSuffix"`

	// CurvatureAverages is the mris_curvature -a iteration count
	CurvatureAverages int `yaml:"curvatureAverages"`

	// CortexSentinelScale sets out-of-mask sulc, curv and area values
	CortexSentinelScale float64 `yaml:"cortexSentinelScale"`

	// AxisSentinelScale sets out-of-mask x, y and z values
	AxisSentinelScale float64 `yaml:"axisSentinelScale"`
}

// DefaultOptions returns the settings used for cortical registration.
func DefaultOptions() Options {
	return Options{
		InflateIterations:   10,
		InflateDist:         0.1,
		SulcSuffix:          "sulc",
		CurvatureAverages:   10,
		CortexSentinelScale: DefaultCortexSentinelScale,
		AxisSentinelScale:   DefaultAxisSentinelScale,
	}
}

// Request asks for one merged feature file.
type Request struct {
	Surface   string
	Mask      string
	OutputDir string
	Features  []string

	// Prefix is prepended to every file written, so two surfaces with the
	// same name can share OutputDir
	Prefix string
}

// Extractor computes features through the external tools and the cache.
type Extractor struct {
	Tools   *tools.Toolset
	Cache   *cache.Cache
	Options Options
	Logger  *slog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(ts *tools.Toolset, c *cache.Cache, opts Options, logger *slog.Logger) *Extractor {
	return &Extractor{Tools: ts, Cache: c, Options: opts, Logger: logger}
}

// OutputPath returns the merged file Extract writes for req.
func OutputPath(req Request) string {
	return filepath.Join(req.OutputDir, req.Prefix+formats.Stem(req.Surface)+"_metrics.func.gii")
}

// job carries the loaded inputs of one request.
type job struct {
	req    Request
	stem   string
	mesh   *models.Mesh
	inMask []bool
}

func (j *job) path(suffix string) string {
	return filepath.Join(j.req.OutputDir, j.stem+suffix)
}

// Extract computes the requested features in order and merges them into
// OutputPath(req). Every feature file is checked against the mesh vertex
// count before merging.
func (e *Extractor) Extract(ctx context.Context, req Request) (string, error) {
	log := logging.OrNop(e.Logger)
	feats, err := Parse(req.Features)
	if err != nil {
		return "", err
	}
	mesh, err := formats.ReadMesh(req.Surface)
	if err != nil {
		return "", fmt.Errorf("reading surface: %w", err)
	}
	mask, err := formats.ReadGiftiMetric(req.Mask)
	if err != nil {
		return "", fmt.Errorf("reading mask: %w", err)
	}
	if err := mask.CheckVertexCount(mesh.VertexCount()); err != nil {
		return "", fmt.Errorf("mask %s: %w", req.Mask, err)
	}
	inMask, err := mask.InMask()
	if err != nil {
		return "", fmt.Errorf("mask %s: %w", req.Mask, err)
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	j := &job{req: req, stem: req.Prefix + formats.Stem(req.Surface), mesh: mesh, inMask: inMask}
	files := make([]string, len(feats))
	for i, f := range feats {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		log.Debug("computing feature", "feature", f, "surface", req.Surface)
		files[i], err = e.feature(ctx, j, f)
		if err != nil {
			return "", fmt.Errorf("feature %s: %w", f, err)
		}
	}

	n := mesh.VertexCount()
	for i, file := range files {
		count, err := formats.GiftiVertexCount(file)
		if err != nil {
			return "", fmt.Errorf("feature %s: %w", feats[i], err)
		}
		if count != n {
			return "", models.Preconditionf("feature %s has %d vertices, surface %s has %d", feats[i], count, req.Surface, n)
		}
	}

	out := OutputPath(req)
	step := cache.Step{Name: "metric-merge", Inputs: files, Outputs: []string{out}}
	if _, err := e.Cache.Run(step, func() error {
		return e.Tools.Workbench.MetricMerge(ctx, out, files)
	}); err != nil {
		return "", err
	}

	merged, err := formats.ReadGiftiMetric(out)
	if err != nil {
		return "", fmt.Errorf("validating merged features: %w", err)
	}
	if err := merged.CheckVertexCount(n); err != nil {
		return "", fmt.Errorf("validating merged features: %w", err)
	}
	if merged.ColumnCount() != len(feats) {
		return "", fmt.Errorf("merged features %s has %d columns, expected %d", out, merged.ColumnCount(), len(feats))
	}
	log.Info("features ready", "output", out, "features", req.Features)
	return out, nil
}

func (e *Extractor) feature(ctx context.Context, j *job, f Feature) (string, error) {
	switch f {
	case Mask:
		return j.req.Mask, nil
	case X, Y, Z:
		return e.axis(j, f)
	case Sulc:
		return e.sulc(ctx, j)
	case Curv:
		return e.curv(ctx, j)
	case Area:
		return e.area(ctx, j)
	}
	return "", models.Preconditionf("unknown feature %q", f)
}

func (e *Extractor) axis(j *job, f Feature) (string, error) {
	axis := map[Feature]int{X: 0, Y: 1, Z: 2}[f]
	out := j.path("_axis-" + string(f) + ".func.gii")
	step := cache.Step{
		Name:    "axis",
		Inputs:  []string{j.req.Surface, j.req.Mask},
		Params:  []string{string(f), formatFloat(e.Options.AxisSentinelScale)},
		Outputs: []string{out},
	}
	_, err := e.Cache.Run(step, func() error {
		coords, err := j.mesh.Axis(axis)
		if err != nil {
			return err
		}
		values, err := NormalizeAxis(coords, j.inMask, e.Options.AxisSentinelScale)
		if err != nil {
			return err
		}
		return formats.WriteGiftiMetric(out, models.NewMetric(values, string(f)), formats.IntentNormal)
	})
	return out, err
}

func (e *Extractor) sulc(ctx context.Context, j *job) (string, error) {
	out := j.path("_sulc.func.gii")
	args := tools.InflateArgs{
		Surface:    j.req.Surface,
		Inflated:   j.path(".inflated"),
		Iterations: e.Options.InflateIterations,
		Dist:       e.Options.InflateDist,
		SulcSuffix: j.stem + "." + e.Options.SulcSuffix,
	}
	step := cache.Step{
		Name:   "sulc",
		Inputs: []string{j.req.Surface, j.req.Mask},
		Params: []string{
			strconv.Itoa(args.Iterations), formatFloat(args.Dist), args.SulcSuffix,
			formatFloat(e.Options.CortexSentinelScale),
		},
		Outputs: []string{out},
	}
	_, err := e.Cache.Run(step, func() error {
		raw, err := e.Tools.FreeSurfer.Inflate(ctx, args)
		if err != nil {
			return err
		}
		return e.writeMasked(raw, out, Sulc, j)
	})
	return out, err
}

func (e *Extractor) curv(ctx context.Context, j *job) (string, error) {
	out := j.path("_curv.func.gii")
	step := cache.Step{
		Name:   "curv",
		Inputs: []string{j.req.Surface, j.req.Mask},
		Params: []string{
			strconv.Itoa(e.Options.CurvatureAverages),
			formatFloat(e.Options.CortexSentinelScale),
		},
		Outputs: []string{out},
	}
	_, err := e.Cache.Run(step, func() error {
		raw, err := e.Tools.FreeSurfer.Curvature(ctx, j.req.Surface, e.Options.CurvatureAverages)
		if err != nil {
			return err
		}
		// mris_curvature writes beside its input; keep the raw file with
		// the other outputs instead.
		moved := j.path(".H")
		if err := moveFile(raw, moved); err != nil {
			return err
		}
		return e.writeMasked(moved, out, Curv, j)
	})
	return out, err
}

func (e *Extractor) area(ctx context.Context, j *job) (string, error) {
	out := j.path("_area.func.gii")
	raw := j.path("_area-raw.func.gii")
	step := cache.Step{
		Name:    "area",
		Inputs:  []string{j.req.Surface, j.req.Mask},
		Params:  []string{formatFloat(e.Options.CortexSentinelScale)},
		Outputs: []string{out},
	}
	_, err := e.Cache.Run(step, func() error {
		if err := e.Tools.Workbench.SurfaceVertexAreas(ctx, j.req.Surface, raw); err != nil {
			return err
		}
		return e.writeMasked(raw, out, Area, j)
	})
	return out, err
}

// writeMasked converts a raw morphometry or metric file to a masked
// single-column GIFTI metric.
func (e *Extractor) writeMasked(raw, out string, f Feature, j *job) error {
	var values []float64
	if filepath.Ext(raw) == ".gii" {
		m, err := formats.ReadGiftiMetric(raw)
		if err != nil {
			return err
		}
		values = m.Columns[0]
	} else {
		var err error
		if values, err = formats.ReadMorph(raw); err != nil {
			return err
		}
	}
	if len(values) != j.mesh.VertexCount() {
		return models.Preconditionf("%s has %d values, surface has %d vertices", raw, len(values), j.mesh.VertexCount())
	}
	masked, err := MaskCortex(values, j.inMask, e.Options.CortexSentinelScale)
	if err != nil {
		return err
	}
	return formats.WriteGiftiMetric(out, models.NewMetric(masked, string(f)), formats.IntentShape)
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("moving %s: %w", src, err)
	}
	defer in.Close()
	outFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("moving %s: %w", src, err)
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		return fmt.Errorf("moving %s: %w", src, err)
	}
	if err := outFile.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
