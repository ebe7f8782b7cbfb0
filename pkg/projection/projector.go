// Package projection samples volumes through the cortical ribbon between a
// gray and a white surface, producing one per-vertex depth profile file per
// volume.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/logging"
	"surfalign/internal/models"
	"surfalign/pkg/cache"
	"surfalign/pkg/formats"
)

// Options control sampling and post-processing.
type Options struct {
	// Depths is the number of fractions sampled between gray and white
	Depths int `yaml:"depths"`

	// Sigma is the Gaussian pre-smoothing width in mm; 0 disables it
	Sigma float64 `yaml:"sigma"`

	Interpolation Interpolation `yaml:"interpolation"`
	ZScore        bool          `yaml:"zscore"`

	// Aggregate names a reducer over depths; empty keeps full profiles
	Aggregate string `yaml:"aggregate"`
	Bound0    int    `yaml:"bound0"`
	Bound1    int    `yaml:"bound1"`

	Invert int `yaml:"invert"`

	// WriteCoverage also writes a volume marking the voxels each depth hit
	WriteCoverage bool `yaml:"writeCoverage"`
}

// DefaultOptions returns full z-scored profiles at ten depths.
func DefaultOptions() Options {
	return Options{
		Depths:        10,
		Interpolation: Trilinear,
		ZScore:        true,
	}
}

func (o Options) params() []string {
	return []string{
		"depths=" + strconv.Itoa(o.Depths),
		"sigma=" + strconv.FormatFloat(o.Sigma, 'g', -1, 64),
		"interp=" + string(o.Interpolation),
		"zscore=" + strconv.FormatBool(o.ZScore),
		"aggregate=" + o.Aggregate,
		fmt.Sprintf("bounds=%d,%d", o.Bound0, o.Bound1),
		"invert=" + strconv.Itoa(o.Invert),
		"coverage=" + strconv.FormatBool(o.WriteCoverage),
	}
}

// Projector writes depth profiles through the cache.
type Projector struct {
	Cache   *cache.Cache
	Options Options
	Logger  *slog.Logger
}

// New creates a projector.
func New(c *cache.Cache, opts Options, logger *slog.Logger) *Projector {
	return &Projector{Cache: c, Options: opts, Logger: logger}
}

// ProfilePath is the file Project writes for volume.
func ProfilePath(volume, outputDir string) string {
	return filepath.Join(outputDir, formats.Stem(volume)+".func.gii")
}

// CoveragePath is the coverage volume written beside a profile.
func CoveragePath(profile string) string {
	return filepath.Join(filepath.Dir(profile), formats.Stem(profile)+"_coverage.nii.gz")
}

// Project samples every volume between gray and white and returns the
// profile files in input order.
func (p *Projector) Project(ctx context.Context, volumes []string, white, gray, outputDir string) ([]string, error) {
	log := logging.OrNop(p.Logger)
	opts := p.Options
	if opts.Depths <= 0 {
		return nil, fmt.Errorf("depths must be positive, got %d", opts.Depths)
	}
	var reduce Reducer
	if opts.Aggregate != "" {
		var err error
		if reduce, err = LookupReducer(opts.Aggregate); err != nil {
			return nil, err
		}
	}

	whiteMesh, err := formats.ReadMesh(white)
	if err != nil {
		return nil, fmt.Errorf("reading white surface: %w", err)
	}
	grayMesh, err := formats.ReadMesh(gray)
	if err != nil {
		return nil, fmt.Errorf("reading gray surface: %w", err)
	}
	if err := whiteMesh.CheckCompatible(grayMesh); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	fractions := DepthFractions(opts.Depths)
	seen := map[string]string{}
	out := make([]string, len(volumes))
	for i, volume := range volumes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		profile := ProfilePath(volume, outputDir)
		if prev, dup := seen[profile]; dup {
			return nil, models.Preconditionf("volumes %s and %s both project to %s", prev, volume, profile)
		}
		seen[profile] = volume

		outputs := []string{profile}
		if opts.WriteCoverage {
			outputs = append(outputs, CoveragePath(profile))
		}
		step := cache.Step{
			Name:    "project",
			Inputs:  []string{volume, white, gray},
			Params:  opts.params(),
			Outputs: outputs,
		}
		skipped, err := p.Cache.Run(step, func() error {
			return p.projectOne(volume, profile, whiteMesh, grayMesh, fractions, reduce)
		})
		if err != nil {
			return nil, fmt.Errorf("projecting %s: %w", volume, err)
		}
		log.Info("profile ready", "volume", volume, "output", profile, "cached", skipped)
		out[i] = profile
	}
	return out, nil
}

func (p *Projector) projectOne(volume, profile string, white, gray *models.Mesh, fractions []float64, reduce Reducer) error {
	opts := p.Options
	vol, err := formats.ReadNifti(volume)
	if err != nil {
		return err
	}
	vol = Smooth(vol, opts.Sigma)
	sampler, err := NewSampler(vol, opts.Interpolation)
	if err != nil {
		return err
	}

	var coverage *models.Volume
	if opts.WriteCoverage {
		coverage = models.NewVolume(vol.Width, vol.Height, vol.Depth, vol.Affine)
	}

	n := white.VertexCount()
	profiles := mat.NewDense(n, len(fractions), nil)
	for c, d := range fractions {
		for v := 0; v < n; v++ {
			pt := DepthPoint(gray.Vertices[v], white.Vertices[v], d)
			val := sampler.Sample(pt)
			if math.IsNaN(val) {
				val = 0
			}
			profiles.Set(v, c, val)
			if coverage != nil {
				vox := sampler.Voxel(pt)
				coverage.Set(int(math.Round(vox.X)), int(math.Round(vox.Y)), int(math.Round(vox.Z)), 1+d)
			}
		}
	}

	result, err := PostProcess(profiles, opts, reduce)
	if err != nil {
		return err
	}
	if err := formats.WriteGiftiMetric(profile, toMetric(result, fractions, opts.Aggregate), formats.IntentNormal); err != nil {
		return err
	}
	if coverage != nil {
		return formats.WriteNifti(CoveragePath(profile), coverage)
	}
	return nil
}

// DepthPoint interpolates from gray (d = 0) to white (d = 1).
func DepthPoint(gray, white r3.Vec, d float64) r3.Vec {
	return r3.Add(r3.Scale(1-d, gray), r3.Scale(d, white))
}

// PostProcess applies z-scoring, aggregation and inversion in that order.
// reduce may be nil to keep every depth.
func PostProcess(profiles *mat.Dense, opts Options, reduce Reducer) (*mat.Dense, error) {
	if opts.ZScore {
		profiles = ZScore(profiles)
	}
	if reduce != nil {
		var err error
		if profiles, err = Aggregate(profiles, reduce, opts.Bound0, opts.Bound1); err != nil {
			return nil, err
		}
	}
	return Invert(profiles, opts.Invert)
}

func toMetric(m *mat.Dense, fractions []float64, aggregate string) *models.Metric {
	_, c := m.Dims()
	metric := &models.Metric{}
	for j := 0; j < c; j++ {
		metric.Columns = append(metric.Columns, mat.Col(nil, j, m))
		name := aggregate
		if aggregate == "" {
			name = fmt.Sprintf("depth-%.3f", fractions[j])
		}
		metric.Names = append(metric.Names, name)
	}
	return metric
}
