package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"surfalign/internal/logging"
	"surfalign/pkg/formats"
	"surfalign/pkg/projection"
	"surfalign/pkg/tools"
)

// Job is one subject: the surfaces to align, the moving ribbon and the
// volumes to carry onto the fixed surface, grouped by label.
type Job struct {
	Surfaces Surfaces

	MovingWhite string
	MovingGray  string

	// Volumes maps a label to the volumes projected under it
	Volumes map[string][]string

	OutputDir string
}

// Spheres are the three spheres a finished job leaves behind.
type Spheres struct {
	Warped string
	Fixed  string
	Moving string
}

// Output is what Process produced.
type Output struct {
	Alignment *Alignment

	// Features maps each label to its resampled files on the fixed sphere,
	// in the order of Job.Volumes[label]
	Features map[string][]string
	Spheres  Spheres
}

// DefaultZScoreExempt lists label substrings whose profiles are not
// z-scored.
var DefaultZScoreExempt = []string{"entropy", "std"}

// DefaultProjectionOptions averages z-scored profiles over the first seven
// depths.
func DefaultProjectionOptions() projection.Options {
	opts := projection.DefaultOptions()
	opts.Aggregate = "mean"
	opts.Bound0, opts.Bound1 = 0, 7
	return opts
}

// Preprocessor aligns a job's surfaces, projects its volumes through the
// moving ribbon and resamples the projections onto the fixed sphere.
type Preprocessor struct {
	Orchestrator *Orchestrator
	Batch        *Batch
	Projection   projection.Options
	ZScoreExempt []string
	Logger       *slog.Logger
}

// NewPreprocessor wires a batch resampler to o's tools and cache.
func NewPreprocessor(o *Orchestrator, logger *slog.Logger) *Preprocessor {
	return &Preprocessor{
		Orchestrator: o,
		Batch:        NewBatch(o.Tools.MSM, o.Cache, logger),
		Projection:   DefaultProjectionOptions(),
		ZScoreExempt: DefaultZScoreExempt,
		Logger:       logger,
	}
}

// Process runs the whole job.
func (p *Preprocessor) Process(ctx context.Context, job Job) (*Output, error) {
	log := logging.OrNop(p.Logger)

	aligned, err := p.Orchestrator.Align(ctx, job.Surfaces, job.OutputDir)
	if err != nil {
		return nil, err
	}
	out := &Output{
		Alignment: aligned,
		Features:  make(map[string][]string, len(job.Volumes)),
		Spheres: Spheres{
			Warped: aligned.WarpedSphere,
			Fixed:  aligned.FixedSphere,
			Moving: aligned.MovingSphere,
		},
	}
	if len(job.Volumes) == 0 {
		return out, nil
	}

	white, gray, err := p.ribbon(ctx, aligned, job)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(job.Volumes))
	for label := range job.Volumes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	root := aligned.Workspace.Root
	for _, label := range labels {
		opts := p.Projection
		if projection.ZScoreExempt(label, p.ZScoreExempt) {
			opts.ZScore = false
		}
		projector := projection.New(p.Orchestrator.Cache, opts, p.Logger)
		log.Info("projecting volumes", "label", label, "volumes", len(job.Volumes[label]), "zscore", opts.ZScore)
		profiles, err := projector.Project(ctx, job.Volumes[label], white, gray, filepath.Join(root, "profiles", label))
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", label, err)
		}

		resampled, err := p.Batch.Resample(ctx, aligned.WarpedSphere, aligned.FixedSphere, profiles, filepath.Join(root, "resampled", label))
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", label, err)
		}
		out.Features[label] = resampled
	}

	if pc := p.Orchestrator.Context(); pc != nil {
		pc.Set("moving_white", white)
		pc.Set("moving_gray", gray)
		for _, label := range labels {
			pc.Set("features_"+label, filepath.Join(root, "resampled", label))
		}
		if err := pc.Save(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ribbon returns white and gray surfaces on the moving sphere's topology,
// resampling them when the orchestrator matched vertex counts.
func (p *Preprocessor) ribbon(ctx context.Context, aligned *Alignment, job Job) (string, string, error) {
	o := p.Orchestrator
	white, err := o.toGifti(job.MovingWhite, "moving", aligned.Workspace)
	if err != nil {
		return "", "", fmt.Errorf("white surface: %w", err)
	}
	gray, err := o.toGifti(job.MovingGray, "moving", aligned.Workspace)
	if err != nil {
		return "", "", fmt.Errorf("gray surface: %w", err)
	}
	if !aligned.Resampled {
		return white, gray, nil
	}

	n, err := formats.GiftiVertexCount(aligned.MovingSphere)
	if err != nil {
		return "", "", err
	}
	native, sphere := aligned.MovingNativeSphere, aligned.MovingSphere
	resampled := make([]string, 2)
	for i, src := range []string{white, gray} {
		dst := filepath.Join(aligned.Workspace.Root, fmt.Sprintf("n-%d_%s", n, filepath.Base(src)))
		if err := o.resample(dst, []string{src, native, sphere}, func() error {
			return o.Tools.Workbench.SurfaceResample(ctx, src, native, sphere, tools.Barycentric, dst)
		}); err != nil {
			return "", "", err
		}
		resampled[i] = dst
	}
	return resampled[0], resampled[1], nil
}
