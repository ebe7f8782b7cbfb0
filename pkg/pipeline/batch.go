package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"surfalign/internal/logging"
	"surfalign/internal/models"
	"surfalign/pkg/cache"
	"surfalign/pkg/formats"
	"surfalign/pkg/tools"
)

// DefaultProgressEvery is how many items Batch processes between progress
// reports.
const DefaultProgressEvery = 50

// ProgressCallback receives the number of completed items, the total and a
// message describing the last item.
type ProgressCallback func(completed, total int, message string)

// Batch carries per-vertex feature files through a warp onto the fixed
// sphere.
type Batch struct {
	MSM   *tools.MSM
	Cache *cache.Cache

	// ProgressEvery is the reporting interval; values below 1 use
	// DefaultProgressEvery
	ProgressEvery int
	Progress      ProgressCallback

	Logger *slog.Logger
}

// NewBatch creates a batch resampler.
func NewBatch(msm *tools.MSM, c *cache.Cache, logger *slog.Logger) *Batch {
	return &Batch{MSM: msm, Cache: c, ProgressEvery: DefaultProgressEvery, Logger: logger}
}

// ResampledPath is the file Resample writes for feature.
func ResampledPath(feature, outputDir string) string {
	return filepath.Join(outputDir, formats.Stem(feature)+"_rsl.func.gii")
}

// Resample runs msmresample for every feature with warped as the transform
// and fixed as the target. The returned paths follow input order.
func (b *Batch) Resample(ctx context.Context, warped, fixed string, features []string, outputDir string) ([]string, error) {
	log := logging.OrNop(b.Logger)
	for _, in := range []string{warped, fixed} {
		if _, err := os.Stat(in); err != nil {
			return nil, models.Preconditionf("resample input %s: %v", in, err)
		}
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	every := b.ProgressEvery
	if every < 1 {
		every = DefaultProgressEvery
	}
	seen := make(map[string]string, len(features))
	out := make([]string, len(features))
	total := len(features)
	for i, feature := range features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := ResampledPath(feature, outputDir)
		if prev, dup := seen[target]; dup {
			return nil, models.Preconditionf("features %s and %s both resample to %s", prev, feature, target)
		}
		seen[target] = feature

		step := cache.Step{
			Name:    "msmresample",
			Inputs:  []string{warped, fixed, feature},
			Params:  []string{"adap_bary"},
			Outputs: []string{target},
		}
		skipped, err := b.Cache.Run(step, func() error {
			_, err := b.MSM.Resample(ctx, tools.ResampleArgs{
				Mesh:      warped,
				OutPrefix: strings.TrimSuffix(target, ".func.gii"),
				Project:   fixed,
				Labels:    feature,
				AdapBary:  true,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("resampling %s: %w", feature, err)
		}
		if skipped {
			log.Debug("resample cached", "feature", feature)
		}
		out[i] = target

		done := i + 1
		if done%every == 0 || done == total {
			msg := fmt.Sprintf("resampled %s", filepath.Base(target))
			log.Info("batch progress", "completed", done, "total", total)
			if b.Progress != nil {
				b.Progress(done, total, msg)
			}
		}
	}
	return out, nil
}
