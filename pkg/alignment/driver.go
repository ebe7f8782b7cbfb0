// Package alignment runs spherical registration of a moving surface onto a
// fixed one, either as a single stage or as a coarse stage whose warp seeds
// a refined stage.
package alignment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"surfalign/internal/logging"
	"surfalign/internal/models"
	"surfalign/pkg/cache"
	"surfalign/pkg/formats"
	"surfalign/pkg/surface"
	"surfalign/pkg/tools"
)

// Input is one side of a registration: its sphere, the feature metric
// sampled on it and the per-vertex weight mask.
type Input struct {
	Sphere string
	Data   string
	Mask   string
}

// Request describes one registration stage.
type Request struct {
	Fixed  Input
	Moving Input

	// Trans seeds the stage with a previous warped sphere
	Trans string

	Levels    int
	OutputDir string
}

// Result holds the files a stage produced.
type Result struct {
	WarpedSphere  string
	ResampledData string

	// Displacement is the angular movement of the moving sphere; zero when
	// it could not be measured
	Displacement surface.Displacement
}

// Driver runs msm through the cache.
type Driver struct {
	MSM   *tools.MSM
	Cache *cache.Cache

	// Config is an optional msm configuration file
	Config string

	Logger *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(msm *tools.MSM, c *cache.Cache, logger *slog.Logger) *Driver {
	return &Driver{MSM: msm, Cache: c, Logger: logger}
}

// OutputPrefix is the prefix msm writes under for req: the moving data file
// name without its last two extensions, followed by "_warped_".
func OutputPrefix(req Request) string {
	parts := strings.Split(filepath.Base(req.Moving.Data), ".")
	if len(parts) > 2 {
		parts = parts[:len(parts)-2]
	} else {
		parts = parts[:1]
	}
	return filepath.Join(req.OutputDir, strings.Join(parts, ".")+"_warped_")
}

// Align runs one registration stage. The warped sphere and resampled data
// must both exist afterwards.
func (d *Driver) Align(ctx context.Context, req Request) (Result, error) {
	log := logging.OrNop(d.Logger)
	if req.Levels <= 0 {
		return Result{}, fmt.Errorf("levels must be positive, got %d", req.Levels)
	}
	inputs := []string{
		req.Moving.Sphere, req.Moving.Data, req.Moving.Mask,
		req.Fixed.Sphere, req.Fixed.Data, req.Fixed.Mask,
	}
	if req.Trans != "" {
		inputs = append(inputs, req.Trans)
	}
	if d.Config != "" {
		inputs = append(inputs, d.Config)
	}
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return Result{}, models.Preconditionf("registration input %s: %v", in, err)
		}
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating output directory: %w", err)
	}

	args := tools.RegisterArgs{
		InMesh:    req.Moving.Sphere,
		InData:    req.Moving.Data,
		InWeight:  req.Moving.Mask,
		RefMesh:   req.Fixed.Sphere,
		RefData:   req.Fixed.Data,
		RefWeight: req.Fixed.Mask,
		Trans:     req.Trans,
		Config:    d.Config,
		OutPrefix: OutputPrefix(req),
		Levels:    req.Levels,
	}
	sphere, data := tools.RegisterOutputs(args.OutPrefix)
	step := cache.Step{
		Name:    "msm",
		Inputs:  inputs,
		Params:  []string{"levels=" + strconv.Itoa(req.Levels), "seeded=" + strconv.FormatBool(req.Trans != "")},
		Outputs: []string{sphere, data},
	}
	skipped, err := d.Cache.Run(step, func() error {
		log.Info("registering", "moving", req.Moving.Data, "fixed", req.Fixed.Data, "levels", req.Levels, "seed", req.Trans)
		_, _, err := d.MSM.Register(ctx, args)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("registration: %w", err)
	}

	res := Result{WarpedSphere: sphere, ResampledData: data}
	if disp, err := measure(req.Moving.Sphere, sphere); err != nil {
		log.Warn("could not measure warp", "error", err)
	} else {
		res.Displacement = disp
		log.Info("registration done", "warped", sphere, "cached", skipped,
			"mean_displacement_rad", disp.Mean, "max_displacement_rad", disp.Max)
	}
	return res, nil
}

// Staged runs coarse, then refined seeded with the coarse warped sphere.
// Any Trans already set on refined is replaced. between, when non-nil, is
// called with the coarse result before the refined stage starts.
func (d *Driver) Staged(ctx context.Context, coarse, refined Request, between func(Result)) (Result, Result, error) {
	first, err := d.Align(ctx, coarse)
	if err != nil {
		return Result{}, Result{}, fmt.Errorf("coarse stage: %w", err)
	}
	if between != nil {
		between(first)
	}
	refined.Trans = first.WarpedSphere
	second, err := d.Align(ctx, refined)
	if err != nil {
		return first, Result{}, fmt.Errorf("refined stage: %w", err)
	}
	return first, second, nil
}

func measure(moving, warped string) (surface.Displacement, error) {
	m, err := formats.ReadMesh(moving)
	if err != nil {
		return surface.Displacement{}, err
	}
	w, err := formats.ReadMesh(warped)
	if err != nil {
		return surface.Displacement{}, err
	}
	return surface.Measure(m, w)
}
