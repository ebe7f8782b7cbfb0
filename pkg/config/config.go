// Package config provides configuration loading and management for surfalign.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"surfalign/pkg/features"
	"surfalign/pkg/pipeline"
	"surfalign/pkg/projection"
	"surfalign/pkg/tools"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Tools names the external executables; bare names are looked up in PATH
	Tools tools.Binaries `yaml:"tools"`

	// Features controls morphometry extraction and masking
	Features features.Options `yaml:"features"`

	// Projection controls ribbon sampling and post-processing
	Projection projection.Options `yaml:"projection"`

	// Alignment controls sphere normalization and the two registration stages
	Alignment pipeline.Options `yaml:"alignment"`

	// Batch resampling parameters
	Batch struct {
		// ProgressEvery is how many files are resampled between progress reports
		ProgressEvery int `yaml:"progressEvery"`
	} `yaml:"batch"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// Force recomputes every step even when cached outputs are current
		Force bool `yaml:"force"`
	} `yaml:"output"`

	// Job describes the surfaces and volumes of one run
	Job struct {
		Surfaces struct {
			FixedSphere  string `yaml:"fixedSphere"`
			FixedMid     string `yaml:"fixedMid"`
			FixedMask    string `yaml:"fixedMask"`
			MovingSphere string `yaml:"movingSphere"`
			MovingMid    string `yaml:"movingMid"`
			MovingMask   string `yaml:"movingMask"`
		} `yaml:"surfaces"`

		// White and Gray bound the moving cortical ribbon
		White string `yaml:"white"`
		Gray  string `yaml:"gray"`

		// Volumes groups the volumes to project by label
		Volumes map[string][]string `yaml:"volumes"`

		// ZScoreExempt lists label substrings whose profiles are not z-scored
		ZScoreExempt []string `yaml:"zscoreExempt"`
	} `yaml:"job"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Tools = tools.Binaries{
		Workbench:   "wb_command",
		MSM:         "msm",
		MSMResample: "msmresample",
		Inflate:     "mris_inflate",
		Curvature:   "mris_curvature",
	}
	cfg.Features = features.DefaultOptions()
	cfg.Projection = pipeline.DefaultProjectionOptions()
	cfg.Alignment = pipeline.DefaultOptions()

	cfg.Batch.ProgressEvery = pipeline.DefaultProgressEvery

	cfg.Output.Verbose = false
	cfg.Output.Force = false

	cfg.Job.Volumes = map[string][]string{}
	cfg.Job.ZScoreExempt = append([]string(nil), pipeline.DefaultZScoreExempt...)

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks parameter ranges. It does not check that input files
// exist; the pipeline reports those when it reaches them.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
		}
	}

	check(c.Tools.Workbench != "", "tools.workbench", "must not be empty")
	check(c.Tools.MSM != "", "tools.msm", "must not be empty")
	check(c.Tools.MSMResample != "", "tools.msmResample", "must not be empty")

	check(c.Features.InflateIterations > 0, "features.inflateIterations", "must be positive, got %d", c.Features.InflateIterations)
	check(c.Features.CurvatureAverages >= 0, "features.curvatureAverages", "must not be negative, got %d", c.Features.CurvatureAverages)
	check(c.Features.SulcSuffix != "", "features.sulcSuffix", "must not be empty")
	check(c.Features.CortexSentinelScale > 0, "features.cortexSentinelScale", "must be positive, got %g", c.Features.CortexSentinelScale)
	check(c.Features.AxisSentinelScale > 0, "features.axisSentinelScale", "must be positive, got %g", c.Features.AxisSentinelScale)

	p := c.Projection
	check(p.Depths > 0, "projection.depths", "must be positive, got %d", p.Depths)
	check(p.Sigma >= 0, "projection.sigma", "must not be negative, got %g", p.Sigma)
	check(p.Interpolation == projection.Trilinear || p.Interpolation == projection.Nearest,
		"projection.interpolation", "unknown method %q", p.Interpolation)
	if p.Aggregate != "" {
		_, err := projection.LookupReducer(p.Aggregate)
		check(err == nil, "projection.aggregate", "unknown reducer %q", p.Aggregate)
		bound1 := p.Bound1
		if bound1 == 0 {
			bound1 = p.Depths
		}
		check(p.Bound0 >= 0 && p.Bound0 < bound1 && bound1 <= p.Depths,
			"projection.bound0/bound1", "[%d, %d) does not fit %d depths", p.Bound0, p.Bound1, p.Depths)
	}
	check(p.Invert >= projection.InvertNone && p.Invert <= projection.InvertBinary,
		"projection.invert", "must be 0, 1 or 2, got %d", p.Invert)

	a := c.Alignment
	check(a.Radius > 0, "alignment.radius", "must be positive, got %g", a.Radius)
	check(a.CoarseLevels > 0, "alignment.coarseLevels", "must be positive, got %d", a.CoarseLevels)
	check(a.RefinedLevels > 0, "alignment.refinedLevels", "must be positive, got %d", a.RefinedLevels)
	if _, err := features.Parse(a.CoarseFeatures); err != nil {
		errs = append(errs, fmt.Errorf("alignment.coarseFeatures: %w", err))
	}
	if _, err := features.Parse(a.RefinedFeatures); err != nil {
		errs = append(errs, fmt.Errorf("alignment.refinedFeatures: %w", err))
	}

	check(c.Batch.ProgressEvery > 0, "batch.progressEvery", "must be positive, got %d", c.Batch.ProgressEvery)

	for label, vols := range c.Job.Volumes {
		check(len(vols) > 0, "job.volumes."+label, "must list at least one volume")
	}
	if len(c.Job.Volumes) > 0 {
		check(c.Job.White != "" && c.Job.Gray != "", "job.white/job.gray", "required when volumes are given")
	}

	return errors.Join(errs...)
}

// PipelineJob converts the job section into a pipeline job writing under outputDir.
func (c *Config) PipelineJob(outputDir string) pipeline.Job {
	s := c.Job.Surfaces
	return pipeline.Job{
		Surfaces: pipeline.Surfaces{
			FixedSphere:  s.FixedSphere,
			FixedMid:     s.FixedMid,
			FixedMask:    s.FixedMask,
			MovingSphere: s.MovingSphere,
			MovingMid:    s.MovingMid,
			MovingMask:   s.MovingMask,
		},
		MovingWhite: c.Job.White,
		MovingGray:  c.Job.Gray,
		Volumes:     c.Job.Volumes,
		OutputDir:   outputDir,
	}
}
