package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"surfalign/internal/logging"
	"surfalign/pkg/cache"
	"surfalign/pkg/config"
	"surfalign/pkg/pipeline"
	"surfalign/pkg/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "surfalign: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command line arguments
	configPath := flag.String("config", "surfalign.yaml", "YAML configuration file")
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")
	outputDir := flag.String("output", "surfalign_out", "Output directory")
	force := flag.Bool("force", false, "Recompute every step even when cached outputs are current")
	rerun := flag.String("rerun", "", "Comma-separated step names (e.g. msm,msmresample) whose cached outputs are discarded first")
	status := flag.Bool("status", false, "List the cached steps in the output directory and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	alignOnly := flag.Bool("align-only", false, "Stop after the refined registration")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *initConfig)
		return nil
	}

	if *status {
		c, err := cache.Open(*outputDir, false)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		printStatus(c)
		return nil
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *force {
		cfg.Output.Force = true
	}
	if *verbose {
		cfg.Output.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := logging.New(os.Stderr, cfg.Output.Verbose)

	fmt.Println("================================")
	fmt.Println("SURFALIGN: SPHERICAL SURFACE ALIGNMENT AND RIBBON PROJECTION")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := cache.Open(*outputDir, cfg.Output.Force)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	c.Logger = logger

	if *rerun != "" {
		var errs []error
		for _, name := range strings.Split(*rerun, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			n, err := c.Invalidate(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Printf("Discarded %d cached %s step(s)\n", n, name)
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("failed to discard cached steps: %w", err)
		}
	}

	runner := tools.NewExecRunner(logger)
	ts := tools.NewToolset(runner, cfg.Tools)
	orchestrator := pipeline.NewOrchestrator(ts, c, cfg.Features, cfg.Alignment, logger)
	orchestrator.OnTransition = func(s pipeline.State) {
		fmt.Printf("-> %s\n", s)
	}

	job := cfg.PipelineJob(*outputDir)
	startTime := time.Now()

	if *alignOnly {
		fmt.Println("Starting spherical alignment...")
		res, err := orchestrator.Align(ctx, job.Surfaces, *outputDir)
		if err != nil {
			return fmt.Errorf("alignment failed: %w", err)
		}
		fmt.Printf("\nAlignment completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
		printSpheres(res.WarpedSphere, res.FixedSphere, res.MovingSphere)
		fmt.Printf("Mean warp displacement: %.4f rad (max %.4f rad)\n", res.Refined.Displacement.Mean, res.Refined.Displacement.Max)
		fmt.Printf("Fixed-to-warped vertex gap: %.4g mean, %.4g max\n", res.SphereGap.Mean, res.SphereGap.Max)
		return nil
	}

	pre := pipeline.NewPreprocessor(orchestrator, logger)
	pre.Projection = cfg.Projection
	pre.ZScoreExempt = cfg.Job.ZScoreExempt
	pre.Batch.ProgressEvery = cfg.Batch.ProgressEvery
	pre.Batch.Progress = func(completed, total int, message string) {
		percentage := float64(completed) / float64(total) * 100
		fmt.Printf("\rResampling: %.1f%% (%d/%d) %s", percentage, completed, total, message)
		if completed >= total {
			fmt.Println()
		}
	}

	fmt.Println("Starting alignment and projection...")
	out, err := pre.Process(ctx, job)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	fmt.Printf("\nProcessing completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	printSpheres(out.Spheres.Warped, out.Spheres.Fixed, out.Spheres.Moving)

	labels := make([]string, 0, len(out.Features))
	for label := range out.Features {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	fmt.Println("\nFeatures on the fixed surface:")
	for _, label := range labels {
		fmt.Printf("- %s:\n", label)
		for _, f := range out.Features[label] {
			fmt.Printf("    %s\n", f)
		}
	}
	fmt.Printf("\nArtifacts recorded in: %s\n", out.Alignment.Workspace.Root)
	return nil
}

func printSpheres(warped, fixed, moving string) {
	fmt.Println("Spheres:")
	fmt.Printf("- warped: %s\n", warped)
	fmt.Printf("- fixed:  %s\n", fixed)
	fmt.Printf("- moving: %s\n", moving)
}

func printStatus(c *cache.Cache) {
	entries := c.Entries()
	if len(entries) == 0 {
		fmt.Printf("No cached steps in %s\n", c.Path())
		return
	}
	fmt.Printf("Cached steps in %s:\n", c.Path())
	for _, e := range entries {
		fmt.Printf("- %-14s %s\n", e.Step, e.Updated.Local().Format(time.RFC3339))
		for _, out := range e.Outputs {
			fmt.Printf("    %s\n", out)
		}
	}
}
