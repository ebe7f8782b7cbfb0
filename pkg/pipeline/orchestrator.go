// Package pipeline sequences the end-to-end alignment: sphere
// normalization, vertex-count matching, feature extraction and two-stage
// registration, followed by ribbon projection and batch resampling of the
// projected features onto the fixed surface.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"surfalign/internal/logging"
	"surfalign/pkg/alignment"
	"surfalign/pkg/cache"
	"surfalign/pkg/features"
	"surfalign/pkg/formats"
	"surfalign/pkg/surface"
	"surfalign/pkg/tools"
)

// State is a stage of the orchestrator.
type State string

const (
	StateStart         State = "start"
	StateMeshNormalize State = "mesh-normalize"
	StateVertexMatch   State = "vertex-count-match"
	StateExtractMoving State = "metric-extract(moving)"
	StateExtractFixed  State = "metric-extract(fixed)"
	StateCoarseAlign   State = "coarse-align"
	StateRefinedAlign  State = "refined-align"
	StateDone          State = "done"
)

// Surfaces are the caller's inputs for one hemisphere.
type Surfaces struct {
	FixedSphere string
	FixedMid    string
	FixedMask   string

	MovingSphere string
	MovingMid    string
	MovingMask   string
}

// Options tune the alignment.
type Options struct {
	// Radius is the sphere radius both meshes are normalized to
	Radius float64 `yaml:"radius"`

	CoarseFeatures  []string `yaml:"coarseFeatures"`
	RefinedFeatures []string `yaml:"refinedFeatures"`
	CoarseLevels    int      `yaml:"coarseLevels"`
	RefinedLevels   int      `yaml:"refinedLevels"`

	// MSMConfig is an optional msm configuration file for both stages
	MSMConfig string `yaml:"msmConfig"`

	// SphereTolerance bounds the radius check after normalization
	SphereTolerance float64 `yaml:"sphereTolerance"`
}

// DefaultOptions aligns coordinates first, then sulcal depth.
func DefaultOptions() Options {
	return Options{
		Radius:          1,
		CoarseFeatures:  []string{"x", "y", "z"},
		RefinedFeatures: []string{"sulc"},
		CoarseLevels:    2,
		RefinedLevels:   2,
		SphereTolerance: 1e-3,
	}
}

// Alignment is the outcome of Orchestrator.Align.
type Alignment struct {
	Workspace Workspace

	// WarpedSphere is the final transform
	WarpedSphere string

	FixedSphere  string
	MovingSphere string
	MovingMid    string
	MovingMask   string

	// MovingNativeSphere is the normalized moving sphere before vertex
	// matching; equal to MovingSphere when no matching was needed
	MovingNativeSphere string
	Resampled          bool

	Coarse  alignment.Result
	Refined alignment.Result

	// SphereGap is how far the fixed sphere's vertices lie from the warped
	// sphere; zero when it could not be measured
	SphereGap surface.Gap
}

// Orchestrator runs the alignment state machine. A failure leaves State()
// at the failing stage; nothing is rolled back.
type Orchestrator struct {
	Tools     *tools.Toolset
	Cache     *cache.Cache
	Extractor *features.Extractor
	Driver    *alignment.Driver
	Options   Options
	Logger    *slog.Logger

	// OnTransition, when set, is called on every state change
	OnTransition func(State)

	mu      sync.Mutex
	state   State
	context *Context
}

// NewOrchestrator wires an extractor and driver over ts and c.
func NewOrchestrator(ts *tools.Toolset, c *cache.Cache, featureOpts features.Options, opts Options, logger *slog.Logger) *Orchestrator {
	driver := alignment.NewDriver(ts.MSM, c, logger)
	driver.Config = opts.MSMConfig
	return &Orchestrator{
		Tools:     ts,
		Cache:     c,
		Extractor: features.NewExtractor(ts, c, featureOpts, logger),
		Driver:    driver,
		Options:   opts,
		Logger:    logger,
		state:     StateStart,
	}
}

// State returns the current stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Context returns the artifacts recorded by the last run, or nil.
func (o *Orchestrator) Context() *Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.context
}

func (o *Orchestrator) enter(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	logging.OrNop(o.Logger).Debug("state", "state", string(s))
	if o.OnTransition != nil {
		o.OnTransition(s)
	}
}

// Align runs every stage in order under outputDir.
func (o *Orchestrator) Align(ctx context.Context, in Surfaces, outputDir string) (*Alignment, error) {
	log := logging.OrNop(o.Logger)
	o.enter(StateStart)
	ws, err := NewWorkspace(outputDir)
	if err != nil {
		return nil, err
	}
	pc := NewContext(ws.Root)
	o.mu.Lock()
	o.context = pc
	o.mu.Unlock()
	res := &Alignment{Workspace: ws}

	// Step 1: Normalize both spheres to a centred sphere of the same radius
	o.enter(StateMeshNormalize)
	log.Info("Step 1: Normalizing spheres...")
	fixedSphere, err := o.normalizeSphere(ctx, in.FixedSphere, "fixed", ws)
	if err != nil {
		return nil, o.fail(err)
	}
	movingSphere, err := o.normalizeSphere(ctx, in.MovingSphere, "moving", ws)
	if err != nil {
		return nil, o.fail(err)
	}
	movingMid, err := o.toGifti(in.MovingMid, "moving", ws)
	if err != nil {
		return nil, o.fail(err)
	}
	fixedMid, err := o.toGifti(in.FixedMid, "fixed", ws)
	if err != nil {
		return nil, o.fail(err)
	}
	res.FixedSphere, res.MovingNativeSphere = fixedSphere, movingSphere
	pc.Set("fixed_sphere", fixedSphere)
	pc.Set("moving_sphere_native", movingSphere)

	// Step 2: Put the moving surfaces on the fixed sphere's topology
	o.enter(StateVertexMatch)
	log.Info("Step 2: Matching vertex counts...")
	movingMask := in.MovingMask
	movingSphere, movingMid, movingMask, res.Resampled, err = o.matchVertices(ctx, ws, fixedSphere, movingSphere, movingMid, movingMask)
	if err != nil {
		return nil, o.fail(err)
	}
	res.MovingSphere, res.MovingMid, res.MovingMask = movingSphere, movingMid, movingMask
	pc.Set("moving_sphere", movingSphere)
	pc.Set("moving_mid", movingMid)
	pc.Set("moving_mask", movingMask)

	// Step 3: Feature maps, moving first
	o.enter(StateExtractMoving)
	log.Info("Step 3: Extracting moving features...")
	movingCoarse, movingRefined, err := o.extract(ctx, ws, movingMid, movingMask, "moving_")
	if err != nil {
		return nil, o.fail(err)
	}
	pc.Set("moving_coarse_features", movingCoarse)
	pc.Set("moving_refined_features", movingRefined)

	o.enter(StateExtractFixed)
	log.Info("Step 4: Extracting fixed features...")
	fixedCoarse, fixedRefined, err := o.extract(ctx, ws, fixedMid, in.FixedMask, "fixed_")
	if err != nil {
		return nil, o.fail(err)
	}
	pc.Set("fixed_coarse_features", fixedCoarse)
	pc.Set("fixed_refined_features", fixedRefined)

	// Step 5: Coarse registration on coordinates, then Step 6: refined
	// registration seeded with the coarse warp
	o.enter(StateCoarseAlign)
	log.Info("Step 5: Coarse registration...")
	coarse := alignment.Request{
		Fixed:     alignment.Input{Sphere: fixedSphere, Data: fixedCoarse, Mask: in.FixedMask},
		Moving:    alignment.Input{Sphere: movingSphere, Data: movingCoarse, Mask: movingMask},
		Levels:    o.Options.CoarseLevels,
		OutputDir: ws.Init,
	}
	refined := alignment.Request{
		Fixed:     alignment.Input{Sphere: fixedSphere, Data: fixedRefined, Mask: in.FixedMask},
		Moving:    alignment.Input{Sphere: movingSphere, Data: movingRefined, Mask: movingMask},
		Levels:    o.Options.RefinedLevels,
		OutputDir: ws.Final,
	}
	res.Coarse, res.Refined, err = o.Driver.Staged(ctx, coarse, refined, func(c alignment.Result) {
		pc.Set("coarse_warped_sphere", c.WarpedSphere)
		o.enter(StateRefinedAlign)
		log.Info("Step 6: Refined registration...")
	})
	if err != nil {
		return nil, o.fail(err)
	}
	res.WarpedSphere = res.Refined.WarpedSphere
	pc.Set("warped_sphere", res.WarpedSphere)
	pc.Set("refined_resampled_data", res.Refined.ResampledData)
	res.SphereGap = o.sphereGap(fixedSphere, res.WarpedSphere)

	if err := pc.Save(); err != nil {
		return nil, o.fail(err)
	}
	o.enter(StateDone)
	log.Info("alignment complete", "warped_sphere", res.WarpedSphere)
	return res, nil
}

// sphereGap reports how closely the warped sphere covers the fixed one.
// A failure to read either sphere is logged, not returned.
func (o *Orchestrator) sphereGap(fixed, warped string) surface.Gap {
	log := logging.OrNop(o.Logger)
	f, err := formats.ReadMesh(fixed)
	if err != nil {
		log.Warn("could not read fixed sphere for QC", "error", err)
		return surface.Gap{}
	}
	w, err := formats.ReadMesh(warped)
	if err != nil {
		log.Warn("could not read warped sphere for QC", "error", err)
		return surface.Gap{}
	}
	gap := surface.NearestGap(w, f)
	log.Info("warped sphere QC", "fixed_vertices", f.VertexCount(), "warped_vertices", w.VertexCount(),
		"mean_gap", gap.Mean, "max_gap", gap.Max)
	return gap
}

func (o *Orchestrator) fail(err error) error {
	return fmt.Errorf("%s: %w", o.State(), err)
}

// toGifti returns path unchanged for GIFTI input and converts FreeSurfer
// geometry into the workspace root otherwise.
func (o *Orchestrator) toGifti(path, role string, ws Workspace) (string, error) {
	fs, err := formats.IsFreeSurferSurface(path)
	if err != nil {
		return "", err
	}
	if !fs {
		return path, nil
	}
	out := filepath.Join(ws.Root, role+"_"+formats.Stem(path)+".surf.gii")
	step := cache.Step{Name: "convert", Inputs: []string{path}, Outputs: []string{out}}
	_, err = o.Cache.Run(step, func() error {
		mesh, err := formats.ReadFreeSurferSurface(path)
		if err != nil {
			return err
		}
		return formats.WriteGiftiSurface(out, mesh)
	})
	return out, err
}

func (o *Orchestrator) normalizeSphere(ctx context.Context, path, role string, ws Workspace) (string, error) {
	src, err := o.toGifti(path, role, ws)
	if err != nil {
		return "", err
	}
	radius := strconv.FormatFloat(o.Options.Radius, 'g', -1, 64)
	out := filepath.Join(ws.Root, role+"_"+formats.Stem(path)+"_r"+radius+".surf.gii")
	step := cache.Step{Name: "modify-sphere", Inputs: []string{src}, Params: []string{radius}, Outputs: []string{out}}
	if _, err := o.Cache.Run(step, func() error {
		return o.Tools.Workbench.SurfaceModifySphere(ctx, src, o.Options.Radius, out, true)
	}); err != nil {
		return "", err
	}

	mesh, err := formats.ReadGiftiSurface(out)
	if err != nil {
		return "", err
	}
	if err := surface.CheckSphere(mesh, o.Options.Radius, o.Options.SphereTolerance*o.Options.Radius); err != nil {
		logging.OrNop(o.Logger).Warn("normalized sphere is not canonical", "sphere", out, "error", err)
	}
	return out, nil
}

// matchVertices moves the moving sphere, mid-cortex and mask onto the fixed
// sphere's topology when the vertex counts differ.
func (o *Orchestrator) matchVertices(ctx context.Context, ws Workspace, fixedSphere, movingSphere, movingMid, movingMask string) (string, string, string, bool, error) {
	nFixed, err := formats.GiftiVertexCount(fixedSphere)
	if err != nil {
		return "", "", "", false, err
	}
	nMoving, err := formats.GiftiVertexCount(movingSphere)
	if err != nil {
		return "", "", "", false, err
	}
	if nFixed == nMoving {
		return movingSphere, movingMid, movingMask, false, nil
	}
	logging.OrNop(o.Logger).Info("resampling moving surfaces", "moving_vertices", nMoving, "fixed_vertices", nFixed)

	wb := o.Tools.Workbench
	named := func(p string) string {
		return filepath.Join(ws.Root, fmt.Sprintf("n-%d_%s", nFixed, filepath.Base(p)))
	}

	sphere := named(movingSphere)
	if err := o.resample(sphere, []string{movingSphere, fixedSphere}, func() error {
		return wb.SurfaceResample(ctx, movingSphere, movingSphere, fixedSphere, tools.Barycentric, sphere)
	}); err != nil {
		return "", "", "", false, err
	}

	mid := named(movingMid)
	if err := o.resample(mid, []string{movingMid, movingSphere, sphere}, func() error {
		return wb.SurfaceResample(ctx, movingMid, movingSphere, sphere, tools.Barycentric, mid)
	}); err != nil {
		return "", "", "", false, err
	}

	mask := named(movingMask)
	if err := o.resample(mask, []string{movingMask, movingSphere, sphere}, func() error {
		if strings.HasSuffix(movingMask, ".label.gii") {
			return wb.LabelResample(ctx, movingMask, movingSphere, sphere, tools.Barycentric, mask, true)
		}
		return wb.MetricResample(ctx, movingMask, movingSphere, sphere, tools.Barycentric, mask)
	}); err != nil {
		return "", "", "", false, err
	}
	return sphere, mid, mask, true, nil
}

func (o *Orchestrator) resample(out string, inputs []string, fn func() error) error {
	_, err := o.Cache.Run(cache.Step{Name: "resample", Inputs: inputs, Outputs: []string{out}}, fn)
	return err
}

func (o *Orchestrator) extract(ctx context.Context, ws Workspace, mid, mask, prefix string) (string, string, error) {
	coarse, err := o.Extractor.Extract(ctx, features.Request{
		Surface: mid, Mask: mask, OutputDir: ws.Mid, Features: o.Options.CoarseFeatures, Prefix: prefix,
	})
	if err != nil {
		return "", "", fmt.Errorf("coarse features: %w", err)
	}
	refined, err := o.Extractor.Extract(ctx, features.Request{
		Surface: mid, Mask: mask, OutputDir: ws.Final, Features: o.Options.RefinedFeatures, Prefix: prefix,
	})
	if err != nil {
		return "", "", fmt.Errorf("refined features: %w", err)
	}
	return coarse, refined, nil
}
