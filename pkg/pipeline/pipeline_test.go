package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
	"surfalign/pkg/cache"
	"surfalign/pkg/features"
	"surfalign/pkg/formats"
	"surfalign/pkg/surface"
	"surfalign/pkg/surface/surfacetest"
	"surfalign/pkg/tools"
	"surfalign/pkg/tools/toolstest"
)

func scaled(mesh *models.Mesh, s float64, offset r3.Vec) *models.Mesh {
	out := &models.Mesh{Faces: mesh.Faces, Vertices: make([]r3.Vec, len(mesh.Vertices))}
	for i, v := range mesh.Vertices {
		out.Vertices[i] = r3.Add(r3.Scale(s, v), offset)
	}
	return out
}

// side writes a hemisphere's sphere, mid-cortex, ribbon and mask under dir.
func side(t *testing.T, dir string, subdivisions int, sphereScale float64) (sphere, mid, white, gray, mask string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	base := surfacetest.Icosphere(subdivisions)
	sphere = filepath.Join(dir, "lh.sphere.surf.gii")
	mid = filepath.Join(dir, "lh.mid.surf.gii")
	white = filepath.Join(dir, "lh.white.surf.gii")
	gray = filepath.Join(dir, "lh.pial.surf.gii")
	mask = filepath.Join(dir, "lh.cortex.func.gii")

	require.NoError(t, formats.WriteGiftiSurface(sphere, scaled(base, sphereScale, r3.Vec{X: 5, Y: -2, Z: 1})))
	require.NoError(t, formats.WriteGiftiSurface(mid, scaled(base, 40, r3.Vec{})))
	require.NoError(t, formats.WriteGiftiSurface(white, scaled(base, 38, r3.Vec{})))
	require.NoError(t, formats.WriteGiftiSurface(gray, scaled(base, 42, r3.Vec{})))

	weights := make([]float64, base.VertexCount())
	for i, v := range base.Vertices {
		if v.Z > -0.5 {
			weights[i] = 1
		}
	}
	require.NoError(t, formats.WriteGiftiMetric(mask, models.NewMetric(weights, "cortex"), formats.IntentShape))
	return sphere, mid, white, gray, mask
}

// writeVolume writes a 4 mm grid around the origin whose value grows along x.
func writeVolume(t *testing.T, path string, base float64) {
	t.Helper()
	affine := [4][4]float64{
		{4, 0, 0, -46},
		{0, 4, 0, -46},
		{0, 0, 4, -46},
		{0, 0, 0, 1},
	}
	vol := models.NewVolume(24, 24, 24, affine)
	for k := 0; k < 24; k++ {
		for j := 0; j < 24; j++ {
			for i := 0; i < 24; i++ {
				vol.Set(i, j, k, base+float64(i))
			}
		}
	}
	require.NoError(t, formats.WriteNifti(path, vol))
}

type harness struct {
	dir   string
	out   string
	kit   *toolstest.Toolkit
	cache *cache.Cache
	job   Job
}

func newHarness(t *testing.T, movingSubdivisions int) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, fm, _, _, fmask := side(t, filepath.Join(dir, "fixed"), 2, 1)
	ms, mm, mw, mg, mmask := side(t, filepath.Join(dir, "moving"), movingSubdivisions, 100)

	vols := filepath.Join(dir, "volumes")
	writeVolume(t, filepath.Join(vols, "t1.nii.gz"), 10)
	writeVolume(t, filepath.Join(vols, "t2.nii.gz"), 20)
	writeVolume(t, filepath.Join(vols, "t1_std.nii.gz"), 1)

	out := filepath.Join(dir, "out")
	c, err := cache.Open(out, false)
	require.NoError(t, err)
	return &harness{
		dir:   dir,
		out:   out,
		kit:   toolstest.NewToolkit(),
		cache: c,
		job: Job{
			Surfaces: Surfaces{
				FixedSphere: fs, FixedMid: fm, FixedMask: fmask,
				MovingSphere: ms, MovingMid: mm, MovingMask: mmask,
			},
			MovingWhite: mw,
			MovingGray:  mg,
			Volumes: map[string][]string{
				"intensity":     {filepath.Join(vols, "t2.nii.gz"), filepath.Join(vols, "t1.nii.gz")},
				"intensity_std": {filepath.Join(vols, "t1_std.nii.gz")},
			},
			OutputDir: out,
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	ts := tools.NewToolset(h.kit, tools.Binaries{})
	return NewOrchestrator(ts, h.cache, features.DefaultOptions(), DefaultOptions(), nil)
}

func TestAlignRunsStatesInOrder(t *testing.T) {
	h := newHarness(t, 2)
	o := h.orchestrator()
	var states []State
	o.OnTransition = func(s State) { states = append(states, s) }

	res, err := o.Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateStart, StateMeshNormalize, StateVertexMatch, StateExtractMoving,
		StateExtractFixed, StateCoarseAlign, StateRefinedAlign, StateDone,
	}, states)
	assert.Equal(t, StateDone, o.State())

	assert.False(t, res.Resampled)
	assert.Equal(t, res.MovingNativeSphere, res.MovingSphere)
	assert.Equal(t, h.job.Surfaces.MovingMid, res.MovingMid)
	assert.Equal(t, filepath.Join(h.out, "final", "moving_lh.mid_metrics_warped_sphere.reg.surf.gii"), res.WarpedSphere)
	assert.InDelta(t, 0, res.Refined.Displacement.Max, 1e-6)

	sphere, err := formats.ReadGiftiSurface(res.MovingSphere)
	require.NoError(t, err)
	assert.NoError(t, surface.CheckSphere(sphere, 1, 1e-4))

	// identity registration of same-topology spheres lands on the fixed sphere
	warped, err := formats.ReadGiftiSurface(res.WarpedSphere)
	require.NoError(t, err)
	fixed, err := formats.ReadGiftiSurface(res.FixedSphere)
	require.NoError(t, err)
	require.Equal(t, fixed.VertexCount(), warped.VertexCount())
	maxDist := 0.0
	for i := range fixed.Vertices {
		if d := r3.Norm(r3.Sub(fixed.Vertices[i], warped.Vertices[i])); d > maxDist {
			maxDist = d
		}
	}
	assert.Less(t, maxDist, 1e-5)
	assert.Less(t, res.SphereGap.Max, 1e-5)
}

func TestAlignRunsCoarseBeforeRefined(t *testing.T) {
	h := newHarness(t, 2)
	res, err := h.orchestrator().Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)

	var registrations []tools.Command
	for _, c := range h.kit.Calls() {
		if c.Name == "msm" {
			registrations = append(registrations, c)
		}
	}
	require.Len(t, registrations, 2)
	coarse, refined := registrations[0], registrations[1]
	assert.Contains(t, coarse.Args, "--indata="+filepath.Join(h.out, "mid", "moving_lh.mid_metrics.func.gii"))
	assert.Contains(t, coarse.Args, "--refdata="+filepath.Join(h.out, "mid", "fixed_lh.mid_metrics.func.gii"))
	for _, a := range coarse.Args {
		assert.False(t, strings.HasPrefix(a, "--trans="))
	}
	assert.Contains(t, refined.Args, "--trans="+res.Coarse.WarpedSphere)
	assert.Contains(t, refined.Args, "--indata="+filepath.Join(h.out, "final", "moving_lh.mid_metrics.func.gii"))
	assert.True(t, strings.HasPrefix(res.Coarse.WarpedSphere, filepath.Join(h.out, "init")))

	// Moving features are extracted before fixed ones.
	var inflated []string
	for _, c := range h.kit.Calls() {
		if c.Name == "mris_inflate" {
			inflated = append(inflated, c.Args[len(c.Args)-2])
		}
	}
	require.Len(t, inflated, 2)
	assert.Equal(t, "moving", filepath.Base(filepath.Dir(inflated[0])))
	assert.Equal(t, "fixed", filepath.Base(filepath.Dir(inflated[1])))

	merged, err := formats.ReadGiftiMetric(filepath.Join(h.out, "mid", "moving_lh.mid_metrics.func.gii"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, merged.Names)
}

func TestAlignRecordsArtifacts(t *testing.T) {
	h := newHarness(t, 2)
	res, err := h.orchestrator().Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)

	pc, err := LoadContext(h.out)
	require.NoError(t, err)
	warped, ok := pc.Get("warped_sphere")
	require.True(t, ok)
	assert.Equal(t, res.WarpedSphere, warped)
	assert.Contains(t, pc.Names(), "fixed_sphere")
	assert.Contains(t, pc.Names(), "coarse_warped_sphere")
}

func TestAlignIsIdempotent(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.orchestrator().Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)
	require.NotEmpty(t, h.kit.Calls())

	h.kit.Reset()
	c, err := cache.Open(h.out, false)
	require.NoError(t, err)
	h.cache = c
	_, err = h.orchestrator().Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)
	assert.Empty(t, h.kit.Calls())
}

func TestAlignMatchesVertexCounts(t *testing.T) {
	h := newHarness(t, 1)
	res, err := h.orchestrator().Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)

	fixed := surfacetest.Icosphere(2).VertexCount()
	assert.True(t, res.Resampled)
	assert.NotEqual(t, res.MovingNativeSphere, res.MovingSphere)
	assert.Equal(t, filepath.Join(h.out, fmt.Sprintf("n-%d_lh.mid.surf.gii", fixed)), res.MovingMid)
	for _, p := range []string{res.MovingSphere, res.MovingMid, res.MovingMask, res.WarpedSphere} {
		n, err := formats.GiftiVertexCount(p)
		require.NoError(t, err)
		assert.Equal(t, fixed, n, p)
	}
	assert.Equal(t, 3, h.kit.Count("-surface-resample")+h.kit.Count("-metric-resample"))
}

func TestAlignConvertsFreeSurferSpheres(t *testing.T) {
	h := newHarness(t, 2)
	mesh, err := formats.ReadGiftiSurface(h.job.Surfaces.MovingSphere)
	require.NoError(t, err)
	fsSphere := filepath.Join(h.dir, "moving", "lh.sphere")
	require.NoError(t, formats.WriteFreeSurferSurface(fsSphere, mesh))
	h.job.Surfaces.MovingSphere = fsSphere

	res, err := h.orchestrator().Align(context.Background(), h.job.Surfaces, h.out)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(h.out, "moving_lh.sphere.surf.gii"))
	assert.Equal(t, filepath.Join(h.out, "moving_lh.sphere_r1.surf.gii"), res.MovingSphere)
}

func TestAlignStopsAtFailingState(t *testing.T) {
	h := newHarness(t, 2)
	h.kit.Fail["msm"] = errors.New("segmentation fault")
	o := h.orchestrator()

	_, err := o.Align(context.Background(), h.job.Surfaces, h.out)
	require.Error(t, err)
	assert.Equal(t, StateCoarseAlign, o.State())
	assert.True(t, errors.Is(err, tools.ErrToolFailed))
	var te *tools.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "msm", te.Command.Name)
	assert.NoFileExists(t, filepath.Join(h.out, ArtifactsName))
}

func TestAlignRejectsMissingMask(t *testing.T) {
	h := newHarness(t, 2)
	h.job.Surfaces.MovingMask = filepath.Join(h.dir, "absent.func.gii")
	o := h.orchestrator()
	_, err := o.Align(context.Background(), h.job.Surfaces, h.out)
	require.Error(t, err)
	assert.Equal(t, StateExtractMoving, o.State())
}

func TestProcessProjectsAndResamples(t *testing.T) {
	h := newHarness(t, 2)
	p := NewPreprocessor(h.orchestrator(), nil)

	out, err := p.Process(context.Background(), h.job)
	require.NoError(t, err)
	assert.Equal(t, out.Alignment.WarpedSphere, out.Spheres.Warped)
	assert.Equal(t, out.Alignment.FixedSphere, out.Spheres.Fixed)

	intensity := out.Features["intensity"]
	require.Len(t, intensity, 2)
	assert.Equal(t, filepath.Join(h.out, "resampled", "intensity", "t2_rsl.func.gii"), intensity[0])
	assert.Equal(t, filepath.Join(h.out, "resampled", "intensity", "t1_rsl.func.gii"), intensity[1])

	n := surfacetest.Icosphere(2).VertexCount()
	zscored, err := formats.ReadGiftiMetric(intensity[1])
	require.NoError(t, err)
	require.NoError(t, zscored.CheckVertexCount(n))
	assert.Equal(t, []string{"mean"}, zscored.Names)
	negative := 0
	for _, v := range zscored.Columns[0] {
		if v < 0 {
			negative++
		}
	}
	assert.Greater(t, negative, 0, "z-scored profiles are centred")

	std := out.Features["intensity_std"]
	require.Len(t, std, 1)
	raw, err := formats.ReadGiftiMetric(std[0])
	require.NoError(t, err)
	for _, v := range raw.Columns[0] {
		assert.GreaterOrEqual(t, v, 1.0)
	}

	pc, err := LoadContext(h.out)
	require.NoError(t, err)
	_, ok := pc.Get("features_intensity")
	assert.True(t, ok)
}

func TestProcessResamplesRibbonOnMismatch(t *testing.T) {
	h := newHarness(t, 1)
	p := NewPreprocessor(h.orchestrator(), nil)
	out, err := p.Process(context.Background(), h.job)
	require.NoError(t, err)

	fixed := surfacetest.Icosphere(2).VertexCount()
	pc, err := LoadContext(h.out)
	require.NoError(t, err)
	white, ok := pc.Get("moving_white")
	require.True(t, ok)
	n, err := formats.GiftiVertexCount(white)
	require.NoError(t, err)
	assert.Equal(t, fixed, n)

	for _, f := range out.Features["intensity"] {
		n, err := formats.GiftiVertexCount(f)
		require.NoError(t, err)
		assert.Equal(t, fixed, n)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline")
	}
	h := newHarness(t, 2)
	_, err := NewPreprocessor(h.orchestrator(), nil).Process(context.Background(), h.job)
	require.NoError(t, err)

	h.kit.Reset()
	_, err = NewPreprocessor(h.orchestrator(), nil).Process(context.Background(), h.job)
	require.NoError(t, err)
	assert.Empty(t, h.kit.Calls())
}

func TestBatchResample(t *testing.T) {
	dir := t.TempDir()
	mesh := surfacetest.Icosphere(1)
	warped := filepath.Join(dir, "warped.surf.gii")
	fixed := filepath.Join(dir, "fixed.surf.gii")
	require.NoError(t, formats.WriteGiftiSurface(warped, mesh))
	require.NoError(t, formats.WriteGiftiSurface(fixed, mesh))

	var feats []string
	for i := 0; i < 5; i++ {
		values := make([]float64, mesh.VertexCount())
		for j := range values {
			values[j] = float64(i)
		}
		p := filepath.Join(dir, fmt.Sprintf("f%d.func.gii", 4-i))
		require.NoError(t, formats.WriteGiftiMetric(p, models.NewMetric(values, "v"), formats.IntentShape))
		feats = append(feats, p)
	}

	kit := toolstest.NewToolkit()
	b := NewBatch(tools.NewMSM(kit, "", ""), nil, nil)
	b.ProgressEvery = 2
	var completed []int
	b.Progress = func(done, total int, message string) {
		assert.Equal(t, 5, total)
		assert.NotEmpty(t, message)
		completed = append(completed, done)
	}

	out, err := b.Resample(context.Background(), warped, fixed, feats, filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5}, completed)
	require.Len(t, out, 5)
	for i, p := range out {
		assert.Equal(t, filepath.Join(dir, "out", fmt.Sprintf("f%d_rsl.func.gii", 4-i)), p)
		m, err := formats.ReadGiftiMetric(p)
		require.NoError(t, err)
		assert.Equal(t, float64(i), m.Columns[0][0])
	}
	for _, c := range kit.Calls() {
		assert.Contains(t, c.Args, "-adap_bary")
	}
}

func TestBatchResampleErrors(t *testing.T) {
	dir := t.TempDir()
	mesh := surfacetest.Icosphere(0)
	warped := filepath.Join(dir, "warped.surf.gii")
	require.NoError(t, formats.WriteGiftiSurface(warped, mesh))
	b := NewBatch(tools.NewMSM(toolstest.NewToolkit(), "", ""), nil, nil)

	_, err := b.Resample(context.Background(), warped, filepath.Join(dir, "absent.surf.gii"), nil, dir)
	assert.True(t, errors.Is(err, models.ErrPrecondition))

	dup := []string{filepath.Join(dir, "a", "x.func.gii"), filepath.Join(dir, "b", "x.func.gii")}
	for _, p := range dup {
		require.NoError(t, formats.WriteGiftiMetric(p, models.NewMetric(make([]float64, mesh.VertexCount()), "v"), formats.IntentShape))
	}
	_, err = b.Resample(context.Background(), warped, warped, dup, filepath.Join(dir, "out"))
	assert.True(t, errors.Is(err, models.ErrPrecondition))
}

func TestContextRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pc := NewContext(dir)
	pc.Set("b", "/x/b")
	pc.Set("a", "/x/a")
	require.NoError(t, pc.Save())

	loaded, err := LoadContext(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, loaded.Names())
	p, ok := loaded.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "/x/b", p)

	_, err = LoadContext(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
