package features

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
	"surfalign/pkg/cache"
	"surfalign/pkg/formats"
	"surfalign/pkg/surface/surfacetest"
	"surfalign/pkg/tools"
	"surfalign/pkg/tools/toolstest"
)

func f32(v float64) float64 { return float64(float32(v)) }

type fixture struct {
	dir     string
	surface string
	mask    string
	mesh    *models.Mesh
	inMask  []bool
	kit     *toolstest.Toolkit
	ext     *Extractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	mesh := surfacetest.Icosphere(2)
	for i, v := range mesh.Vertices {
		mesh.Vertices[i] = r3.Add(r3.Scale(40, v), r3.Vec{X: 3, Y: -7, Z: 11})
	}
	surf := filepath.Join(dir, "lh.mid.surf.gii")
	require.NoError(t, formats.WriteGiftiSurface(surf, mesh))

	weights := make([]float64, mesh.VertexCount())
	inMask := make([]bool, mesh.VertexCount())
	for i, v := range mesh.Vertices {
		if v.Z > 0 {
			weights[i], inMask[i] = 1, true
		}
	}
	maskPath := filepath.Join(dir, "lh.cortex.func.gii")
	require.NoError(t, formats.WriteGiftiMetric(maskPath, models.NewMetric(weights, "mask"), formats.IntentShape))

	c, err := cache.Open(filepath.Join(dir, "out"), false)
	require.NoError(t, err)
	kit := toolstest.NewToolkit()
	return &fixture{
		dir: dir, surface: surf, mask: maskPath, mesh: mesh, inMask: inMask, kit: kit,
		ext: NewExtractor(tools.NewToolset(kit, tools.Binaries{}), c, DefaultOptions(), nil),
	}
}

func (fx *fixture) request(feats ...string) Request {
	return Request{
		Surface:   fx.surface,
		Mask:      fx.mask,
		OutputDir: filepath.Join(fx.dir, "out"),
		Features:  feats,
		Prefix:    "moving_",
	}
}

func TestMaskCortex(t *testing.T) {
	values := []float64{-2, 4, -10, 1}
	inMask := []bool{true, true, false, true}
	got, err := MaskCortex(values, inMask, 1.5)
	require.NoError(t, err)
	assert.Equal(t, []float64{-2, 4, -3, 1}, got)
	assert.Equal(t, -10.0, values[2], "input must not be modified")

	_, err = MaskCortex(values, []bool{false, false, false, false}, 1.5)
	assert.True(t, errors.Is(err, models.ErrPrecondition))

	_, err = MaskCortex(values, []bool{true}, 1.5)
	assert.True(t, errors.Is(err, models.ErrPrecondition))
}

func TestNormalizeAxis(t *testing.T) {
	values := []float64{10, 20, 30, -100}
	inMask := []bool{true, true, true, false}
	got, err := NormalizeAxis(values, inMask, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5, 1, 0}, got, 1e-12)

	flat, err := NormalizeAxis([]float64{5, 5, 9}, []bool{true, true, false}, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, flat[0])
	assert.Equal(t, 0.0, flat[1])
	assert.Equal(t, 0.0, flat[2])
}

func TestParse(t *testing.T) {
	feats, err := Parse([]string{"z", "sulc", "area"})
	require.NoError(t, err)
	assert.Equal(t, []Feature{Z, Sulc, Area}, feats)

	for _, bad := range [][]string{nil, {"depth"}, {"x", "x"}} {
		_, err := Parse(bad)
		assert.True(t, errors.Is(err, models.ErrPrecondition), "%v", bad)
	}
}

func TestExtractAllFeatures(t *testing.T) {
	fx := newFixture(t)
	order := []string{"sulc", "curv", "mask", "x", "y", "z", "area"}
	out, err := fx.ext.Extract(context.Background(), fx.request(order...))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fx.dir, "out", "moving_lh.mid_metrics.func.gii"), out)

	merged, err := formats.ReadGiftiMetric(out)
	require.NoError(t, err)
	n := fx.mesh.VertexCount()
	require.NoError(t, merged.CheckVertexCount(n))
	require.Equal(t, len(order), merged.ColumnCount())
	assert.Equal(t, order, merged.Names)

	xs, _ := fx.mesh.Axis(0)
	zs, _ := fx.mesh.Axis(2)

	// the fake toolkit reports z as sulcal depth and x as curvature
	var sulcIn, curvIn []float64
	for i := 0; i < n; i++ {
		if fx.inMask[i] {
			sulcIn = append(sulcIn, f32(zs[i]))
			curvIn = append(curvIn, f32(xs[i]))
		}
	}
	sulcSentinel := f32(-1.5 * math.Abs(floats.Min(sulcIn)))
	curvSentinel := f32(-1.5 * math.Abs(floats.Min(curvIn)))

	for i := 0; i < n; i++ {
		sulc, curv, mask, x := merged.Columns[0][i], merged.Columns[1][i], merged.Columns[2][i], merged.Columns[3][i]
		if fx.inMask[i] {
			assert.InDelta(t, f32(zs[i]), sulc, 1e-6)
			assert.InDelta(t, f32(xs[i]), curv, 1e-6)
			assert.Equal(t, 1.0, mask)
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
		} else {
			assert.Equal(t, sulcSentinel, sulc)
			assert.Equal(t, curvSentinel, curv)
			assert.Equal(t, 0.0, mask)
			assert.Equal(t, 0.0, math.Abs(x))
		}
	}
	assert.Greater(t, floats.Min(merged.Columns[6]), -1e9)
	assert.Equal(t, 1, fx.kit.Count("mris_inflate"))
	assert.Equal(t, 1, fx.kit.Count("mris_curvature"))
	assert.Equal(t, 1, fx.kit.Count("-metric-merge"))
}

func TestExtractIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	req := fx.request("sulc", "x")
	first, err := fx.ext.Extract(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, fx.kit.Calls())

	fx.kit.Reset()
	second, err := fx.ext.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Empty(t, fx.kit.Calls())
}

func TestExtractRejectsMaskMismatch(t *testing.T) {
	fx := newFixture(t)
	short := filepath.Join(fx.dir, "short.func.gii")
	require.NoError(t, formats.WriteGiftiMetric(short, models.NewMetric([]float64{1, 1, 1}, "mask"), formats.IntentShape))

	req := fx.request("x")
	req.Mask = short
	_, err := fx.ext.Extract(context.Background(), req)
	assert.True(t, errors.Is(err, models.ErrPrecondition))
	assert.Empty(t, fx.kit.Calls())
}

func TestExtractChecksFeatureCountsBeforeMerge(t *testing.T) {
	fx := newFixture(t)
	// a leftover file from another mesh is adopted by the cache but must
	// still fail the vertex check
	stale := filepath.Join(fx.dir, "out", "moving_lh.mid_sulc.func.gii")
	require.NoError(t, formats.WriteGiftiMetric(stale, models.NewMetric([]float64{1, 2, 3, 4, 5}, "sulc"), formats.IntentShape))

	_, err := fx.ext.Extract(context.Background(), fx.request("sulc", "x"))
	assert.True(t, errors.Is(err, models.ErrPrecondition))
	assert.Equal(t, 0, fx.kit.Count("-metric-merge"))
}

func TestExtractToolFailure(t *testing.T) {
	fx := newFixture(t)
	fx.kit.Fail["mris_inflate"] = errors.New("segfault")
	_, err := fx.ext.Extract(context.Background(), fx.request("sulc"))
	assert.True(t, errors.Is(err, tools.ErrToolFailed))

	fx.kit.Fail = map[string]error{}
	fx.kit.SkipOutputs["-metric-merge"] = true
	_, err = fx.ext.Extract(context.Background(), fx.request("x"))
	assert.True(t, errors.Is(err, tools.ErrMissingOutput))
}
