package surface

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
	"surfalign/pkg/surface/surfacetest"
)

func TestCheckSphere(t *testing.T) {
	m := surfacetest.Icosphere(1)
	require.NoError(t, CheckSphere(m, 1, 1e-9))

	shifted := &models.Mesh{Faces: m.Faces}
	for _, v := range m.Vertices {
		shifted.Vertices = append(shifted.Vertices, r3.Add(v, r3.Vec{X: 2}))
	}
	assert.Error(t, CheckSphere(shifted, 1, 1e-6))

	scaled := &models.Mesh{Faces: m.Faces}
	for _, v := range m.Vertices {
		scaled.Vertices = append(scaled.Vertices, r3.Scale(100, v))
	}
	assert.Error(t, CheckSphere(scaled, 1, 1e-6))
	assert.NoError(t, CheckSphere(scaled, 100, 1e-6))

	err := CheckSphere(&models.Mesh{}, 1, 1e-6)
	assert.True(t, errors.Is(err, models.ErrPrecondition))
}

func TestMeasureIdentityAndRotation(t *testing.T) {
	m := surfacetest.Icosphere(2)
	d, err := Measure(m, m)
	require.NoError(t, err)
	assert.InDelta(t, 0, d.Mean, 1e-9)
	assert.InDelta(t, 0, d.Max, 1e-9)

	// rotate 90 degrees about z
	rot := &models.Mesh{Faces: m.Faces}
	for _, v := range m.Vertices {
		rot.Vertices = append(rot.Vertices, r3.Vec{X: -v.Y, Y: v.X, Z: v.Z})
	}
	d, err = Measure(m, rot)
	require.NoError(t, err)
	assert.LessOrEqual(t, d.Max, math.Pi/2+1e-9)
	assert.Greater(t, d.Mean, 0.0)

	_, err = Measure(m, surfacetest.Icosphere(1))
	assert.True(t, errors.Is(err, models.ErrPrecondition))
}

func TestNearestMapIdentity(t *testing.T) {
	m := surfacetest.Icosphere(2)
	idx := NearestMap(m, m)
	for i, j := range idx {
		assert.Equal(t, i, j)
	}

	loc := NewLocator(m)
	i, d := loc.Nearest(r3.Scale(1.1, m.Vertices[7]))
	assert.Equal(t, 7, i)
	assert.InDelta(t, 0.1, d, 1e-9)

	empty := NewLocator(&models.Mesh{})
	i, _ = empty.Nearest(r3.Vec{})
	assert.Equal(t, -1, i)
}

func TestNearestGap(t *testing.T) {
	m := surfacetest.Icosphere(2)
	g := NearestGap(m, m)
	assert.InDelta(t, 0, g.Mean, 1e-12)
	assert.InDelta(t, 0, g.Max, 1e-12)

	grown := &models.Mesh{Faces: m.Faces}
	for _, v := range m.Vertices {
		grown.Vertices = append(grown.Vertices, r3.Scale(1.5, v))
	}
	g = NearestGap(m, grown)
	assert.InDelta(t, 0.5, g.Mean, 1e-9)
	assert.InDelta(t, 0.5, g.Max, 1e-9)

	assert.Equal(t, Gap{}, NearestGap(m, &models.Mesh{}))
	assert.True(t, math.IsInf(NearestGap(&models.Mesh{}, m).Max, 1))
}

func TestVertexAreasSumToSurfaceArea(t *testing.T) {
	m := &models.Mesh{
		Vertices: []r3.Vec{{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}},
		Faces:    [][3]int{{0, 1, 2}, {1, 3, 2}},
	}
	areas := VertexAreas(m)
	assert.InDelta(t, 1.0, floats.Sum(areas), 1e-12)
	assert.InDelta(t, 1.0/6, areas[0], 1e-12)
	assert.InDelta(t, 1.0/3, areas[1], 1e-12)

	// icosphere area approaches 4π from below
	total := floats.Sum(VertexAreas(surfacetest.Icosphere(3)))
	assert.Less(t, total, 4*math.Pi)
	assert.Greater(t, total, 0.95*4*math.Pi)
}
