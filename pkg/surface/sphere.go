// Package surface holds geometric checks on registration spheres: radius
// QC after normalization, warp displacement between corresponding vertices
// and nearest-vertex correspondence between meshes.
package surface

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
)

// Centroid returns the mean vertex position.
func Centroid(m *models.Mesh) r3.Vec {
	var c r3.Vec
	if len(m.Vertices) == 0 {
		return c
	}
	for _, v := range m.Vertices {
		c = r3.Add(c, v)
	}
	return r3.Scale(1/float64(len(m.Vertices)), c)
}

// RadiusStats summarizes vertex distances from the centroid.
type RadiusStats struct {
	Mean, Min, Max float64
	Offset         float64 // centroid distance from the origin
}

// Radii computes RadiusStats for m.
func Radii(m *models.Mesh) RadiusStats {
	if len(m.Vertices) == 0 {
		return RadiusStats{}
	}
	c := Centroid(m)
	r := make([]float64, len(m.Vertices))
	for i, v := range m.Vertices {
		r[i] = r3.Norm(r3.Sub(v, c))
	}
	return RadiusStats{
		Mean:   floats.Sum(r) / float64(len(r)),
		Min:    floats.Min(r),
		Max:    floats.Max(r),
		Offset: r3.Norm(c),
	}
}

// CheckSphere reports whether m is centred on the origin with every vertex
// within tol of radius.
func CheckSphere(m *models.Mesh, radius, tol float64) error {
	if m.VertexCount() == 0 {
		return models.Preconditionf("sphere has no vertices")
	}
	s := Radii(m)
	if s.Offset > tol {
		return fmt.Errorf("sphere centroid is %.4g from the origin", s.Offset)
	}
	if math.Abs(s.Min-radius) > tol || math.Abs(s.Max-radius) > tol {
		return fmt.Errorf("sphere radius spans [%.4g, %.4g], want %g", s.Min, s.Max, radius)
	}
	return nil
}

// Displacement is the angular movement of vertices between two spheres
// sharing a topology, in radians.
type Displacement struct {
	Mean, Max float64
}

// Measure compares corresponding vertices of moving and warped.
func Measure(moving, warped *models.Mesh) (Displacement, error) {
	if err := moving.CheckCompatible(warped); err != nil {
		return Displacement{}, err
	}
	if moving.VertexCount() == 0 {
		return Displacement{}, nil
	}
	mc, wc := Centroid(moving), Centroid(warped)
	angles := make([]float64, moving.VertexCount())
	for i := range moving.Vertices {
		a := r3.Sub(moving.Vertices[i], mc)
		b := r3.Sub(warped.Vertices[i], wc)
		angles[i] = math.Atan2(r3.Norm(r3.Cross(a, b)), r3.Dot(a, b))
	}
	return Displacement{
		Mean: floats.Sum(angles) / float64(len(angles)),
		Max:  floats.Max(angles),
	}, nil
}

// VertexAreas assigns one third of every triangle's area to each of its
// corners.
func VertexAreas(m *models.Mesh) []float64 {
	areas := make([]float64, len(m.Vertices))
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		area := 0.5 * r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
		for _, idx := range f {
			areas[idx] += area / 3
		}
	}
	return areas
}
