package models

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrPrecondition marks a violated input contract: mismatched vertex counts,
// a missing input file or an empty mask. It is never recovered locally.
var ErrPrecondition = errors.New("precondition violation")

// Preconditionf returns an error wrapping ErrPrecondition.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// Mesh is a triangulated surface: vertex coordinates plus faces indexing
// into them. A sphere used as a registration domain is also a Mesh.
type Mesh struct {
	// Vertices holds one coordinate per vertex, in file order
	Vertices []r3.Vec

	// Faces holds vertex index triples
	Faces [][3]int
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Vertices)
}

// FaceCount returns the number of triangles.
func (m *Mesh) FaceCount() int {
	return len(m.Faces)
}

// Axis returns one coordinate column (0 = x, 1 = y, 2 = z).
func (m *Mesh) Axis(axis int) ([]float64, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("axis %d out of range [0, 2]", axis)
	}
	out := make([]float64, len(m.Vertices))
	for i, v := range m.Vertices {
		switch axis {
		case 0:
			out[i] = v.X
		case 1:
			out[i] = v.Y
		default:
			out[i] = v.Z
		}
	}
	return out, nil
}

// CheckCompatible reports whether two meshes can be combined vertex by vertex,
// e.g. a white-matter and gray-matter pair.
func (m *Mesh) CheckCompatible(other *Mesh) error {
	if m.VertexCount() != other.VertexCount() {
		return Preconditionf("meshes are not topologically compatible: %d vs %d vertices",
			m.VertexCount(), other.VertexCount())
	}
	return nil
}

// Validate checks that every face references an existing vertex.
func (m *Mesh) Validate() error {
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return fmt.Errorf("face %d references vertex %d, mesh has %d vertices", i, idx, n)
			}
		}
	}
	return nil
}
