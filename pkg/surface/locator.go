package surface

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
)

// vertex is a mesh vertex tagged with its index so tree hits map back to
// the mesh.
type vertex struct {
	r3.Vec
	index int
}

// Compare implements the kdtree.Comparable interface
func (p vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vertex)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p vertex) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two vertices
func (p vertex) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(vertex).Vec))
}

// vertices satisfies kdtree.Interface
type vertices []vertex

func (p vertices) Index(i int) kdtree.Comparable         { return p[i] }
func (p vertices) Len() int                              { return len(p) }
func (p vertices) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p vertices) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(vertexPlane{vertices: p, Dim: d}, kdtree.MedianOfRandoms(vertexPlane{vertices: p, Dim: d}, 100))
}

// vertexPlane implements sort.Interface and kdtree.SortSlicer for vertices
type vertexPlane struct {
	vertices
	kdtree.Dim
}

func (p vertexPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.vertices[i].X < p.vertices[j].X
	case 1:
		return p.vertices[i].Y < p.vertices[j].Y
	case 2:
		return p.vertices[i].Z < p.vertices[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p vertexPlane) Slice(start, end int) kdtree.SortSlicer {
	return vertexPlane{vertices: p.vertices[start:end], Dim: p.Dim}
}

func (p vertexPlane) Swap(i, j int) {
	p.vertices[i], p.vertices[j] = p.vertices[j], p.vertices[i]
}

// Locator answers nearest-vertex queries against a fixed mesh.
type Locator struct {
	tree *kdtree.Tree
	n    int
}

// NewLocator indexes the vertices of m.
func NewLocator(m *models.Mesh) *Locator {
	pts := make(vertices, len(m.Vertices))
	for i, v := range m.Vertices {
		pts[i] = vertex{Vec: v, index: i}
	}
	loc := &Locator{n: len(pts)}
	if len(pts) > 0 {
		loc.tree = kdtree.New(pts, false)
	}
	return loc
}

// Nearest returns the index of the mesh vertex closest to p and its
// Euclidean distance. An empty mesh yields -1.
func (l *Locator) Nearest(p r3.Vec) (int, float64) {
	if l.tree == nil {
		return -1, math.Inf(1)
	}
	hit, d2 := l.tree.Nearest(vertex{Vec: p})
	return hit.(vertex).index, math.Sqrt(d2)
}

// NearestMap returns, for every vertex of to, the index of the closest
// vertex of from.
func NearestMap(from, to *models.Mesh) []int {
	loc := NewLocator(from)
	out := make([]int, len(to.Vertices))
	for i, v := range to.Vertices {
		out[i], _ = loc.Nearest(v)
	}
	return out
}

// Gap summarizes how far the vertices of one mesh lie from the closest
// vertex of another, in mesh units.
type Gap struct {
	Mean, Max float64
}

// NearestGap measures every vertex of to against the closest vertex of
// from. An empty from yields an infinite gap for a non-empty to.
func NearestGap(from, to *models.Mesh) Gap {
	if len(to.Vertices) == 0 {
		return Gap{}
	}
	loc := NewLocator(from)
	var g Gap
	for _, v := range to.Vertices {
		_, d := loc.Nearest(v)
		g.Mean += d
		g.Max = math.Max(g.Max, d)
	}
	g.Mean /= float64(len(to.Vertices))
	return g
}
