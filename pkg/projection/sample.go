package projection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"surfalign/internal/models"
)

// Interpolation selects how a volume is read between voxel centres.
type Interpolation string

const (
	Trilinear Interpolation = "trilinear"
	Nearest   Interpolation = "nearest"
)

// Sampler reads a volume at world coordinates.
type Sampler struct {
	vol    *models.Volume
	method Interpolation
	// world to voxel, top three rows of the inverse affine
	inv [3][4]float64
}

// NewSampler inverts the volume affine. A singular affine is an error.
func NewSampler(vol *models.Volume, method Interpolation) (*Sampler, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	switch method {
	case Trilinear, Nearest:
	case "":
		method = Trilinear
	default:
		return nil, fmt.Errorf("unknown interpolation %q", method)
	}

	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a.Set(r, c, vol.Affine[r][c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("inverting volume affine: %w", err)
	}
	s := &Sampler{vol: vol, method: method}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			s.inv[r][c] = inv.At(r, c)
		}
	}
	return s, nil
}

// Voxel maps a world coordinate to continuous voxel indices.
func (s *Sampler) Voxel(p r3.Vec) r3.Vec {
	m := s.inv
	return r3.Vec{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// Sample returns the volume value at world point p, or NaN outside the grid.
func (s *Sampler) Sample(p r3.Vec) float64 {
	v := s.Voxel(p)
	if s.method == Nearest {
		val, ok := s.vol.At(int(math.Round(v.X)), int(math.Round(v.Y)), int(math.Round(v.Z)))
		if !ok {
			return math.NaN()
		}
		return val
	}
	return s.trilinear(v)
}

func (s *Sampler) trilinear(v r3.Vec) float64 {
	w, h, d := s.vol.Width, s.vol.Height, s.vol.Depth
	if v.X < 0 || v.Y < 0 || v.Z < 0 ||
		v.X > float64(w-1) || v.Y > float64(h-1) || v.Z > float64(d-1) {
		return math.NaN()
	}
	i0, j0, k0 := int(v.X), int(v.Y), int(v.Z)
	i1, j1, k1 := min(i0+1, w-1), min(j0+1, h-1), min(k0+1, d-1)
	fx, fy, fz := v.X-float64(i0), v.Y-float64(j0), v.Z-float64(k0)

	at := func(i, j, k int) float64 { return s.vol.Data[s.vol.Index(i, j, k)] }
	c00 := at(i0, j0, k0)*(1-fx) + at(i1, j0, k0)*fx
	c10 := at(i0, j1, k0)*(1-fx) + at(i1, j1, k0)*fx
	c01 := at(i0, j0, k1)*(1-fx) + at(i1, j0, k1)*fx
	c11 := at(i0, j1, k1)*(1-fx) + at(i1, j1, k1)*fx
	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

// VoxelSizes returns the spacing along each grid axis in world units.
func VoxelSizes(vol *models.Volume) [3]float64 {
	var out [3]float64
	for c := 0; c < 3; c++ {
		out[c] = r3.Norm(r3.Vec{X: vol.Affine[0][c], Y: vol.Affine[1][c], Z: vol.Affine[2][c]})
	}
	return out
}
