package models

import "fmt"

// Volume is a 3D scalar image with its voxel-to-world mapping.
type Volume struct {
	// Data is the 3D volume data as a 1D array, x fastest then y then z
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// Affine maps voxel indices (i, j, k, 1) to world millimetres
	Affine [4][4]float64
}

// NewVolume allocates a zero-filled volume with the given affine.
func NewVolume(width, height, depth int, affine [4][4]float64) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Affine: affine,
	}
}

// Index returns the flat offset of voxel (i, j, k).
func (v *Volume) Index(i, j, k int) int {
	return k*v.Width*v.Height + j*v.Width + i
}

// At returns the voxel value, or false when (i, j, k) lies outside the grid.
func (v *Volume) At(i, j, k int) (float64, bool) {
	if i < 0 || j < 0 || k < 0 || i >= v.Width || j >= v.Height || k >= v.Depth {
		return 0, false
	}
	return v.Data[v.Index(i, j, k)], true
}

// Set writes a voxel; out-of-grid writes are ignored.
func (v *Volume) Set(i, j, k int, value float64) {
	if i < 0 || j < 0 || k < 0 || i >= v.Width || j >= v.Height || k >= v.Depth {
		return
	}
	v.Data[v.Index(i, j, k)] = value
}

// Validate checks the data length against the grid dimensions.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("volume data has %d voxels, dimensions %dx%dx%d need %d",
			len(v.Data), v.Width, v.Height, v.Depth, v.Width*v.Height*v.Depth)
	}
	return nil
}

// IdentityAffine returns the 4x4 identity.
func IdentityAffine() [4][4]float64 {
	return [4][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}
