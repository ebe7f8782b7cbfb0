package projection

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"surfalign/internal/models"
)

// Smooth applies an isotropic Gaussian of standard deviation sigma (world
// units) to vol, one axis at a time in the frequency domain. Lines are
// mirror-padded by four standard deviations so borders keep their level.
// sigma <= 0 returns vol unchanged.
func Smooth(vol *models.Volume, sigma float64) *models.Volume {
	if sigma <= 0 {
		return vol
	}
	out := &models.Volume{
		Data:   append([]float64(nil), vol.Data...),
		Width:  vol.Width,
		Height: vol.Height,
		Depth:  vol.Depth,
		Affine: vol.Affine,
	}
	sizes := VoxelSizes(vol)
	dims := [3]int{vol.Width, vol.Height, vol.Depth}
	strides := [3]int{1, vol.Width, vol.Width * vol.Height}

	for axis := 0; axis < 3; axis++ {
		if dims[axis] < 2 || sizes[axis] == 0 {
			continue
		}
		f := newLineFilter(dims[axis], sigma/sizes[axis])
		n := dims[axis]
		line := make([]float64, n)
		for start := range out.Data {
			// visit each line once, from its first voxel
			if (start/strides[axis])%n != 0 {
				continue
			}
			for i := 0; i < n; i++ {
				line[i] = out.Data[start+i*strides[axis]]
			}
			f.apply(line)
			for i := 0; i < n; i++ {
				out.Data[start+i*strides[axis]] = line[i]
			}
		}
	}
	return out
}

// lineFilter holds the FFT plan and Gaussian transfer function for lines
// of one length.
type lineFilter struct {
	n, pad int
	fft    *fourier.FFT
	gain   []float64
	padded []float64
	coeff  []complex128
}

func newLineFilter(n int, sigmaVoxels float64) *lineFilter {
	pad := int(math.Ceil(4 * sigmaVoxels))
	size := n + 2*pad
	f := &lineFilter{
		n:      n,
		pad:    pad,
		fft:    fourier.NewFFT(size),
		gain:   make([]float64, size/2+1),
		padded: make([]float64, size),
		coeff:  make([]complex128, size/2+1),
	}
	for k := range f.gain {
		freq := float64(k) / float64(size)
		f.gain[k] = math.Exp(-2 * math.Pi * math.Pi * sigmaVoxels * sigmaVoxels * freq * freq)
	}
	return f
}

func (f *lineFilter) apply(line []float64) {
	size := len(f.padded)
	for i := range f.padded {
		f.padded[i] = line[reflect(i-f.pad, f.n)]
	}
	f.fft.Coefficients(f.coeff, f.padded)
	for k := range f.coeff {
		f.coeff[k] *= complex(f.gain[k], 0)
	}
	f.fft.Sequence(f.padded, f.coeff)
	for i := range line {
		line[i] = f.padded[i+f.pad] / float64(size)
	}
}

// reflect maps an index outside [0, n) back inside by mirroring about the
// edges (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
