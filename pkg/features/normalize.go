package features

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"surfalign/internal/models"
)

// Default sentinel scales for out-of-mask vertices.
const (
	DefaultCortexSentinelScale = 1.5
	DefaultAxisSentinelScale   = 3
)

func inMaskValues(values []float64, inMask []bool) ([]float64, error) {
	if len(values) != len(inMask) {
		return nil, models.Preconditionf("feature has %d values, mask has %d", len(values), len(inMask))
	}
	sel := make([]float64, 0, len(values))
	for i, v := range values {
		if inMask[i] {
			sel = append(sel, v)
		}
	}
	if len(sel) == 0 {
		return nil, models.Preconditionf("mask selects no vertices")
	}
	return sel, nil
}

// MaskCortex sets every out-of-mask vertex to -scale·|min| where min is
// taken over the in-mask values. values is not modified.
func MaskCortex(values []float64, inMask []bool, scale float64) ([]float64, error) {
	sel, err := inMaskValues(values, inMask)
	if err != nil {
		return nil, err
	}
	sentinel := -scale * math.Abs(floats.Min(sel))
	out := make([]float64, len(values))
	for i, v := range values {
		if inMask[i] {
			out[i] = v
		} else {
			out[i] = sentinel
		}
	}
	return out, nil
}

// NormalizeAxis min-max scales values to [0,1] using the in-mask range and
// sets out-of-mask vertices to -scale·|min(in-mask normalized)|. A constant
// in-mask range maps every in-mask vertex to 0.
func NormalizeAxis(values []float64, inMask []bool, scale float64) ([]float64, error) {
	sel, err := inMaskValues(values, inMask)
	if err != nil {
		return nil, err
	}
	lo, hi := floats.Min(sel), floats.Max(sel)
	span := hi - lo

	out := make([]float64, len(values))
	normMin := math.Inf(1)
	for i, v := range values {
		if !inMask[i] {
			continue
		}
		n := 0.0
		if span > 0 {
			n = (v - lo) / span
		}
		out[i] = n
		normMin = math.Min(normMin, n)
	}
	sentinel := -scale * math.Abs(normMin)
	for i := range out {
		if !inMask[i] {
			out[i] = sentinel
		}
	}
	return out, nil
}
