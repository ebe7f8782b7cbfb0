package projection

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"surfalign/internal/models"
)

// DepthFractions returns n evenly spaced fractions from 0 (gray) to 1
// (white). A single depth samples the gray surface.
func DepthFractions(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{0}
	}
	out := make([]float64, n)
	floats.Span(out, 0, 1)
	out[0], out[n-1] = 0, 1
	return out
}

// ZScore standardizes every entry of profiles with the mean and population
// standard deviation of the whole matrix. A constant matrix becomes zeros.
func ZScore(profiles *mat.Dense) *mat.Dense {
	r, c := profiles.Dims()
	flat := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		flat = append(flat, profiles.RawRowView(i)...)
	}
	mean := stat.Mean(flat, nil)
	std := math.Sqrt(stat.MomentAbout(2, flat, mean, nil))

	out := mat.NewDense(r, c, nil)
	if std == 0 || math.IsNaN(std) {
		return out
	}
	out.Apply(func(_, _ int, v float64) float64 { return (v - mean) / std }, profiles)
	return out
}

// Reducer collapses the depth samples of one vertex.
type Reducer func(values []float64) float64

var reducers = map[string]Reducer{
	"mean":   func(v []float64) float64 { return stat.Mean(v, nil) },
	"median": median,
	"min":    floats.Min,
	"max":    floats.Max,
	"sum":    floats.Sum,
}

// LookupReducer returns the named reducer.
func LookupReducer(name string) (Reducer, error) {
	r, ok := reducers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown aggregate %q", name)
	}
	return r, nil
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// Aggregate reduces columns [bound0, bound1) of every row to a single
// column. bound1 = 0 means the last column.
func Aggregate(profiles *mat.Dense, reduce Reducer, bound0, bound1 int) (*mat.Dense, error) {
	r, c := profiles.Dims()
	if bound1 == 0 {
		bound1 = c
	}
	if bound0 < 0 || bound1 > c || bound0 >= bound1 {
		return nil, models.Preconditionf("depth bounds [%d, %d) invalid for %d depths", bound0, bound1, c)
	}
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, reduce(profiles.RawRowView(i)[bound0:bound1]))
	}
	return out, nil
}

// Invert modes.
const (
	InvertNone   = 0
	InvertSign   = 1
	InvertBinary = 2
)

// Invert flips signs (mode 1) or replaces every entry by its boolean
// complement, 1 for zero and 0 otherwise (mode 2). Mode 0 is a no-op.
func Invert(profiles *mat.Dense, mode int) (*mat.Dense, error) {
	switch mode {
	case InvertNone:
		return profiles, nil
	case InvertSign:
		var out mat.Dense
		out.Scale(-1, profiles)
		return &out, nil
	case InvertBinary:
		var out mat.Dense
		out.Apply(func(_, _ int, v float64) float64 {
			if v == 0 {
				return 1
			}
			return 0
		}, profiles)
		return &out, nil
	}
	return nil, fmt.Errorf("unknown invert mode %d", mode)
}

// ZScoreExempt reports whether label names a feature that must keep its
// raw scale, i.e. it contains one of substrings.
func ZScoreExempt(label string, substrings []string) bool {
	for _, s := range substrings {
		if s != "" && strings.Contains(label, s) {
			return true
		}
	}
	return false
}
