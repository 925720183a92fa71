package relax

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// FmaxFunc reduces a masked force vector to the convergence metric. A NaN
// anywhere in the force must yield NaN so that it never counts as converged.
type FmaxFunc func(force []float64) float64

// GroupNorm returns the largest 2-norm over consecutive groups of three
// components, i.e. the largest per-atom force. A trailing partial group is
// measured on its own. An empty force gives 0.
func GroupNorm(force []float64) float64 {
	var fmax float64
	for i := 0; i < len(force); i += 3 {
		n := floats.Norm(force[i:min(i+3, len(force))], 2)
		if math.IsNaN(n) {
			return n
		}
		fmax = max(fmax, n)
	}
	return fmax
}

// MaxAbs returns the largest absolute force component. An empty force gives 0.
func MaxAbs(force []float64) float64 {
	var fmax float64
	for _, f := range force {
		if math.IsNaN(f) {
			return f
		}
		fmax = max(fmax, math.Abs(f))
	}
	return fmax
}
