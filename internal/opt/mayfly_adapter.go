package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinMayflyPopulation is the smallest population the mayfly library accepts.
const MinMayflyPopulation = 20

// MayflyAdapter wraps the external Mayfly library to conform to the
// GlobalOptimizer interface.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter. Populations below
// MinMayflyPopulation are raised to it.
func NewMayfly(maxIters, popSize int, seed int64) GlobalOptimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  max(popSize, MinMayflyPopulation),
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	if dim <= 0 || len(lower) < dim || len(upper) < dim {
		return nil, 0, fmt.Errorf("mayfly: bounds do not cover %d dimensions", dim)
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize

	// The library takes scalar bounds; the box of the first dimension is used
	// for all of them.
	config.LowerBound = lower[0]
	config.UpperBound = upper[0]

	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly: %w", err)
	}

	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
