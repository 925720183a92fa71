package relax

import (
	"log/slog"
	"math"
)

// StallConfig defines when a relaxation counts as stalled on energy
type StallConfig struct {
	// Enabled controls whether stall detection is active
	Enabled bool

	// Patience is the number of records with no significant energy decrease
	// before stopping
	Patience int

	// Threshold is the minimum relative energy decrease that counts as progress
	// Example: 1e-6 = the energy must drop by a millionth of its magnitude
	// Relative decrease = (lastSignificant - energy) / |lastSignificant|
	Threshold float64
}

// DefaultStallConfig returns a conservative enabled configuration
func DefaultStallConfig() StallConfig {
	return StallConfig{
		Enabled:   true,
		Patience:  10,
		Threshold: 1e-6,
	}
}

// ConvergenceTracker keeps the energy and fmax history of a run and detects
// when the energy has stopped improving
type ConvergenceTracker struct {
	config          StallConfig
	energyHistory   []float64
	fmaxHistory     []float64
	bestEnergy      float64 // Lowest energy seen
	lastSignificant float64 // Last energy that was a significant improvement
	staleCount      int     // Records without significant improvement
}

// NewConvergenceTracker creates a tracker with the given config
func NewConvergenceTracker(config StallConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		bestEnergy:      math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records one progress record and returns true if the run stalled
func (c *ConvergenceTracker) Update(energy, fmax float64) bool {
	c.energyHistory = append(c.energyHistory, energy)
	c.fmaxHistory = append(c.fmaxHistory, fmax)

	if energy < c.bestEnergy {
		c.bestEnergy = energy
	}

	if !c.config.Enabled {
		return false
	}

	// First record - initialize lastSignificant
	if len(c.energyHistory) == 1 {
		c.lastSignificant = energy
		return false
	}

	scale := math.Abs(c.lastSignificant)
	if scale == 0 {
		scale = 1
	}
	relativeDecrease := (c.lastSignificant - energy) / scale

	if relativeDecrease >= c.config.Threshold {
		c.lastSignificant = energy
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant energy decrease",
		"energy", energy,
		"last_significant", c.lastSignificant,
		"relative_decrease", relativeDecrease,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)

	if c.staleCount >= c.config.Patience {
		slog.Info("Energy stalled - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_energy", c.bestEnergy,
		)
		return true
	}
	return false
}

// BestEnergy returns the lowest energy seen so far
func (c *ConvergenceTracker) BestEnergy() float64 {
	return c.bestEnergy
}

// EnergyHistory returns the full energy history
func (c *ConvergenceTracker) EnergyHistory() []float64 {
	return append([]float64{}, c.energyHistory...) // Return copy
}

// FmaxHistory returns the full fmax history
func (c *ConvergenceTracker) FmaxHistory() []float64 {
	return append([]float64{}, c.fmaxHistory...)
}

// StaleCount returns the current number of records without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state
func (c *ConvergenceTracker) Reset() {
	c.energyHistory = nil
	c.fmaxHistory = nil
	c.bestEnergy = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
