package relax

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/gosh-rs/gosh-optim/internal/mask"
	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
)

// PreSearch runs a derivative-free population search over a box of free
// coordinates around the starting geometry. Its best point seeds the local
// relaxation when it lowers the energy.
type PreSearch struct {
	// Radius is the half-width of the search box for every free coordinate
	Radius float64

	Iterations int
	Population int
	Seed       int64

	// Optimizer overrides the default Mayfly search
	Optimizer opt.GlobalOptimizer
}

// DefaultPreSearch returns a small search suitable for clusters of a few
// dozen atoms.
func DefaultPreSearch() *PreSearch {
	return &PreSearch{
		Radius:     0.2,
		Iterations: 50,
		Population: opt.MinMayflyPopulation,
		Seed:       1,
	}
}

// Search returns the best reduced coordinates found near x0. It works on a
// clone of mol, which is left unchanged. Geometries where the model fails
// score +Inf.
func (ps *PreSearch) Search(mol *model.Molecule, m model.Model, mk *mask.Mask, x0 []float64) ([]float64, error) {
	if !(ps.Radius > 0) || len(x0) == 0 {
		return x0, nil
	}
	scratch := mol.Clone()
	energy := func(x []float64) float64 {
		if err := scratch.SetPositions(mk.Unmask(x, 0)); err != nil {
			return math.Inf(1)
		}
		mp, err := m.Compute(scratch)
		if err != nil {
			return math.Inf(1)
		}
		e, ok := mp.Energy()
		if !ok || math.IsNaN(e) {
			return math.Inf(1)
		}
		return e
	}

	dim := len(x0)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range lower {
		lower[i] = -ps.Radius
		upper[i] = ps.Radius
	}
	trial := make([]float64, dim)
	objective := func(d []float64) float64 {
		for i := range trial {
			trial[i] = x0[i] + d[i]
		}
		return energy(trial)
	}

	g := ps.Optimizer
	if g == nil {
		g = opt.NewMayfly(ps.Iterations, ps.Population, ps.Seed)
	}
	best, cost, err := g.Run(objective, lower, upper, dim)
	if err != nil {
		return nil, fmt.Errorf("pre-search: %w", err)
	}

	start := energy(x0)
	if !(cost < start) {
		slog.Info("Pre-search kept the starting geometry", "energy", start, "best", cost)
		return x0, nil
	}
	out := make([]float64, dim)
	for i := range out {
		out[i] = x0[i] + best[i]
	}
	slog.Info("Pre-search improved the starting geometry", "from", start, "to", cost)
	return out, nil
}
