package model

import (
	"errors"
	"math"
)

// LennardJones is the pairwise 12-6 potential
//
//	E = Σ 4ε[(σ/r)¹² - (σ/r)⁶]
//
// over all atom pairs. DerivativeOrder 0 computes the energy only; 1 also
// computes forces.
type LennardJones struct {
	Epsilon         float64
	Sigma           float64
	DerivativeOrder int
}

// DefaultLennardJones returns reduced units (ε = σ = 1) with forces enabled.
func DefaultLennardJones() *LennardJones {
	return &LennardJones{Epsilon: 1, Sigma: 1, DerivativeOrder: 1}
}

// ErrOverlap is returned when two atoms share a position
var ErrOverlap = errors.New("lj: overlapping atoms")

// Compute implements Model
func (lj *LennardJones) Compute(mol *Molecule) (*Properties, error) {
	n := mol.NumAtoms()
	var energy float64
	var forces [][3]float64
	if lj.DerivativeOrder > 0 {
		forces = make([][3]float64, n)
	}

	s6 := math.Pow(lj.Sigma, 6)
	for i := 0; i < n; i++ {
		pi := mol.Atoms[i].Position
		for j := i + 1; j < n; j++ {
			pj := mol.Atoms[j].Position
			d := [3]float64{pi[0] - pj[0], pi[1] - pj[1], pi[2] - pj[2]}
			r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
			if r2 == 0 {
				return nil, ErrOverlap
			}
			sr6 := s6 / (r2 * r2 * r2)
			energy += 4 * lj.Epsilon * (sr6*sr6 - sr6)

			if forces == nil {
				continue
			}
			// -dE/dr divided by r, applied along d = ri - rj
			f := 24 * lj.Epsilon * (2*sr6*sr6 - sr6) / r2
			for k := 0; k < 3; k++ {
				forces[i][k] += f * d[k]
				forces[j][k] -= f * d[k]
			}
		}
	}

	p := &Properties{}
	p.SetEnergy(energy)
	if forces != nil {
		p.SetForces(forces)
	}
	return p, nil
}
