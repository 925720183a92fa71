package model

import "context"

// Model computes properties of a molecule. Implementations may leave energy
// or forces unset, for example when asked for energies only.
type Model interface {
	Compute(mol *Molecule) (*Properties, error)
}

// ModelFunc adapts a function to the Model interface
type ModelFunc func(mol *Molecule) (*Properties, error)

// Compute implements Model
func (f ModelFunc) Compute(mol *Molecule) (*Properties, error) {
	return f(mol)
}

// WithContext returns a model that fails with ctx.Err() once ctx is done,
// so a run stops at its next evaluation.
func WithContext(ctx context.Context, m Model) Model {
	return ModelFunc(func(mol *Molecule) (*Properties, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return m.Compute(mol)
	})
}

// Properties is the result of one model computation
type Properties struct {
	energy *float64
	forces [][3]float64

	// Molecule is the geometry the properties were computed for, when the
	// model chooses to report it.
	Molecule *Molecule `json:"molecule,omitempty"`
}

// SetEnergy records the energy
func (p *Properties) SetEnergy(e float64) {
	p.energy = &e
}

// SetForces records per-atom forces
func (p *Properties) SetForces(f [][3]float64) {
	p.forces = f
}

// Energy returns the energy and whether it was computed
func (p *Properties) Energy() (float64, bool) {
	if p == nil || p.energy == nil {
		return 0, false
	}
	return *p.energy, true
}

// Forces returns per-atom forces and whether they were computed
func (p *Properties) Forces() ([][3]float64, bool) {
	if p == nil || p.forces == nil {
		return nil, false
	}
	return p.forces, true
}

// FlatForces returns forces flattened like Molecule.Positions
func (p *Properties) FlatForces() ([]float64, bool) {
	f, ok := p.Forces()
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, 3*len(f))
	for _, v := range f {
		out = append(out, v[:]...)
	}
	return out, true
}
