package model

import (
	"fmt"

	"github.com/gosh-rs/gosh-optim/internal/mask"
)

// Atom is one atom of a molecule. Frozen atoms never move during relaxation.
type Atom struct {
	Symbol   string     `json:"symbol"`
	Position [3]float64 `json:"position"`
	Frozen   bool       `json:"frozen,omitempty"`
}

// Molecule is an ordered set of atoms with Cartesian coordinates
type Molecule struct {
	Title string `json:"title,omitempty"`
	Atoms []Atom `json:"atoms"`
}

// NumAtoms returns the number of atoms
func (m *Molecule) NumAtoms() int {
	return len(m.Atoms)
}

// Positions returns all coordinates flattened as x0,y0,z0,x1,...
func (m *Molecule) Positions() []float64 {
	out := make([]float64, 0, 3*len(m.Atoms))
	for _, a := range m.Atoms {
		out = append(out, a.Position[:]...)
	}
	return out
}

// SetPositions updates coordinates from a flat vector. Frozen atoms keep their
// current position whatever the vector holds.
func (m *Molecule) SetPositions(flat []float64) error {
	if len(flat) != 3*len(m.Atoms) {
		return fmt.Errorf("position length mismatch: expected %d, got %d", 3*len(m.Atoms), len(flat))
	}
	for i := range m.Atoms {
		if m.Atoms[i].Frozen {
			continue
		}
		copy(m.Atoms[i].Position[:], flat[3*i:3*i+3])
	}
	return nil
}

// Symbols returns the element symbols in atom order
func (m *Molecule) Symbols() []string {
	out := make([]string, len(m.Atoms))
	for i, a := range m.Atoms {
		out[i] = a.Symbol
	}
	return out
}

// FrozenAtoms returns the indices of frozen atoms
func (m *Molecule) FrozenAtoms() []int {
	var out []int
	for i, a := range m.Atoms {
		if a.Frozen {
			out = append(out, i)
		}
	}
	return out
}

// FreezingMask returns the coordinate mask hiding all three components of
// every frozen atom.
func (m *Molecule) FreezingMask() *mask.Mask {
	mk, err := mask.FromFrozenAtoms(len(m.Atoms), m.FrozenAtoms())
	if err != nil {
		// indices come from the atom list itself
		panic(err)
	}
	return mk
}

// Clone returns a deep copy
func (m *Molecule) Clone() *Molecule {
	c := &Molecule{Title: m.Title, Atoms: make([]Atom, len(m.Atoms))}
	copy(c.Atoms, m.Atoms)
	return c
}
