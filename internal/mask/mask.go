// Package mask maps full coordinate vectors to the reduced vectors seen by an
// optimizer when some degrees of freedom are frozen.
package mask

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Mask selects the free components of a vector of fixed length.
// A Mask is immutable after construction and safe for concurrent reads.
type Mask struct {
	n      int
	frozen *roaring.Bitmap
	free   []int // indices of free components, ascending
}

// New creates a mask over vectors of length n with the given frozen
// component indices. Out of range indices are an error.
func New(n int, frozen []int) (*Mask, error) {
	if n < 0 {
		return nil, fmt.Errorf("mask: negative length %d", n)
	}
	rb := roaring.New()
	for _, i := range frozen {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("mask: frozen index %d out of range [0, %d)", i, n)
		}
		rb.Add(uint32(i))
	}
	return build(n, rb), nil
}

// None returns a mask of length n with every component free.
func None(n int) *Mask {
	return build(n, roaring.New())
}

// FromFrozenAtoms creates a mask over 3*natoms Cartesian components where
// every component of each listed atom is frozen.
func FromFrozenAtoms(natoms int, atoms []int) (*Mask, error) {
	frozen := make([]int, 0, 3*len(atoms))
	for _, a := range atoms {
		if a < 0 || a >= natoms {
			return nil, fmt.Errorf("mask: frozen atom %d out of range [0, %d)", a, natoms)
		}
		frozen = append(frozen, 3*a, 3*a+1, 3*a+2)
	}
	return New(3*natoms, frozen)
}

func build(n int, rb *roaring.Bitmap) *Mask {
	rb.RunOptimize()
	free := make([]int, 0, n-int(rb.GetCardinality()))
	for i := 0; i < n; i++ {
		if !rb.Contains(uint32(i)) {
			free = append(free, i)
		}
	}
	return &Mask{n: n, frozen: rb, free: free}
}

// Len returns the length of full vectors.
func (m *Mask) Len() int {
	return m.n
}

// NumFree returns the length of reduced vectors.
func (m *Mask) NumFree() int {
	return len(m.free)
}

// IsFrozen reports whether component i is frozen.
func (m *Mask) IsFrozen(i int) bool {
	return i >= 0 && m.frozen.Contains(uint32(i))
}

// Frozen returns the frozen component indices in ascending order.
func (m *Mask) Frozen() []int {
	out := make([]int, 0, m.frozen.GetCardinality())
	it := m.frozen.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Apply drops the frozen components of a full vector. It panics if full does
// not have length Len().
func (m *Mask) Apply(full []float64) []float64 {
	if len(full) != m.n {
		panic(fmt.Sprintf("mask: apply length mismatch: expected %d, got %d", m.n, len(full)))
	}
	reduced := make([]float64, len(m.free))
	for j, i := range m.free {
		reduced[j] = full[i]
	}
	return reduced
}

// Unmask expands a reduced vector to full length, writing fill into every
// frozen component. It panics if reduced does not have length NumFree().
func (m *Mask) Unmask(reduced []float64, fill float64) []float64 {
	if len(reduced) != len(m.free) {
		panic(fmt.Sprintf("mask: unmask length mismatch: expected %d, got %d", len(m.free), len(reduced)))
	}
	full := make([]float64, m.n)
	if fill != 0 {
		for i := range full {
			full[i] = fill
		}
	}
	for j, i := range m.free {
		full[i] = reduced[j]
	}
	return full
}
