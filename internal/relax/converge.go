package relax

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrNotComputed is returned when a run produced no record at all, for
// example with a zero iteration bound.
var ErrNotComputed = errors.New("model was not computed")

// Status tells how a successful run ended
type Status int

const (
	// Exhausted means the iteration bound or the step algorithm ran out
	// before the force threshold was met.
	Exhausted Status = iota
	// Converged means fmax dropped strictly below the threshold.
	Converged
	// Stalled means an opt-in stall detector stopped the run.
	Stalled
)

func (s Status) String() string {
	switch s {
	case Exhausted:
		return "exhausted"
	case Converged:
		return "converged"
	case Stalled:
		return "stalled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome summarizes a convergence loop.
type Outcome[T any] struct {
	NIter  int // records consumed
	Fmax   float64
	Energy float64
	Last   T
	Status Status
}

// Converge pulls at most nmax records from next and stops at the first one
// with Fmax < threshold. A NaN fmax never converges. after, if not nil, sees
// every record before the threshold test and may stop the run by returning
// true. io.EOF from next ends the loop; any other error aborts it.
func Converge[T any](next func() (Progress[T], error), nmax int, threshold float64, after func(i int, p Progress[T]) bool) (*Outcome[T], error) {
	out := &Outcome[T]{Fmax: math.NaN(), Status: Exhausted}
	for i := 0; i < nmax; i++ {
		p, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		out.NIter = i + 1
		out.Fmax = p.Fmax
		out.Energy = p.Energy
		out.Last = p.Extra

		stop := after != nil && after(i, p)
		if p.Fmax < threshold {
			out.Status = Converged
			break
		}
		if stop {
			out.Status = Stalled
			break
		}
	}

	if out.NIter == 0 {
		return nil, ErrNotComputed
	}
	return out, nil
}
