// Package relax drives geometry optimization: a lazy sequence of progress
// records produced by a step algorithm over a cached potential, and the
// Optimizer that bounds it, tests convergence and checkpoints.
package relax

import (
	"io"
	"iter"
	"log/slog"

	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/potential"
)

// Progress is emitted once per accepted evaluation. A trial within epsilon of
// the current position is served from the cache, so its record repeats the
// previous NCalls without a new evaluation.
type Progress[T any] struct {
	NCalls int     `json:"ncalls"`
	Fmax   float64 `json:"fmax"`
	Energy float64 `json:"energy"`
	Extra  T       `json:"extra,omitempty"`
}

type driverOptions struct {
	fmax    FmaxFunc
	epsilon float64
}

// DriverOption configures a Driver
type DriverOption func(*driverOptions)

// WithFmax selects the convergence metric. The default is GroupNorm.
func WithFmax(f FmaxFunc) DriverOption {
	return func(o *driverOptions) {
		if f != nil {
			o.fmax = f
		}
	}
}

// WithEpsilon sets the staleness threshold of the underlying cache.
func WithEpsilon(eps float64) DriverOption {
	return func(o *driverOptions) {
		o.epsilon = eps
	}
}

// Driver pulls trial points from a step algorithm and evaluates them through
// a potential cache. It never bounds its own length nor tests convergence;
// the consumer decides when to stop pulling. A Driver is single-use and not
// safe for concurrent use.
type Driver[T any] struct {
	dyn     *potential.Dynamics[T]
	stepper opt.Stepper
	fmax    FmaxFunc
	done    bool
}

// NewDriver builds the cache around eval at x0 and resolves the step
// algorithm from vars. Forces produced by eval are negated into gradients
// before they reach the step algorithm.
func NewDriver[T any](x0 []float64, eval potential.Evaluator[T], vars opt.Vars, opts ...DriverOption) *Driver[T] {
	o := driverOptions{fmax: GroupNorm}
	for _, apply := range opts {
		apply(&o)
	}
	var dopts []potential.Option
	if o.epsilon > 0 {
		dopts = append(dopts, potential.WithEpsilon(o.epsilon))
	}
	dyn := potential.New(x0, eval, dopts...)
	return &Driver[T]{
		dyn:     dyn,
		stepper: opt.NewStepper(dyn.Position(), vars),
		fmax:    o.fmax,
	}
}

// Next evaluates the next trial point and returns its record. It returns
// io.EOF once the step algorithm is exhausted. After any error the driver
// is finished and keeps returning io.EOF.
//
// Each call costs at most one evaluator call. A trial within epsilon of the
// current point is served from the cache.
func (d *Driver[T]) Next() (Progress[T], error) {
	var p Progress[T]
	if d.done {
		return p, io.EOF
	}

	x, ok := d.stepper.Next()
	if !ok {
		slog.Debug("Step algorithm exhausted", "ncalls", d.dyn.NCalls())
		d.done = true
		return p, io.EOF
	}
	if err := d.dyn.SetPosition(x); err != nil {
		d.done = true
		return p, err
	}

	energy, err := d.dyn.Energy()
	if err != nil {
		d.done = true
		return p, err
	}
	force, err := d.dyn.Force()
	if err != nil {
		d.done = true
		return p, err
	}
	extra, err := d.dyn.Extra()
	if err != nil {
		d.done = true
		return p, err
	}

	grad := make([]float64, len(force))
	for i, f := range force {
		grad[i] = -f
	}
	d.stepper.Tell(energy, grad)

	p.NCalls = d.dyn.NCalls()
	p.Fmax = d.fmax(force)
	p.Energy = energy
	p.Extra = extra
	return p, nil
}

// All returns the remaining records as a sequence. Iteration ends at
// exhaustion, after the first error (which is yielded), or when the
// consumer stops; no evaluation happens past that point.
func (d *Driver[T]) All() iter.Seq2[Progress[T], error] {
	return func(yield func(Progress[T], error) bool) {
		for {
			p, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(p, err) || err != nil {
				return
			}
		}
	}
}

// Position returns a copy of the current point in the driver's space.
func (d *Driver[T]) Position() []float64 {
	return d.dyn.Position()
}

// NCalls returns the number of evaluator calls so far.
func (d *Driver[T]) NCalls() int {
	return d.dyn.NCalls()
}
