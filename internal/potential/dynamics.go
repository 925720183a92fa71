// Package potential caches energy and force evaluations of an expensive
// potential around a mutable coordinate vector.
//
// A Dynamics value is the single source of truth for the current
// coordinates. Energy and force are evaluated lazily, memoized until the
// position moves by more than epsilon, and the state before the last
// mutation is kept so that callers can step back once without paying for
// another evaluation.
package potential

import (
	"errors"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// DefaultEpsilon is the displacement norm below which a move is ignored.
const DefaultEpsilon = 1e-8

// Evaluation is the result of a single evaluator call.
type Evaluation[T any] struct {
	Energy float64
	Force  []float64
	// Extra is an opaque payload carried along with the values, e.g. the full
	// set of computed model properties.
	Extra T
}

// Evaluator computes energy and force at a position. The returned force must
// have the same length as position.
type Evaluator[T any] interface {
	Evaluate(position []float64) (Evaluation[T], error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc[T any] func(position []float64) (Evaluation[T], error)

// Evaluate calls f(position).
func (f EvaluatorFunc[T]) Evaluate(position []float64) (Evaluation[T], error) {
	return f(position)
}

// state is a position with optionally cached values. energy and force are
// either both set or both nil.
type state[T any] struct {
	position []float64
	energy   *float64
	force    []float64
	extra    T
}

func (s *state[T]) cached() bool {
	return s.energy != nil
}

func (s *state[T]) invalidate() {
	var zero T
	s.energy = nil
	s.force = nil
	s.extra = zero
}

func (s *state[T]) clone() *state[T] {
	c := &state[T]{
		position: slices.Clone(s.position),
		force:    slices.Clone(s.force),
		extra:    s.extra,
	}
	if s.energy != nil {
		e := *s.energy
		c.energy = &e
	}
	return c
}

// Dynamics holds the current coordinates of an optimization problem together
// with a cache of the potential evaluated there.
//
// A Dynamics is not safe for concurrent use.
type Dynamics[T any] struct {
	eval    Evaluator[T]
	epsilon float64
	ncalls  int

	cur  *state[T]
	last *state[T]
}

// Option configures a Dynamics.
type Option func(*options)

type options struct {
	epsilon float64
}

// WithEpsilon sets the displacement norm below which StepToward and
// SetPosition leave the state untouched. Non-positive values are ignored.
func WithEpsilon(eps float64) Option {
	return func(o *options) {
		if eps > 0 {
			o.epsilon = eps
		}
	}
}

// New creates a Dynamics at the initial position. The slice is copied.
// Nothing is evaluated until Energy or Force is requested.
func New[T any](initial []float64, eval Evaluator[T], opts ...Option) *Dynamics[T] {
	o := options{epsilon: DefaultEpsilon}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dynamics[T]{
		eval:    eval,
		epsilon: o.epsilon,
		cur:     &state[T]{position: slices.Clone(initial)},
	}
}

// evaluate fills the cache at the current position. On failure the state is
// left exactly as it was.
func (d *Dynamics[T]) evaluate() error {
	if d.cur.cached() {
		return nil
	}

	out, err := d.eval.Evaluate(slices.Clone(d.cur.position))
	if err != nil {
		// contract violations reported by the evaluator keep their type
		var usage *UsageError
		if errors.As(err, &usage) {
			return err
		}
		return &EvaluationError{Err: err}
	}
	if len(out.Force) != len(d.cur.position) {
		return lengthMismatch("evaluate force", len(d.cur.position), len(out.Force))
	}

	energy := out.Energy
	d.cur.energy = &energy
	d.cur.force = slices.Clone(out.Force)
	d.cur.extra = out.Extra
	d.ncalls++
	return nil
}

// Energy returns the energy at the current position, evaluating the potential
// if no value is cached.
func (d *Dynamics[T]) Energy() (float64, error) {
	if err := d.evaluate(); err != nil {
		return 0, err
	}
	return *d.cur.energy, nil
}

// Force returns the force at the current position, evaluating the potential
// if no value is cached. The returned slice must not be modified.
func (d *Dynamics[T]) Force() ([]float64, error) {
	if err := d.evaluate(); err != nil {
		return nil, err
	}
	return d.cur.force, nil
}

// Extra returns the payload of the evaluation at the current position.
func (d *Dynamics[T]) Extra() (T, error) {
	if err := d.evaluate(); err != nil {
		var zero T
		return zero, err
	}
	return d.cur.extra, nil
}

// Position returns a copy of the current position. It never evaluates.
func (d *Dynamics[T]) Position() []float64 {
	return slices.Clone(d.cur.position)
}

// Epsilon returns the staleness threshold.
func (d *Dynamics[T]) Epsilon() float64 {
	return d.epsilon
}

// StepToward moves the position by displ. Displacements with a norm not
// larger than epsilon are ignored.
func (d *Dynamics[T]) StepToward(displ []float64) error {
	if len(displ) != len(d.cur.position) {
		return lengthMismatch("step toward", len(d.cur.position), len(displ))
	}
	if floats.Norm(displ, 2) <= d.epsilon {
		return nil
	}

	d.last = d.cur.clone()
	floats.Add(d.cur.position, displ)
	d.cur.invalidate()
	return nil
}

// SetPosition moves to an absolute position, with the same epsilon guard as
// StepToward.
func (d *Dynamics[T]) SetPosition(position []float64) error {
	if len(position) != len(d.cur.position) {
		return lengthMismatch("set position", len(d.cur.position), len(position))
	}
	if floats.Distance(position, d.cur.position, 2) <= d.epsilon {
		return nil
	}

	d.last = d.cur.clone()
	copy(d.cur.position, position)
	d.cur.invalidate()
	return nil
}

// Revert restores the state saved by the last StepToward or SetPosition,
// including its cached values. Only one level is kept; without a saved state
// Revert does nothing.
func (d *Dynamics[T]) Revert() {
	if d.last == nil {
		return
	}
	d.cur = d.last.clone()
}

// LastEnergy returns the cached energy of the saved state, if any.
func (d *Dynamics[T]) LastEnergy() (float64, bool) {
	if d.last == nil || d.last.energy == nil {
		return 0, false
	}
	return *d.last.energy, true
}

// LastForce returns the cached force of the saved state, if any.
func (d *Dynamics[T]) LastForce() ([]float64, bool) {
	if d.last == nil || !d.last.cached() {
		return nil, false
	}
	return d.last.force, true
}

// NCalls returns the number of evaluator calls since creation or the last
// Recount.
func (d *Dynamics[T]) NCalls() int {
	return d.ncalls
}

// Recount resets the evaluation counter. Cached values are kept.
func (d *Dynamics[T]) Recount() {
	d.ncalls = 0
}
