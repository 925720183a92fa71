package opt

import (
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// LinesearchGTol is the sufficient-decrease tolerance of the gradient-only
// line search. A value this close to one approximates exact minimization
// along the search direction.
const LinesearchGTol = 0.999

// LBFGSConfig holds the parameters of the L-BFGS stepper.
type LBFGSConfig struct {
	// MaxStep caps the largest single-coordinate displacement of a trial.
	MaxStep float64
	// InitialStep is the displacement norm of steepest-descent (re)starts.
	InitialStep float64
	// MaxLinesearch bounds trials per iteration; the last trial is accepted
	// when the bound is hit. Zero is treated as one.
	MaxLinesearch int
	// MaxEvaluations bounds evaluations (0 = unbounded).
	MaxEvaluations int
	// Memory is the number of correction pairs kept.
	Memory int
	// GTol is the line search tolerance.
	GTol float64
	// Damping rejects a forced trial that went uphill past the minimum along
	// the search direction, discards the curvature history and halves the
	// restart step.
	Damping bool
}

// DefaultLBFGSConfig returns the default L-BFGS parameters.
func DefaultLBFGSConfig() LBFGSConfig {
	return LBFGSConfig{
		MaxStep:       0.1,
		InitialStep:   1.0 / 75.0,
		MaxLinesearch: 1,
		Memory:        6,
		GTol:          LinesearchGTol,
		Damping:       true,
	}
}

// LBFGSStepper implements Stepper with limited-memory BFGS directions and a
// gradient-only line search. Search directions come from gonum's two-loop
// recursion.
type LBFGSStepper struct {
	cfg LBFGSConfig
	dir *optimize.LBFGS

	// last accepted point
	x  []float64
	fx float64
	gx []float64

	d     []float64 // search direction
	dphi0 float64   // directional derivative at x
	alpha float64   // current trial step along d
	lo    float64   // largest step known to still descend
	hi    float64   // smallest step known to overshoot, 0 if none

	damp     float64
	ntrials  int
	nevals   int
	started  bool
	finished bool
}

// NewLBFGS creates an L-BFGS stepper starting at x0.
func NewLBFGS(x0 []float64, cfg LBFGSConfig) *LBFGSStepper {
	if cfg.Memory <= 0 {
		cfg.Memory = 6
	}
	if cfg.MaxLinesearch <= 0 {
		cfg.MaxLinesearch = 1
	}
	if cfg.GTol <= 0 || cfg.GTol >= 1 {
		cfg.GTol = LinesearchGTol
	}
	return &LBFGSStepper{
		cfg:  cfg,
		dir:  &optimize.LBFGS{Store: cfg.Memory},
		x:    slices.Clone(x0),
		d:    make([]float64, len(x0)),
		damp: 1,
	}
}

// Next implements Stepper.
func (l *LBFGSStepper) Next() ([]float64, bool) {
	if l.finished || exhausted(l.nevals, l.cfg.MaxEvaluations) {
		l.finished = true
		return nil, false
	}
	if !l.started {
		return slices.Clone(l.x), true
	}
	return l.trial(), true
}

func (l *LBFGSStepper) trial() []float64 {
	x := slices.Clone(l.x)
	floats.AddScaled(x, l.alpha, l.d)
	return x
}

// Tell implements Stepper.
func (l *LBFGSStepper) Tell(fx float64, gx []float64) {
	l.nevals++
	if !l.started {
		l.started = true
		l.fx = fx
		l.gx = slices.Clone(gx)
		l.restart()
		return
	}

	l.ntrials++
	dphi := floats.Dot(gx, l.d)
	satisfied := dphi <= 0 && math.Abs(dphi) <= l.cfg.GTol*math.Abs(l.dphi0)

	if !satisfied && l.ntrials < l.cfg.MaxLinesearch {
		l.refine(dphi)
		return
	}

	if !satisfied && l.cfg.Damping && dphi > 0 && fx > l.fx {
		slog.Debug("Rejecting uphill trial", "energy", fx, "previous", l.fx, "step", l.alpha)
		l.damp *= 0.5
		l.restart()
		return
	}

	l.accept(fx, gx)
}

// refine moves the trial step inside the current bracket.
func (l *LBFGSStepper) refine(dphi float64) {
	if dphi > 0 {
		l.hi = l.alpha
	} else {
		l.lo = l.alpha
	}
	if l.hi > 0 {
		l.alpha = 0.5 * (l.lo + l.hi)
	} else {
		l.alpha *= 2
	}
	l.capAlpha()
}

// accept moves to the trial point and computes the next search direction.
func (l *LBFGSStepper) accept(fx float64, gx []float64) {
	next := l.trial()

	s := make([]float64, len(next))
	floats.SubTo(s, next, l.x)
	y := make([]float64, len(gx))
	floats.SubTo(y, gx, l.gx)
	sy := floats.Dot(s, y)

	l.x = next
	l.fx = fx
	l.gx = slices.Clone(gx)
	l.damp = 1

	if !(sy > 0) {
		slog.Debug("Non-positive curvature, restarting L-BFGS history", "sy", sy)
		l.restart()
		return
	}

	step := l.dir.NextDirection(l.location(), l.d)
	l.beginSearch(step)
	if !(l.dphi0 < 0) {
		slog.Debug("Not a descent direction, restarting L-BFGS history", "dphi", l.dphi0)
		l.restart()
	}
}

// restart resets the curvature history and searches along steepest descent
// from the last accepted point.
func (l *LBFGSStepper) restart() {
	step := l.dir.InitDirection(l.location(), l.d)
	if math.IsInf(step, 0) || math.IsNaN(step) {
		// zero gradient: stay put
		step = 0
	}
	l.beginSearch(l.cfg.InitialStep * l.damp * step)
}

func (l *LBFGSStepper) beginSearch(step float64) {
	l.alpha = step
	l.lo, l.hi = 0, 0
	l.ntrials = 0
	l.dphi0 = floats.Dot(l.gx, l.d)
	l.capAlpha()
}

func (l *LBFGSStepper) capAlpha() {
	if l.alpha == 0 {
		return
	}
	dx := make([]float64, len(l.d))
	floats.ScaleTo(dx, l.alpha, l.d)
	l.alpha *= stepScale(dx, l.cfg.MaxStep)
}

func (l *LBFGSStepper) location() *optimize.Location {
	return &optimize.Location{X: l.x, F: l.fx, Gradient: l.gx}
}
