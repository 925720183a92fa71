package opt

import (
	"slices"

	"gonum.org/v1/gonum/floats"
)

// FIREConfig holds the parameters of the FIRE algorithm.
//
// Bitzek, Koskinen, Gähler, Moseler, Gumbsch: "Structural Relaxation Made
// Simple". Phys. Rev. Lett. 97, 170201 (2006).
type FIREConfig struct {
	// MaxStep caps the largest single-coordinate displacement per step.
	MaxStep float64
	// MaxEvaluations bounds evaluations (0 = unbounded).
	MaxEvaluations int

	TimeStep    float64
	MaxTimeStep float64
	NMin        int
	FInc        float64
	FDec        float64
	AlphaStart  float64
	FAlpha      float64
}

// DefaultFIREConfig returns the parameters recommended in the FIRE paper.
func DefaultFIREConfig() FIREConfig {
	return FIREConfig{
		MaxStep:     0.1,
		TimeStep:    0.1,
		MaxTimeStep: 1.0,
		NMin:        5,
		FInc:        1.1,
		FDec:        0.5,
		AlphaStart:  0.1,
		FAlpha:      0.99,
	}
}

// FIREStepper implements Stepper with fast inertial relaxation.
type FIREStepper struct {
	cfg FIREConfig

	x        []float64
	v        []float64
	dt       float64
	alpha    float64
	npos     int
	nevals   int
	started  bool
	finished bool
}

// NewFIRE creates a FIRE stepper starting at x0.
func NewFIRE(x0 []float64, cfg FIREConfig) *FIREStepper {
	return &FIREStepper{
		cfg:   cfg,
		x:     slices.Clone(x0),
		v:     make([]float64, len(x0)),
		dt:    cfg.TimeStep,
		alpha: cfg.AlphaStart,
	}
}

// Next implements Stepper.
func (f *FIREStepper) Next() ([]float64, bool) {
	if f.finished || exhausted(f.nevals, f.cfg.MaxEvaluations) {
		f.finished = true
		return nil, false
	}
	return slices.Clone(f.x), true
}

// Tell implements Stepper.
func (f *FIREStepper) Tell(_ float64, gx []float64) {
	f.nevals++
	force := make([]float64, len(gx))
	floats.ScaleTo(force, -1, gx)

	if f.started {
		p := floats.Dot(force, f.v)
		if p > 0 {
			vnorm := floats.Norm(f.v, 2)
			fnorm := floats.Norm(force, 2)
			floats.Scale(1-f.alpha, f.v)
			if fnorm > 0 {
				floats.AddScaled(f.v, f.alpha*vnorm/fnorm, force)
			}
			if f.npos > f.cfg.NMin {
				f.dt = min(f.dt*f.cfg.FInc, f.cfg.MaxTimeStep)
				f.alpha *= f.cfg.FAlpha
			}
			f.npos++
		} else {
			for i := range f.v {
				f.v[i] = 0
			}
			f.alpha = f.cfg.AlphaStart
			f.dt *= f.cfg.FDec
			f.npos = 0
		}
	}
	f.started = true

	// semi-implicit Euler step
	floats.AddScaled(f.v, f.dt, force)
	dx := make([]float64, len(f.v))
	floats.ScaleTo(dx, f.dt, f.v)
	floats.Scale(stepScale(dx, f.cfg.MaxStep), dx)
	floats.Add(f.x, dx)
}

// TimeStep returns the current adaptive timestep.
func (f *FIREStepper) TimeStep() float64 {
	return f.dt
}
