package opt

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Stepper is the contract between the driver and a step algorithm. The
// driver repeatedly asks for a trial point with Next, evaluates the potential
// there and reports the result back with Tell before asking again.
//
// The gradient passed to Tell is the derivative of the energy, i.e. the
// negated force.
type Stepper interface {
	// Next returns the next point to evaluate. It returns false once the
	// algorithm will not propose any further points. Calling Next again
	// before Tell returns the same point.
	Next() ([]float64, bool)

	// Tell reports energy and gradient at the point last returned by Next.
	Tell(fx float64, gx []float64)
}

// NewStepper builds the step algorithm selected by vars, starting at x0.
func NewStepper(x0 []float64, vars Vars) Stepper {
	switch vars.Algorithm {
	case FIRE:
		slog.Info("Optimizing using FIRE algorithm")
		cfg := DefaultFIREConfig()
		cfg.MaxStep = vars.MaxStepSize
		cfg.MaxEvaluations = vars.MaxEvaluations
		return NewFIRE(x0, cfg)
	default:
		slog.Info("Optimizing using L-BFGS algorithm")
		cfg := DefaultLBFGSConfig()
		cfg.MaxStep = vars.MaxStepSize
		cfg.InitialStep = vars.InitialStepSize
		cfg.MaxLinesearch = vars.MaxLinesearch
		cfg.MaxEvaluations = vars.MaxEvaluations
		return NewLBFGS(x0, cfg)
	}
}

// stepScale returns the factor that shrinks displacement dx so that no
// component exceeds maxStep. A non-positive maxStep disables the cap.
func stepScale(dx []float64, maxStep float64) float64 {
	if maxStep <= 0 || len(dx) == 0 {
		return 1
	}
	largest := floats.Norm(dx, math.Inf(1))
	if largest <= maxStep {
		return 1
	}
	return maxStep / largest
}

// exhausted reports whether an evaluation budget has been used up.
func exhausted(nevals, max int) bool {
	return max > 0 && nevals >= max
}
