package potential

import "fmt"

// MolecularDynamics propagates a trajectory on the cached potential with the
// velocity Verlet integrator. Forces at the end of one step are reused at the
// start of the next one through the Dynamics cache.
type MolecularDynamics[T any] struct {
	dyn      *Dynamics[T]
	mass     []float64
	velocity []float64
}

// NewMolecularDynamics wraps dyn with per-coordinate masses and zero initial
// velocities.
func NewMolecularDynamics[T any](dyn *Dynamics[T], mass []float64) (*MolecularDynamics[T], error) {
	n := len(dyn.cur.position)
	if len(mass) != n {
		return nil, lengthMismatch("molecular dynamics mass", n, len(mass))
	}
	for i, m := range mass {
		if m <= 0 {
			return nil, &UsageError{Op: "molecular dynamics", Reason: fmt.Sprintf("mass %d is not positive: %g", i, m)}
		}
	}
	return &MolecularDynamics[T]{
		dyn:      dyn,
		mass:     append([]float64(nil), mass...),
		velocity: make([]float64, n),
	}, nil
}

// SetVelocity replaces the current velocities.
func (md *MolecularDynamics[T]) SetVelocity(v []float64) error {
	if len(v) != len(md.velocity) {
		return lengthMismatch("set velocity", len(md.velocity), len(v))
	}
	copy(md.velocity, v)
	return nil
}

// Velocity returns a copy of the current velocities.
func (md *MolecularDynamics[T]) Velocity() []float64 {
	return append([]float64(nil), md.velocity...)
}

// Dynamics returns the underlying cache.
func (md *MolecularDynamics[T]) Dynamics() *Dynamics[T] {
	return md.dyn
}

// Propagate advances the trajectory by one timestep dt.
func (md *MolecularDynamics[T]) Propagate(dt float64) error {
	if dt <= 0 {
		return &UsageError{Op: "propagate", Reason: fmt.Sprintf("timestep must be positive, got %g", dt)}
	}

	f, err := md.dyn.Force()
	if err != nil {
		return err
	}

	dr := make([]float64, len(md.velocity))
	for i := range dr {
		dr[i] = md.velocity[i]*dt + 0.5*f[i]/md.mass[i]*dt*dt
	}
	if err := md.dyn.StepToward(dr); err != nil {
		return err
	}

	fNew, err := md.dyn.Force()
	if err != nil {
		md.dyn.Revert()
		return err
	}
	for i := range md.velocity {
		md.velocity[i] = dr[i]/dt + 0.5*fNew[i]/md.mass[i]*dt
	}
	return nil
}
