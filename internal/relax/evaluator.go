package relax

import (
	"fmt"
	"log/slog"

	"github.com/gosh-rs/gosh-optim/internal/mask"
	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/potential"
)

// MaskedEvaluator exposes a full-space evaluator in the reduced space of a
// mask. Frozen components are filled with zero on the way in and dropped
// from the force on the way out, so they never reach the step algorithm.
type MaskedEvaluator[T any] struct {
	Mask  *mask.Mask
	Inner potential.Evaluator[T]
}

// Evaluate implements potential.Evaluator
func (m MaskedEvaluator[T]) Evaluate(reduced []float64) (potential.Evaluation[T], error) {
	full := m.Mask.Unmask(reduced, 0)
	out, err := m.Inner.Evaluate(full)
	if err != nil {
		return out, err
	}
	if len(out.Force) != m.Mask.Len() {
		return out, &potential.UsageError{
			Op:     "masked evaluate",
			Reason: fmt.Sprintf("force length mismatch: expected %d, got %d", m.Mask.Len(), len(out.Force)),
		}
	}
	out.Force = m.Mask.Apply(out.Force)
	return out, nil
}

// ModelEvaluator evaluates a chemical model on a molecule it owns for the
// duration of a run. Each call writes the trial coordinates into the
// molecule and computes it; frozen atoms keep their coordinates.
type ModelEvaluator struct {
	mol   *model.Molecule
	model model.Model
}

// NewModelEvaluator binds mol and m. Nothing else may touch mol until the run
// is over.
func NewModelEvaluator(mol *model.Molecule, m model.Model) *ModelEvaluator {
	return &ModelEvaluator{mol: mol, model: m}
}

// Evaluate implements potential.Evaluator over full flat coordinates.
func (e *ModelEvaluator) Evaluate(position []float64) (potential.Evaluation[*model.Properties], error) {
	var out potential.Evaluation[*model.Properties]
	if err := e.mol.SetPositions(position); err != nil {
		return out, &potential.UsageError{Op: "model evaluate", Reason: err.Error()}
	}

	mp, err := e.model.Compute(e.mol)
	if err != nil {
		return out, fmt.Errorf("model compute: %w", err)
	}
	energy, ok := mp.Energy()
	if !ok {
		return out, &potential.UsageError{Op: "opt", Reason: "no energy"}
	}
	forces, ok := mp.FlatForces()
	if !ok {
		return out, &potential.UsageError{Op: "opt", Reason: "no forces"}
	}
	if mp.Molecule == nil {
		mp.Molecule = e.mol.Clone()
	}
	slog.Debug("Evaluated potential", "energy", energy)

	out.Energy = energy
	out.Force = forces
	out.Extra = mp
	return out, nil
}
