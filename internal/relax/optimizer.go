package relax

import (
	"fmt"
	"log/slog"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
)

// Snapshot is what the optimizer hands to a Checkpointer after each record.
type Snapshot struct {
	Iteration int
	Molecule  *model.Molecule
	Energy    float64
	Fmax      float64
	NCalls    int
}

// Checkpointer persists resumable points of a run. Restore is called once
// before the first evaluation and may update mol in place; returning nil
// without touching mol means there was nothing to restore. Commit is
// best-effort and must not fail the run.
type Checkpointer interface {
	Restore(mol *model.Molecule) error
	Commit(snap Snapshot)
}

// RestoreError reports a failed checkpoint restore. The run is aborted
// before any evaluation.
type RestoreError struct {
	Err error
}

func (e *RestoreError) Error() string {
	return "checkpoint restore failed: " + e.Err.Error()
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

// Observer sees every record of a run, in order.
type Observer func(i int, p Progress[*model.Properties])

// LogObserver logs the iteration index, energy and fmax of every record.
func LogObserver(i int, p Progress[*model.Properties]) {
	slog.Info("Optimization step", "iter", i, "energy", p.Energy, "fmax", p.Fmax, "ncalls", p.NCalls)
}

// Optimized is the result of a geometry optimization
type Optimized struct {
	// NIter is the number of records consumed
	NIter int `json:"niter"`
	// Fmax is the last observed fmax
	Fmax   float64 `json:"fmax"`
	Energy float64 `json:"energy"`
	Status Status  `json:"status"`
	// Computed is the model result of the last evaluation
	Computed *model.Properties `json:"-"`
}

// Optimizer relaxes molecular geometries. The zero value is not usable;
// start from New or Default.
type Optimizer struct {
	// Fmax is the force threshold; a run converges when fmax < Fmax
	Fmax float64
	// NMax bounds the number of records pulled
	NMax int

	Vars opt.Vars

	// FmaxFunc defaults to GroupNorm
	FmaxFunc FmaxFunc

	// Optional collaborators
	Checkpoint  Checkpointer
	Observer    Observer
	Convergence *ConvergenceTracker
	PreSearch   *PreSearch
}

// New returns an optimizer with the given bounds and default step settings.
func New(nmax int, fmax float64) *Optimizer {
	return &Optimizer{
		Fmax:     fmax,
		NMax:     nmax,
		Vars:     opt.DefaultVars(),
		Observer: LogObserver,
	}
}

// Default returns New(100, 0.1).
func Default() *Optimizer {
	return New(100, 0.1)
}

// OptimizeGeometry relaxes mol in the potential of m. mol and m are used
// exclusively by the run; on return mol holds the geometry of the last
// evaluation.
func (o *Optimizer) OptimizeGeometry(mol *model.Molecule, m model.Model) (*Optimized, error) {
	if err := o.Vars.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer settings: %w", err)
	}

	if o.Checkpoint != nil {
		if err := o.Checkpoint.Restore(mol); err != nil {
			return nil, &RestoreError{Err: err}
		}
	}

	mk := mol.FreezingMask()
	x0 := mk.Apply(mol.Positions())
	if o.PreSearch != nil {
		var err error
		if x0, err = o.PreSearch.Search(mol, m, mk, x0); err != nil {
			return nil, err
		}
	}

	eval := MaskedEvaluator[*model.Properties]{Mask: mk, Inner: NewModelEvaluator(mol, m)}
	drv := NewDriver(x0, eval, o.Vars, WithFmax(o.FmaxFunc))

	slog.Debug("Starting geometry optimization",
		"atoms", mol.NumAtoms(),
		"free", mk.NumFree(),
		"algorithm", o.Vars.Algorithm,
		"nmax", o.NMax,
		"fmax", o.Fmax,
	)

	out, err := Converge(drv.Next, o.NMax, o.Fmax, func(i int, p Progress[*model.Properties]) bool {
		if o.Observer != nil {
			o.Observer(i, p)
		}
		if o.Checkpoint != nil {
			snap := Snapshot{Iteration: i, Energy: p.Energy, Fmax: p.Fmax, NCalls: p.NCalls, Molecule: mol}
			if p.Extra != nil && p.Extra.Molecule != nil {
				snap.Molecule = p.Extra.Molecule
			}
			o.Checkpoint.Commit(snap)
		}
		return o.Convergence != nil && o.Convergence.Update(p.Energy, p.Fmax)
	})
	if err != nil {
		return nil, err
	}

	if out.Status == Converged {
		slog.Info("Forces converged", "fmax", out.Fmax, "niter", out.NIter)
	}
	return &Optimized{
		NIter:    out.NIter,
		Fmax:     out.Fmax,
		Energy:   out.Energy,
		Status:   out.Status,
		Computed: out.Last,
	}, nil
}
