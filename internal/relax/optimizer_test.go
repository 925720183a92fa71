package relax

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/potential"
)

var rmin = math.Pow(2, 1.0/6.0)

// argonDimer returns two atoms at distance r with the first one frozen.
func argonDimer(r float64) *model.Molecule {
	return &model.Molecule{Atoms: []model.Atom{
		{Symbol: "Ar", Frozen: true},
		{Symbol: "Ar", Position: [3]float64{r, 0.05, 0}},
	}}
}

func distance(mol *model.Molecule) float64 {
	a, b := mol.Atoms[0].Position, mol.Atoms[1].Position
	return math.Sqrt((a[0]-b[0])*(a[0]-b[0]) + (a[1]-b[1])*(a[1]-b[1]) + (a[2]-b[2])*(a[2]-b[2]))
}

// countingModel counts Compute calls on an inner model.
type countingModel struct {
	inner model.Model
	calls int
}

func (m *countingModel) Compute(mol *model.Molecule) (*model.Properties, error) {
	m.calls++
	return m.inner.Compute(mol)
}

type memCheckpoint struct {
	restore    func(mol *model.Molecule) error
	restored   bool
	committed  []Snapshot
	lastCoords []float64
}

func (c *memCheckpoint) Restore(mol *model.Molecule) error {
	c.restored = true
	if c.restore != nil {
		return c.restore(mol)
	}
	return nil
}

func (c *memCheckpoint) Commit(snap Snapshot) {
	c.committed = append(c.committed, snap)
	c.lastCoords = snap.Molecule.Positions()
}

func TestOptimizeGeometryRelaxesDimer(t *testing.T) {
	for _, alg := range []opt.Algorithm{opt.LBFGS, opt.FIRE} {
		mol := argonDimer(1.35)
		o := New(2000, 1e-3)
		o.Vars.Algorithm = alg

		res, err := o.OptimizeGeometry(mol, model.DefaultLennardJones())
		require.NoError(t, err, alg.String())

		assert.Equal(t, Converged, res.Status, alg.String())
		assert.Less(t, res.Fmax, 1e-3)
		assert.InDelta(t, rmin, distance(mol), 1e-3, alg.String())
		assert.InDelta(t, -1.0, res.Energy, 1e-5, alg.String())
		assert.Equal(t, [3]float64{}, mol.Atoms[0].Position, "frozen atom never moves")

		require.NotNil(t, res.Computed)
		e, ok := res.Computed.Energy()
		require.True(t, ok)
		assert.Equal(t, res.Energy, e)
	}
}

func TestOptimizeGeometryStopsAtNMax(t *testing.T) {
	m := &countingModel{inner: model.DefaultLennardJones()}
	o := New(3, 1e-8)

	res, err := o.OptimizeGeometry(argonDimer(1.35), m)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NIter)
	assert.Equal(t, Exhausted, res.Status)
	assert.Equal(t, 3, m.calls)
}

func TestOptimizeGeometryZeroNMax(t *testing.T) {
	m := &countingModel{inner: model.DefaultLennardJones()}
	_, err := New(0, 0.1).OptimizeGeometry(argonDimer(1.35), m)
	assert.ErrorIs(t, err, ErrNotComputed)
	assert.Equal(t, 0, m.calls)
}

func TestOptimizeGeometryRequiresForces(t *testing.T) {
	lj := &model.LennardJones{Epsilon: 1, Sigma: 1}
	_, err := Default().OptimizeGeometry(argonDimer(1.35), lj)

	var usage *potential.UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, "no forces", usage.Reason)
}

func TestOptimizeGeometryRequiresEnergy(t *testing.T) {
	m := model.ModelFunc(func(*model.Molecule) (*model.Properties, error) {
		p := &model.Properties{}
		p.SetForces(make([][3]float64, 2))
		return p, nil
	})
	_, err := Default().OptimizeGeometry(argonDimer(1.35), m)

	var usage *potential.UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, "no energy", usage.Reason)
}

func TestOptimizeGeometryPropagatesModelFailure(t *testing.T) {
	boom := errors.New("diverged")
	m := model.ModelFunc(func(*model.Molecule) (*model.Properties, error) {
		return nil, boom
	})
	_, err := Default().OptimizeGeometry(argonDimer(1.35), m)

	var evalErr *potential.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, err, boom)
}

func TestOptimizeGeometryRestoreFailureIsFatal(t *testing.T) {
	boom := errors.New("corrupt checkpoint")
	m := &countingModel{inner: model.DefaultLennardJones()}
	o := Default()
	o.Checkpoint = &memCheckpoint{restore: func(*model.Molecule) error { return boom }}

	_, err := o.OptimizeGeometry(argonDimer(1.35), m)
	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.calls, "no evaluation after a failed restore")
}

func TestOptimizeGeometryRestoresAndCommits(t *testing.T) {
	chk := &memCheckpoint{restore: func(mol *model.Molecule) error {
		return mol.SetPositions([]float64{0, 0, 0, 1.2, 0, 0})
	}}
	o := New(5, 1e-8)
	o.Checkpoint = chk

	mol := argonDimer(3.0)
	res, err := o.OptimizeGeometry(mol, model.DefaultLennardJones())
	require.NoError(t, err)
	assert.True(t, chk.restored)

	require.Len(t, chk.committed, res.NIter)
	for i, snap := range chk.committed {
		assert.Equal(t, i, snap.Iteration)
	}
	// the first evaluation runs at the restored geometry
	assert.InDelta(t, 1.2, chk.committed[0].Molecule.Atoms[1].Position[0], 1e-12)
	assert.Equal(t, mol.Positions(), chk.lastCoords)
}

func TestOptimizeGeometryObserverAndStall(t *testing.T) {
	var energies []float64
	o := New(50, 1e-12)
	o.Observer = func(i int, p Progress[*model.Properties]) {
		energies = append(energies, p.Energy)
	}
	o.Convergence = NewConvergenceTracker(StallConfig{Enabled: true, Patience: 2, Threshold: 10})

	res, err := o.OptimizeGeometry(argonDimer(1.35), model.DefaultLennardJones())
	require.NoError(t, err)
	assert.Equal(t, Stalled, res.Status)
	assert.Equal(t, 3, res.NIter)
	assert.Len(t, energies, 3)
	assert.Equal(t, energies, o.Convergence.EnergyHistory())
}

func TestOptimizeGeometryRejectsInvalidVars(t *testing.T) {
	o := Default()
	o.Vars.MaxStepSize = 0
	_, err := o.OptimizeGeometry(argonDimer(1.35), model.DefaultLennardJones())
	var cfgErr *opt.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDefaultOptimizer(t *testing.T) {
	o := Default()
	assert.Equal(t, 100, o.NMax)
	assert.Equal(t, 0.1, o.Fmax)
	assert.Equal(t, opt.DefaultVars(), o.Vars)
}
