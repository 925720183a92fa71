package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/store"
)

const testTrimer = `3
Ar3 test
Ar 0.0 0.0 0.0 F
Ar 1.3 0.0 0.0
Ar 0.6 1.1 0.0
`

// writeTestMolecule writes an argon trimer with atom 0 frozen.
func writeTestMolecule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ar3.xyz")
	if err := os.WriteFile(path, []byte(testTrimer), 0644); err != nil {
		t.Fatalf("Failed to write test molecule: %v", err)
	}
	return path
}

func testJobConfig(path string) JobConfig {
	return JobConfig{
		MoleculePath: path,
		Algorithm:    "LBFGS",
		NMax:         500,
		Fmax:         0.05,
	}
}

func TestRunJob_Success(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig(writeTestMolecule(t)))

	err := runJob(context.Background(), jm, DefaultOptions(), job.ID)
	if err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Fatalf("Job should be completed, got %s (%s)", updated.State, updated.Error)
	}
	if updated.Status != "converged" {
		t.Errorf("Expected converged status, got %q", updated.Status)
	}
	if !(updated.Fmax < 0.05) {
		t.Errorf("Expected fmax < 0.05, got %v", updated.Fmax)
	}
	if updated.NIter == 0 || updated.NCalls == 0 {
		t.Errorf("Expected progress counters, got niter %d ncalls %d", updated.NIter, updated.NCalls)
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}

	geom := updated.Geometry()
	if geom == nil || geom.NumAtoms() != 3 {
		t.Fatalf("Expected final geometry with 3 atoms, got %+v", geom)
	}
	if geom.Atoms[0].Position != [3]float64{} {
		t.Errorf("Frozen atom moved to %v", geom.Atoms[0].Position)
	}
}

func TestRunJob_FIRE(t *testing.T) {
	jm := NewJobManager()
	config := testJobConfig(writeTestMolecule(t))
	config.Algorithm = "FIRE"
	job := jm.CreateJob(config)

	if err := runJob(context.Background(), jm, DefaultOptions(), job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}
	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted || updated.Status != "converged" {
		t.Errorf("Expected converged FIRE run, got %s/%s", updated.State, updated.Status)
	}
}

func TestRunJob_MissingMolecule(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig("/nonexistent/ar3.xyz"))

	err := runJob(context.Background(), jm, DefaultOptions(), job.ID)
	if err == nil {
		t.Error("runJob should fail with missing molecule")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
	if updated.Error == "" {
		t.Error("Error message should be set")
	}
}

func TestRunJob_InvalidAlgorithm(t *testing.T) {
	jm := NewJobManager()
	config := testJobConfig(writeTestMolecule(t))
	config.Algorithm = "newton"
	job := jm.CreateJob(config)

	if err := runJob(context.Background(), jm, DefaultOptions(), job.ID); err == nil {
		t.Error("runJob should fail with unknown algorithm")
	}
	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
}

func TestRunJob_Cancelled(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig(writeTestMolecule(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runJob(ctx, jm, DefaultOptions(), job.ID)
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Job should be cancelled, got %s", updated.State)
	}
}

func TestRunJob_UnknownJob(t *testing.T) {
	if err := runJob(context.Background(), NewJobManager(), DefaultOptions(), "missing"); err == nil {
		t.Error("runJob should fail for unknown job")
	}
}

func TestRunJob_WithCheckpointAndTrace(t *testing.T) {
	dataDir := t.TempDir()
	fsStore, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	opts := DefaultOptions()
	opts.Store = fsStore
	opts.TraceDir = dataDir
	opts.TraceCompression = store.CompressionZstd

	jm := NewJobManager()
	job := jm.CreateJob(testJobConfig(writeTestMolecule(t)))
	if err := runJob(context.Background(), jm, opts, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}
	updated, _ := jm.GetJob(job.ID)

	cp, err := fsStore.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatalf("Checkpoint not saved: %v", err)
	}
	if err := cp.Validate(); err != nil {
		t.Errorf("Saved checkpoint is invalid: %v", err)
	}
	if cp.Iteration != updated.NIter-1 {
		t.Errorf("Expected last record %d in checkpoint, got %d", updated.NIter-1, cp.Iteration)
	}

	final, err := fsStore.LoadGeometry(job.ID)
	if err != nil {
		t.Fatalf("Final geometry not saved: %v", err)
	}
	if final.NumAtoms() != 3 || !final.Atoms[0].Frozen {
		t.Errorf("Unexpected final geometry: %+v", final)
	}

	tr, err := store.NewTraceReader(dataDir, job.ID)
	if err != nil {
		t.Fatalf("Trace not written: %v", err)
	}
	defer tr.Close()
	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != updated.NIter {
		t.Errorf("Expected %d trace entries, got %d", updated.NIter, len(entries))
	}
}

func TestRunJob_ResumesFromCheckpoint(t *testing.T) {
	dataDir := t.TempDir()
	fsStore, _ := store.NewFSStore(dataDir)
	opts := DefaultOptions()
	opts.Store = fsStore

	path := writeTestMolecule(t)
	jm := NewJobManager()
	first := jm.CreateJob(testJobConfig(path))
	if err := runJob(context.Background(), jm, opts, first.ID); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	relaxed, _ := jm.GetJob(first.ID)

	// A second job with the same ID restores the relaxed geometry
	cp, _ := fsStore.LoadCheckpoint(first.ID)
	if err := fsStore.SaveCheckpoint("resume", cp); err != nil {
		t.Fatal(err)
	}
	jm.jobs["resume"] = &Job{ID: "resume", State: StatePending, Config: testJobConfig(path), StartTime: time.Now()}
	if err := runJob(context.Background(), jm, opts, "resume"); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	resumed, _ := jm.GetJob("resume")
	if resumed.NIter > relaxed.NIter {
		t.Errorf("Resumed run should not take longer: %d > %d", resumed.NIter, relaxed.NIter)
	}

	// An incompatible checkpoint aborts the run
	other := testJobConfig(path)
	other.LJSigma = 3.4
	jm.jobs["bad"] = &Job{ID: "bad", State: StatePending, Config: other, StartTime: time.Now()}
	fsStore.SaveCheckpoint("bad", cp)
	if err := runJob(context.Background(), jm, opts, "bad"); err == nil {
		t.Error("Expected restore failure for incompatible checkpoint")
	}
	bad, _ := jm.GetJob("bad")
	if bad.State != StateFailed {
		t.Errorf("Expected failed job, got %s", bad.State)
	}
}

func TestNewOptimizer(t *testing.T) {
	o, err := NewOptimizer(JobConfig{Algorithm: "fire", MaxStepSize: 0.05, NMax: 7, Fmax: 0.01, PreSearch: true, Seed: 9}, opt.DefaultVars())
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if o.Vars.Algorithm != opt.FIRE || o.Vars.MaxStepSize != 0.05 {
		t.Errorf("Unexpected vars: %+v", o.Vars)
	}
	if o.NMax != 7 || o.Fmax != 0.01 {
		t.Errorf("Unexpected bounds: nmax %d fmax %v", o.NMax, o.Fmax)
	}
	if o.PreSearch == nil || o.PreSearch.Seed != 9 {
		t.Errorf("Expected seeded pre-search, got %+v", o.PreSearch)
	}

	defaults, err := NewOptimizer(JobConfig{}, opt.DefaultVars())
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if defaults.NMax != store.DefaultNMax || defaults.Fmax != store.DefaultFmax || defaults.PreSearch != nil {
		t.Errorf("Unexpected defaults: %+v", defaults)
	}

	base := opt.DefaultVars()
	base.Algorithm = opt.FIRE
	inherited, err := NewOptimizer(JobConfig{MoleculePath: "x.xyz"}, base)
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if inherited.Vars.Algorithm != opt.FIRE {
		t.Errorf("Unset algorithm should keep base FIRE, got %v", inherited.Vars.Algorithm)
	}
	explicit, err := NewOptimizer(JobConfig{Algorithm: "LBFGS"}, base)
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	if explicit.Vars.Algorithm != opt.LBFGS {
		t.Errorf("Job algorithm should override base, got %v", explicit.Vars.Algorithm)
	}

	if _, err := NewOptimizer(JobConfig{Algorithm: "bfgs"}, opt.DefaultVars()); err == nil {
		t.Error("Expected error for unknown algorithm")
	}

	lj := NewModel(JobConfig{LJSigma: 3.4})
	if lj.Epsilon != 1 || lj.Sigma != 3.4 || lj.DerivativeOrder != 1 {
		t.Errorf("Unexpected model: %+v", lj)
	}
}

func TestRunJob_UsesBaseAlgorithm(t *testing.T) {
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	opts := DefaultOptions()
	opts.Store = fsStore
	opts.Vars.Algorithm = opt.FIRE

	config := testJobConfig(writeTestMolecule(t))
	config.Algorithm = ""
	jm := NewJobManager()
	job := jm.CreateJob(config)
	if err := runJob(context.Background(), jm, opts, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	cp, err := fsStore.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatalf("Checkpoint not saved: %v", err)
	}
	if cp.Config.Algorithm != "FIRE" {
		t.Errorf("Expected checkpoint to record FIRE, got %q", cp.Config.Algorithm)
	}
}
