package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/relax"
	"github.com/gosh-rs/gosh-optim/internal/store"
	"golang.org/x/time/rate"
)

// Options configures how jobs are run
type Options struct {
	// Store persists checkpoints; nil disables checkpointing
	Store store.Store

	// TraceDir receives per-job traces; empty disables tracing
	TraceDir         string
	TraceCompression store.Compression

	// Vars are the base step settings; job configs override them
	Vars opt.Vars

	// BroadcastInterval throttles progress events (default 500ms)
	BroadcastInterval time.Duration
}

// DefaultOptions returns options without persistence.
func DefaultOptions() Options {
	return Options{
		Vars:              opt.DefaultVars(),
		BroadcastInterval: 500 * time.Millisecond,
	}
}

// geometrySaver is implemented by stores that keep final geometries.
type geometrySaver interface {
	SaveGeometry(jobID string, mol *model.Molecule) error
}

// runJob executes a relaxation job. Cancelling ctx stops the run before the
// next model evaluation.
func runJob(ctx context.Context, jm *JobManager, opts Options, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	defer jm.clearCancel(jobID)

	// Check for cancellation before starting
	if ctx.Err() != nil {
		markJobCancelled(jm, jobID)
		return ctx.Err()
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	config := resolveConfig(job.Config, opts.Vars)
	slog.Info("Starting job", "job_id", jobID, "molecule", config.MoleculePath, "algorithm", config.Algorithm)

	mol, err := model.LoadXYZ(config.MoleculePath)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	optimizer, err := NewOptimizer(config, opts.Vars)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	slog.Info("Loaded molecule", "job_id", jobID, "atoms", mol.NumAtoms(), "frozen", len(mol.FrozenAtoms()))

	m := model.WithContext(ctx, NewModel(config))

	if opts.Store != nil {
		cp := store.NewCheckpointer(opts.Store, jobID, config)
		if opts.TraceDir != "" {
			tw, err := store.NewTraceWriter(opts.TraceDir, jobID, false, opts.TraceCompression)
			if err != nil {
				markJobFailed(jm, jobID, err)
				return err
			}
			defer func() {
				if err := tw.Close(); err != nil {
					slog.Warn("Failed to close trace", "job_id", jobID, "error", err)
				}
			}()
			cp.WithTrace(tw)
		}
		defer func() {
			if err := cp.Flush(); err != nil {
				slog.Warn("Failed to flush checkpoint", "job_id", jobID, "error", err)
			}
		}()
		optimizer.Checkpoint = cp
	}

	interval := opts.BroadcastInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	throttle := rate.Sometimes{Interval: interval}
	optimizer.Observer = func(i int, p relax.Progress[*model.Properties]) {
		slog.Debug("Optimization step", "job_id", jobID, "iter", i, "energy", p.Energy, "fmax", p.Fmax)
		var event ProgressEvent
		jm.UpdateJob(jobID, func(j *Job) {
			j.NIter = i + 1
			j.Energy = p.Energy
			j.Fmax = p.Fmax
			j.NCalls = p.NCalls
			if p.Extra != nil && p.Extra.Molecule != nil {
				j.geometry = p.Extra.Molecule
			}
			event = eventFromJob(j)
		})
		throttle.Do(func() { jm.broadcaster.Broadcast(event) })
	}

	start := time.Now()
	result, err := optimizer.OptimizeGeometry(mol, m)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		markJobCancelled(jm, jobID)
		return ctx.Err()
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	if saver, ok := opts.Store.(geometrySaver); ok {
		if err := saver.SaveGeometry(jobID, mol); err != nil {
			slog.Warn("Failed to save final geometry", "job_id", jobID, "error", err)
		}
	}

	endTime := time.Now()
	var final ProgressEvent
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Status = result.Status.String()
		j.Energy = result.Energy
		j.Fmax = result.Fmax
		j.NIter = result.NIter
		j.geometry = mol.Clone()
		j.EndTime = &endTime
		final = eventFromJob(j)
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"status", result.Status,
		"energy", result.Energy,
		"fmax", result.Fmax,
		"niter", result.NIter,
	)

	jm.broadcaster.Broadcast(final)
	return nil
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	var event ProgressEvent
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
		event = eventFromJob(j)
	})
	jm.broadcaster.Broadcast(event)

	var restoreErr *relax.RestoreError
	if errors.As(err, &restoreErr) {
		slog.Error("Job failed to resume from checkpoint", "job_id", jobID, "error", err)
		return
	}
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	var event ProgressEvent
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
		event = eventFromJob(j)
	})
	jm.broadcaster.Broadcast(event)
	slog.Info("Job cancelled", "job_id", jobID)
}
