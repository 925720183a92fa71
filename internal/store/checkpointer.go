package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/relax"
)

// Checkpointer connects a Store to the optimizer: it restores a job's
// geometry before the run and saves a checkpoint after records. It
// optionally mirrors every record into a trace.
type Checkpointer struct {
	store    Store
	jobID    string
	config   JobConfig
	interval time.Duration
	trace    *TraceWriter
	now      func() time.Time

	lastSave time.Time
	pending  *relax.Snapshot
	saves    int
}

var _ relax.Checkpointer = (*Checkpointer)(nil)

// NewCheckpointer creates a checkpointer for one job. With a positive
// config.CheckpointInterval, checkpoints are written at most that many
// seconds apart; otherwise after every record.
func NewCheckpointer(s Store, jobID string, config JobConfig) *Checkpointer {
	return &Checkpointer{
		store:    s,
		jobID:    jobID,
		config:   config,
		interval: time.Duration(config.CheckpointInterval) * time.Second,
		now:      time.Now,
	}
}

// WithTrace mirrors every committed record into tw.
func (c *Checkpointer) WithTrace(tw *TraceWriter) *Checkpointer {
	c.trace = tw
	return c
}

// Restore implements relax.Checkpointer. A missing checkpoint is not an
// error; an unreadable, invalid or incompatible one is.
func (c *Checkpointer) Restore(mol *model.Molecule) error {
	cp, err := c.store.LoadCheckpoint(c.jobID)
	if errors.Is(err, ErrNotFound) {
		slog.Debug("No checkpoint to restore", "jobID", c.jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	if err := cp.IsCompatible(c.config); err != nil {
		return err
	}
	if err := cp.ApplyTo(mol); err != nil {
		return err
	}

	slog.Info("Restored checkpoint",
		"jobID", c.jobID,
		"iteration", cp.Iteration,
		"energy", cp.Energy,
		"fmax", cp.Fmax,
	)
	return nil
}

// Commit implements relax.Checkpointer. Failures are logged, never returned.
func (c *Checkpointer) Commit(snap relax.Snapshot) {
	if c.trace != nil {
		err := c.trace.Write(TraceEntry{
			Iteration: snap.Iteration,
			Energy:    snap.Energy,
			Fmax:      snap.Fmax,
			NCalls:    snap.NCalls,
			Timestamp: c.now(),
		})
		if err != nil {
			slog.Warn("Failed to write trace entry", "jobID", c.jobID, "error", err)
		}
	}

	now := c.now()
	if c.interval > 0 && !c.lastSave.IsZero() && now.Sub(c.lastSave) < c.interval {
		snap.Molecule = snap.Molecule.Clone()
		c.pending = &snap
		return
	}
	c.save(snap, now)
}

// Flush saves a record held back by the checkpoint interval, if any, and
// flushes the trace.
func (c *Checkpointer) Flush() error {
	if c.pending != nil {
		c.save(*c.pending, c.now())
	}
	if c.trace != nil {
		return c.trace.Flush()
	}
	return nil
}

// Saves returns the number of checkpoints written.
func (c *Checkpointer) Saves() int {
	return c.saves
}

func (c *Checkpointer) save(snap relax.Snapshot, now time.Time) {
	c.pending = nil
	cp := NewCheckpoint(c.jobID, snap.Molecule, snap.Energy, snap.Fmax, snap.Iteration, c.config)
	cp.NCalls = snap.NCalls
	cp.Timestamp = now
	if err := c.store.SaveCheckpoint(c.jobID, cp); err != nil {
		slog.Warn("Failed to save checkpoint", "jobID", c.jobID, "iteration", snap.Iteration, "error", err)
		return
	}
	c.lastSave = now
	c.saves++
}
