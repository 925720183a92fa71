package store

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/model"
)

// JobConfig holds the configuration of a relaxation job (checkpoint copy).
// This avoids import cycles with server package.
type JobConfig struct {
	MoleculePath       string  `json:"moleculePath"`
	Algorithm          string  `json:"algorithm"` // LBFGS or FIRE
	NMax               int     `json:"nmax"`
	Fmax               float64 `json:"fmax"`
	MaxStepSize        float64 `json:"maxStepSize,omitempty"`
	LJEpsilon          float64 `json:"ljEpsilon,omitempty"`
	LJSigma            float64 `json:"ljSigma,omitempty"`
	PreSearch          bool    `json:"preSearch,omitempty"`
	Seed               int64   `json:"seed,omitempty"`
	CheckpointInterval int     `json:"checkpointInterval,omitempty"` // Minimum seconds between checkpoints (0 = every step)
}

// Defaults for unset JobConfig fields
const (
	DefaultAlgorithm = "LBFGS"
	DefaultNMax      = 100
	DefaultFmax      = 0.1
)

// WithDefaults fills unset fields. The LJ parameters default to reduced
// units, so a checkpoint written without them stays compatible with a
// resume that spells them out.
func (c JobConfig) WithDefaults() JobConfig {
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.NMax <= 0 {
		c.NMax = DefaultNMax
	}
	if c.Fmax <= 0 {
		c.Fmax = DefaultFmax
	}
	if c.LJEpsilon <= 0 {
		c.LJEpsilon = 1
	}
	if c.LJSigma <= 0 {
		c.LJSigma = 1
	}
	return c
}

// Checkpoint is a resumable point of a relaxation.
//
// Only the geometry is saved, not the internal state of the step algorithm
// (L-BFGS history, FIRE velocities). A resumed run restarts the step
// algorithm from the saved coordinates, so it is not a bit-exact
// continuation, but the energy never starts above the checkpointed one.
type Checkpoint struct {
	// JobID is the unique identifier for this relaxation job
	JobID string `json:"jobId"`

	// Title is the molecule title line
	Title string `json:"title,omitempty"`

	// Symbols lists the element of every atom
	Symbols []string `json:"symbols"`

	// Positions holds the flat Cartesian coordinates, 3 per atom
	Positions []float64 `json:"positions"`

	// Frozen lists the indices of frozen atoms
	Frozen []int `json:"frozen,omitempty"`

	// Energy and Fmax are the values reported at Positions
	Energy float64 `json:"energy"`
	Fmax   float64 `json:"fmax"`

	// Iteration is the index of the record this checkpoint was taken from
	Iteration int `json:"iteration"`

	// NCalls is the number of model evaluations so far
	NCalls int `json:"ncalls"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Config holds the job configuration, needed for validation during resume
	Config JobConfig `json:"config"`
}

// CheckpointInfo contains checkpoint metadata without coordinates.
type CheckpointInfo struct {
	JobID        string    `json:"jobId"`
	Energy       float64   `json:"energy"`
	Fmax         float64   `json:"fmax"`
	Iteration    int       `json:"iteration"`
	Timestamp    time.Time `json:"timestamp"`
	Algorithm    string    `json:"algorithm"`
	Atoms        int       `json:"atoms"`
	MoleculePath string    `json:"moleculePath"`
}

// NewCheckpoint captures mol and its current energy and fmax.
func NewCheckpoint(jobID string, mol *model.Molecule, energy, fmax float64, iteration int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:     jobID,
		Title:     mol.Title,
		Symbols:   mol.Symbols(),
		Positions: mol.Positions(),
		Frozen:    mol.FrozenAtoms(),
		Energy:    energy,
		Fmax:      fmax,
		Iteration: iteration,
		Timestamp: time.Now(),
		Config:    config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:        c.JobID,
		Energy:       c.Energy,
		Fmax:         c.Fmax,
		Iteration:    c.Iteration,
		Timestamp:    c.Timestamp,
		Algorithm:    c.Config.Algorithm,
		Atoms:        len(c.Symbols),
		MoleculePath: c.Config.MoleculePath,
	}
}

// Molecule rebuilds the checkpointed molecule.
func (c *Checkpoint) Molecule() *model.Molecule {
	mol := &model.Molecule{Title: c.Title, Atoms: make([]model.Atom, len(c.Symbols))}
	for i, sym := range c.Symbols {
		mol.Atoms[i].Symbol = sym
		copy(mol.Atoms[i].Position[:], c.Positions[3*i:3*i+3])
	}
	for _, i := range c.Frozen {
		mol.Atoms[i].Frozen = true
	}
	return mol
}

// ApplyTo moves the free atoms of mol to the checkpointed coordinates. The
// atom list of mol must match the checkpoint.
func (c *Checkpoint) ApplyTo(mol *model.Molecule) error {
	if !slices.Equal(mol.Symbols(), c.Symbols) {
		return &CompatibilityError{
			Field:    "Symbols",
			Expected: fmt.Sprintf("%d atoms %v", len(c.Symbols), c.Symbols),
			Actual:   fmt.Sprintf("%d atoms %v", mol.NumAtoms(), mol.Symbols()),
		}
	}
	return mol.SetPositions(c.Positions)
}

// Validate checks if the checkpoint has valid data.
// Returns an error if any required field is missing or invalid.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(c.Symbols) == 0 {
		return &ValidationError{Field: "Symbols", Reason: "cannot be empty"}
	}
	if len(c.Positions) != 3*len(c.Symbols) {
		return &ValidationError{
			Field:  "Positions",
			Reason: fmt.Sprintf("length mismatch: expected %d coordinates for %d atoms", 3*len(c.Symbols), len(c.Symbols)),
		}
	}
	for _, i := range c.Frozen {
		if i < 0 || i >= len(c.Symbols) {
			return &ValidationError{Field: "Frozen", Reason: fmt.Sprintf("atom index %d out of range", i)}
		}
	}
	if math.IsNaN(c.Energy) || math.IsInf(c.Energy, 0) {
		return &ValidationError{Field: "Energy", Reason: "must be finite"}
	}
	if !(c.Fmax >= 0) || math.IsInf(c.Fmax, 0) {
		return &ValidationError{Field: "Fmax", Reason: "must be finite and non-negative"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.NMax < 0 {
		return &ValidationError{Field: "Config.NMax", Reason: "cannot be negative"}
	}
	if c.Config.Fmax < 0 {
		return &ValidationError{Field: "Config.Fmax", Reason: "cannot be negative"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.MoleculePath != config.MoleculePath {
		return &CompatibilityError{
			Field:    "MoleculePath",
			Expected: c.Config.MoleculePath,
			Actual:   config.MoleculePath,
		}
	}
	if c.Config.LJEpsilon != config.LJEpsilon || c.Config.LJSigma != config.LJSigma {
		return &CompatibilityError{
			Field:    "Potential",
			Expected: fmt.Sprintf("eps=%g sigma=%g", c.Config.LJEpsilon, c.Config.LJSigma),
			Actual:   fmt.Sprintf("eps=%g sigma=%g", config.LJEpsilon, config.LJSigma),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
