package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/relax"
	"github.com/gosh-rs/gosh-optim/internal/server"
	"github.com/gosh-rs/gosh-optim/internal/store"
	"github.com/spf13/cobra"
)

var (
	inputPath          string
	outPath            string
	varsPath           string
	algorithm          string
	nmax               int
	fmax               float64
	maxStepSize        float64
	ljEpsilon          float64
	ljSigma            float64
	preSearch          bool
	seed               int64
	jobID              string
	checkpointEnabled  bool
	checkpointInterval int
	traceEnabled       bool
	traceCompression   string
	stallPatience      int
	stallThreshold     float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Relax a molecular geometry",
	Long: `Relaxes the geometry read from an XYZ file and writes the result.
Atoms marked with "F" in the fifth XYZ column stay fixed. Step settings are
read from --config, then GOSH_OPTIM_* environment variables, then flags.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input XYZ file (required)")
	runCmd.Flags().StringVarP(&outPath, "out", "o", "relaxed.xyz", "Output XYZ file")
	runCmd.Flags().StringVar(&jobID, "job-id", "", "Job ID for checkpoints (default: random)")
	runCmd.MarkFlagRequired("input")
	addJobFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

// addJobFlags registers the flags shared by run and resume.
func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&varsPath, "config", "", "YAML file with step settings")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Step algorithm: LBFGS or FIRE")
	cmd.Flags().IntVar(&nmax, "nmax", store.DefaultNMax, "Maximum number of optimization steps")
	cmd.Flags().Float64Var(&fmax, "fmax", store.DefaultFmax, "Force convergence threshold")
	cmd.Flags().Float64Var(&maxStepSize, "max-step", 0, "Largest single-coordinate displacement per step")
	cmd.Flags().Float64Var(&ljEpsilon, "lj-epsilon", 1, "Lennard-Jones well depth")
	cmd.Flags().Float64Var(&ljSigma, "lj-sigma", 1, "Lennard-Jones zero-crossing distance")
	cmd.Flags().BoolVar(&preSearch, "presearch", false, "Run a Mayfly global search around the start geometry first")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed for --presearch")
	cmd.Flags().BoolVar(&checkpointEnabled, "checkpoint", false, "Save resumable checkpoints")
	cmd.Flags().IntVar(&checkpointInterval, "checkpoint-interval", 0, "Minimum seconds between checkpoints (0 = every step)")
	cmd.Flags().BoolVar(&traceEnabled, "trace", false, "Record every step in a trace under --data-dir (needs --checkpoint)")
	cmd.Flags().StringVar(&traceCompression, "trace-compression", "zstd", "Trace compression: none, zstd or lz4")
	cmd.Flags().IntVar(&stallPatience, "stall-patience", 0, "Stop after this many steps without energy improvement (0 = never)")
	cmd.Flags().Float64Var(&stallThreshold, "stall-threshold", relax.DefaultStallConfig().Threshold, "Relative energy decrease that counts as improvement")
}

// loadVars resolves step settings from --config, the environment and flags.
func loadVars(cmd *cobra.Command) (opt.Vars, error) {
	vars := opt.DefaultVars()
	if varsPath != "" {
		var err error
		if vars, err = opt.VarsFromFile(varsPath); err != nil {
			return vars, err
		}
	}
	vars = opt.VarsFromEnv(vars)

	if cmd.Flags().Changed("algorithm") {
		a, err := opt.ParseAlgorithm(algorithm)
		if err != nil {
			return vars, err
		}
		vars.Algorithm = a
	}
	if cmd.Flags().Changed("max-step") {
		vars.MaxStepSize = maxStepSize
	}
	return vars, vars.Validate()
}

// stallConfig applies the --stall-* flags to the default stall detection.
func stallConfig() relax.StallConfig {
	config := relax.DefaultStallConfig()
	config.Patience = stallPatience
	config.Threshold = stallThreshold
	return config
}

// jobConfigFromFlags builds the job config of a fresh run.
func jobConfigFromFlags(vars opt.Vars) store.JobConfig {
	return store.JobConfig{
		MoleculePath:       inputPath,
		Algorithm:          vars.Algorithm.String(),
		NMax:               nmax,
		Fmax:               fmax,
		MaxStepSize:        vars.MaxStepSize,
		LJEpsilon:          ljEpsilon,
		LJSigma:            ljSigma,
		PreSearch:          preSearch,
		Seed:               seed,
		CheckpointInterval: checkpointInterval,
	}.WithDefaults()
}

func runOptimization(cmd *cobra.Command, args []string) error {
	vars, err := loadVars(cmd)
	if err != nil {
		return err
	}
	if jobID == "" {
		jobID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeJob(ctx, cmd.OutOrStdout(), jobRun{
		jobID:      jobID,
		config:     jobConfigFromFlags(vars),
		vars:       vars,
		checkpoint: checkpointEnabled,
		output:     outPath,
	})
}

// jobRun describes one local relaxation
type jobRun struct {
	jobID      string
	config     store.JobConfig
	vars       opt.Vars
	checkpoint bool
	// appendTrace continues an existing trace
	appendTrace bool
	output      string

	// Optional; loaded from config.MoleculePath and opened from flags when nil
	mol         *model.Molecule
	checkpoints store.Store
}

// executeJob relaxes the molecule of run.config and writes the result to
// run.output. With checkpointing, an existing checkpoint of run.jobID is
// restored first.
func executeJob(ctx context.Context, out io.Writer, run jobRun) error {
	mol := run.mol
	if mol == nil {
		var err error
		if mol, err = model.LoadXYZ(run.config.MoleculePath); err != nil {
			return err
		}
	}
	optimizer, err := server.NewOptimizer(run.config, run.vars)
	if err != nil {
		return err
	}
	if stallPatience > 0 {
		optimizer.Convergence = relax.NewConvergenceTracker(stallConfig())
	}

	slog.Info("Starting optimization",
		"job_id", run.jobID,
		"molecule", run.config.MoleculePath,
		"atoms", mol.NumAtoms(),
		"algorithm", run.vars.Algorithm,
		"nmax", run.config.NMax,
		"fmax", run.config.Fmax,
	)

	checkpointStore := run.checkpoints
	if traceEnabled && !run.checkpoint {
		slog.Warn("Ignoring --trace without --checkpoint")
	}
	if run.checkpoint {
		if checkpointStore == nil {
			if checkpointStore, err = openStore(ctx); err != nil {
				return err
			}
		}
		cp := store.NewCheckpointer(checkpointStore, run.jobID, run.config)
		if traceEnabled {
			tw, err := openTrace(run)
			if err != nil {
				return err
			}
			defer tw.Close()
			cp.WithTrace(tw)
		}
		defer cp.Flush()
		optimizer.Checkpoint = cp
	}

	start := time.Now()
	result, err := optimizer.OptimizeGeometry(mol, model.WithContext(ctx, server.NewModel(run.config)))
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		slog.Info("Optimization interrupted", "job_id", run.jobID)
		return ctx.Err()
	}
	if err != nil {
		var restoreErr *relax.RestoreError
		if errors.As(err, &restoreErr) {
			return fmt.Errorf("cannot resume job %s: %w", run.jobID, err)
		}
		return err
	}

	if err := model.SaveXYZ(run.output, mol); err != nil {
		return err
	}
	if fsStore, ok := checkpointStore.(*store.FSStore); ok {
		if err := fsStore.SaveGeometry(run.jobID, mol); err != nil {
			slog.Warn("Failed to save final geometry", "job_id", run.jobID, "error", err)
		}
	}

	slog.Info("Optimization complete",
		"job_id", run.jobID,
		"elapsed", elapsed,
		"status", result.Status,
		"energy", result.Energy,
		"fmax", result.Fmax,
		"niter", result.NIter,
	)
	if result.Status != relax.Converged {
		slog.Warn("Forces not converged", "fmax", result.Fmax, "threshold", run.config.Fmax)
	}

	fmt.Fprintf(out, "Wrote %s (energy: %.8f, fmax: %.4g, %d steps, %s)\n",
		run.output, result.Energy, result.Fmax, result.NIter, result.Status)
	if run.checkpoint {
		fmt.Fprintf(out, "Job ID: %s\n", run.jobID)
	}
	return nil
}

// openTrace opens the trace of a local run. LZ4 traces cannot be appended
// to, so a resumed LZ4 run starts a new trace.
func openTrace(run jobRun) (*store.TraceWriter, error) {
	compression, err := store.ParseCompression(traceCompression)
	if err != nil {
		return nil, err
	}
	appendTrace := run.appendTrace
	if appendTrace && compression == store.CompressionLZ4 {
		slog.Warn("Starting a new lz4 trace; lz4 traces cannot be appended to", "job_id", run.jobID)
		appendTrace = false
	}
	return store.NewTraceWriter(dataDir, run.jobID, appendTrace, compression)
}
