package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gosh-rs/gosh-optim/internal/store"
	"github.com/spf13/cobra"
)

var resumeOutPath string

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a relaxation from its checkpoint",
	Long: `Restarts the step algorithm from the geometry saved in a checkpoint.
The molecule, potential and settings are taken from the checkpoint;
--nmax, --fmax, --algorithm and --max-step override the saved values.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVarP(&resumeOutPath, "out", "o", "", "Output XYZ file (default: <job-id>.xyz)")
	addJobFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkpointStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	cp, err := checkpointStore.LoadCheckpoint(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no checkpoint for job %s", id)
	}
	if err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint of job %s is invalid: %w", id, err)
	}

	vars, err := loadVars(cmd)
	if err != nil {
		return err
	}
	config := resumeConfig(cmd, cp.Config, vars.Algorithm.String())

	output := resumeOutPath
	if output == "" {
		output = id + ".xyz"
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Resuming job %s from step %d (energy: %.8f, fmax: %.4g)\n",
		id, cp.Iteration, cp.Energy, cp.Fmax)

	return executeJob(ctx, cmd.OutOrStdout(), jobRun{
		jobID:       id,
		config:      config,
		vars:        vars,
		checkpoint:  true,
		appendTrace: true,
		output:      output,
		mol:         cp.Molecule(),
		checkpoints: checkpointStore,
	})
}

// resumeConfig applies the flags the user set to a saved job config. The
// molecule and potential are never overridden, so the checkpoint stays
// compatible.
func resumeConfig(cmd *cobra.Command, saved store.JobConfig, algorithmName string) store.JobConfig {
	config := saved
	flags := cmd.Flags()
	if flags.Changed("nmax") {
		config.NMax = nmax
	}
	if flags.Changed("fmax") {
		config.Fmax = fmax
	}
	if flags.Changed("algorithm") {
		config.Algorithm = algorithmName
	}
	if flags.Changed("max-step") {
		config.MaxStepSize = maxStepSize
	}
	if flags.Changed("checkpoint-interval") {
		config.CheckpointInterval = checkpointInterval
	}
	return config.WithDefaults()
}
