package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/server"
	"github.com/gosh-rs/gosh-optim/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveAddr          string
	serveCheckpoint    bool
	serveTrace         bool
	serveVarsPath      string
	shutdownTimeout    time.Duration
	broadcastInterval  time.Duration
	serveTraceCompress string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Starts an HTTP server that runs relaxation jobs in the background.
Jobs are submitted with POST /api/v1/jobs and report live progress on
/api/v1/jobs/{id}/stream. Interrupting the server cancels running jobs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&serveCheckpoint, "checkpoint", false, "Save checkpoints and final geometries of jobs")
	serveCmd.Flags().BoolVar(&serveTrace, "trace", false, "Record job traces under --data-dir (needs --checkpoint)")
	serveCmd.Flags().StringVar(&serveTraceCompress, "trace-compression", "zstd", "Trace compression: none, zstd or lz4")
	serveCmd.Flags().StringVar(&serveVarsPath, "config", "", "YAML file with default step settings")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for running jobs to stop")
	serveCmd.Flags().DurationVar(&broadcastInterval, "progress-interval", 500*time.Millisecond, "Minimum time between progress events of a job")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := server.DefaultOptions()
	opts.BroadcastInterval = broadcastInterval
	if serveVarsPath != "" {
		vars, err := opt.VarsFromFile(serveVarsPath)
		if err != nil {
			return err
		}
		opts.Vars = vars
	}
	opts.Vars = opt.VarsFromEnv(opts.Vars)

	if serveCheckpoint {
		checkpointStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		opts.Store = checkpointStore
		if serveTrace {
			compression, err := store.ParseCompression(serveTraceCompress)
			if err != nil {
				return err
			}
			opts.TraceDir = dataDir
			opts.TraceCompression = compression
		}
	}

	srv := server.NewServer(serveAddr, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	slog.Info("Server stopped")
	return err
}
