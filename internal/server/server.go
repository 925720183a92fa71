package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	addr       string
	opts       Options
	server     *http.Server

	// ctx is the parent of every job context; cancelled on Shutdown
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewServer creates a new HTTP server
func NewServer(addr string, opts Options) *Server {
	if opts.Vars == (opt.Vars{}) {
		opts.Vars = opt.DefaultVars()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager: NewJobManager(),
		addr:       addr,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJobStatus)
	mux.HandleFunc("GET /api/v1/jobs/{id}/status", s.handleGetJobStatus)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/geometry.xyz", s.handleGetGeometry)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", s.handleJobStream)
	mux.HandleFunc("GET /api/v1/checkpoints", s.handleListCheckpoints)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs, stops accepting requests and waits for
// the workers to finish. Jobs are cancelled first so that open progress
// streams see their terminal event and close.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.cancel()
	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("workers still running: %w", ctx.Err()))
	}
	return err
}

// submit starts a worker for a created job.
func (s *Server) submit(jobID string) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.jobManager.setCancel(jobID, cancel)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()
		runJob(ctx, s.jobManager, s.opts, jobID)
	}()
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if config.MoleculePath == "" {
		http.Error(w, "moleculePath is required", http.StatusBadRequest)
		return
	}
	config = resolveConfig(config, s.opts.Vars)
	if _, err := NewOptimizer(config, s.opts.Vars); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)
	s.submit(job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/{id}/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	job, exists := s.jobManager.GetJob(r.PathValue("id"))
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	callsPerSecond := float64(0)
	if elapsed.Seconds() > 0 {
		callsPerSecond = float64(job.NCalls) / elapsed.Seconds()
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Job:            job,
		Elapsed:        elapsed.Seconds(),
		CallsPerSecond: callsPerSecond,
	})
}

type statusResponse struct {
	*Job
	Elapsed        float64 `json:"elapsed"`
	CallsPerSecond float64 `json:"callsPerSecond"`
}

// handleCancelJob handles POST /api/v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if !s.jobManager.CancelJob(jobID) {
		http.Error(w, "Job already finished", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGetGeometry handles GET /api/v1/jobs/{id}/geometry.xyz
func (s *Server) handleGetGeometry(w http.ResponseWriter, r *http.Request) {
	job, exists := s.jobManager.GetJob(r.PathValue("id"))
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	mol := job.Geometry()
	if mol == nil {
		http.Error(w, "No geometry yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "chemical/x-xyz")
	w.Header().Set("Cache-Control", "no-cache")
	if err := model.WriteXYZ(w, mol); err != nil {
		slog.Error("Failed to write geometry", "job_id", job.ID, "error", err)
	}
}

// handleListCheckpoints handles GET /api/v1/checkpoints
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.Error(w, "Checkpointing disabled", http.StatusNotFound)
		return
	}
	infos, err := s.opts.Store.ListCheckpoints()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list checkpoints: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
