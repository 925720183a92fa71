package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/opt"
	"github.com/gosh-rs/gosh-optim/internal/store"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("localhost:0", opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, srv
}

func postJob(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return resp
}

// waitForJob polls the status endpoint until the job finishes.
func waitForJob(t *testing.T, srv *httptest.Server, id string) statusResponse {
	t.Helper()
	for i := 0; i < 100; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/jobs/" + id + "/status")
		if err != nil {
			t.Fatalf("Failed to get status: %v", err)
		}
		var status statusResponse
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("Failed to decode status: %v", err)
		}
		if status.Job != nil && status.State.Finished() {
			return status
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Job did not finish in time")
	return statusResponse{}
}

func TestServer_CreateJob(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())

	body, _ := json.Marshal(testJobConfig(writeTestMolecule(t)))
	resp := postJob(t, srv, string(body))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected pending state, got %s", job.State)
	}
	if job.Config.LJSigma != 1 {
		t.Errorf("Expected defaults applied, got %+v", job.Config)
	}
}

func TestServer_CreateJob_InheritsServerAlgorithm(t *testing.T) {
	opts := DefaultOptions()
	opts.Vars.Algorithm = opt.FIRE
	_, srv := newTestServer(t, opts)

	body := fmt.Sprintf(`{"moleculePath":%q}`, writeTestMolecule(t))
	resp := postJob(t, srv, body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.Config.Algorithm != "FIRE" {
		t.Errorf("Expected server algorithm FIRE, got %q", job.Config.Algorithm)
	}
}

func TestServer_CreateJob_Invalid(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"moleculePath":`},
		{"missing molecule", `{"algorithm":"FIRE"}`},
		{"unknown field", `{"moleculePath":"a.xyz","temperature":300}`},
		{"unknown algorithm", `{"moleculePath":"a.xyz","algorithm":"newton"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJob(t, srv, tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestServer_ListJobs(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())

	s.jobManager.CreateJob(JobConfig{MoleculePath: "a.xyz"})
	s.jobManager.CreateJob(JobConfig{MoleculePath: "b.xyz"})

	resp, err := http.Get(srv.URL + "/api/v1/jobs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var jobs []Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())

	for _, path := range []string{"/nonexistent", "/nonexistent/status", "/nonexistent/geometry.xyz", "/nonexistent/stream"} {
		resp, err := http.Get(srv.URL + "/api/v1/jobs" + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestServer_GeometryBeforeFirstRecord(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())
	job := s.jobManager.CreateJob(JobConfig{MoleculePath: "a.xyz"})

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/geometry.xyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 before first record, got %d", resp.StatusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	_, srv := newTestServer(t, DefaultOptions())

	body, _ := json.Marshal(testJobConfig(writeTestMolecule(t)))
	resp := postJob(t, srv, string(body))
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()

	status := waitForJob(t, srv, job.ID)
	if status.State != StateCompleted {
		t.Fatalf("Job did not complete: %s (%s)", status.State, status.Error)
	}
	if status.Status != "converged" || !(status.Fmax < 0.05) {
		t.Errorf("Expected converged run, got %s with fmax %v", status.Status, status.Fmax)
	}
	if status.Elapsed <= 0 {
		t.Errorf("Expected positive elapsed time, got %v", status.Elapsed)
	}

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/geometry.xyz")
	if err != nil {
		t.Fatalf("Failed to get geometry: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	mol, err := model.ReadXYZ(resp.Body)
	if err != nil {
		t.Fatalf("Failed to parse geometry: %v", err)
	}
	if mol.NumAtoms() != 3 || !mol.Atoms[0].Frozen {
		t.Errorf("Unexpected geometry: %+v", mol)
	}

	// Finished jobs cannot be cancelled
	resp, err = http.Post(srv.URL+"/api/v1/jobs/"+job.ID+"/cancel", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409, got %d", resp.StatusCode)
	}
}

func TestServer_CancelJob(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())

	job := s.jobManager.CreateJob(JobConfig{MoleculePath: "a.xyz"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.jobManager.setCancel(job.ID, cancel)

	resp, err := http.Post(srv.URL+"/api/v1/jobs/"+job.ID+"/cancel", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", resp.StatusCode)
	}
	if ctx.Err() == nil {
		t.Error("Job context should be cancelled")
	}

	resp, err = http.Post(srv.URL+"/api/v1/jobs/nonexistent/cancel", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestServer_JobStream_FinishedJob(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())

	job := s.jobManager.CreateJob(JobConfig{MoleculePath: "a.xyz"})
	s.jobManager.UpdateJob(job.ID, func(j *Job) {
		j.State = StateCompleted
		j.Energy = -3
		j.NIter = 12
	})

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", resp.Header.Get("Content-Type"))
	}

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.String()
	if !strings.HasPrefix(body, "data: {") {
		t.Fatalf("Expected SSE data, got %q", body)
	}

	var event ProgressEvent
	payload := strings.TrimSpace(strings.TrimPrefix(body, "data: "))
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.State != StateCompleted || event.NIter != 12 || event.Energy != -3 {
		t.Errorf("Unexpected event: %+v", event)
	}
}

func TestServer_JobStream_Running(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping SSE test in short mode")
	}

	_, srv := newTestServer(t, DefaultOptions())

	body, _ := json.Marshal(testJobConfig(writeTestMolecule(t)))
	resp := postJob(t, srv, string(body))
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The stream ends once a terminal event is sent
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	events := strings.Split(strings.TrimSpace(buf.String()), "\n\n")
	last := events[len(events)-1]

	var event ProgressEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(last, "data: ")), &event); err != nil {
		t.Fatalf("Failed to decode last event %q: %v", last, err)
	}
	if event.State != StateCompleted || event.Status != "converged" {
		t.Errorf("Expected terminal completed event, got %+v", event)
	}
}

func TestServer_ListCheckpoints(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())
	resp, err := http.Get(srv.URL + "/api/v1/checkpoints")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without store, got %d", resp.StatusCode)
	}

	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mol, _ := model.ReadXYZ(strings.NewReader(testTrimer))
	cp := store.NewCheckpoint("saved", mol, -2.1, 0.3, 4, JobConfig{MoleculePath: "ar3.xyz"}.WithDefaults())
	if err := fsStore.SaveCheckpoint("saved", cp); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.Store = fsStore
	_, srv = newTestServer(t, opts)
	resp, err = http.Get(srv.URL + "/api/v1/checkpoints")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var infos []store.CheckpointInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(infos) != 1 || infos[0].JobID != "saved" || infos[0].Atoms != 3 {
		t.Errorf("Unexpected checkpoints: %+v", infos)
	}
}

func TestServer_ShutdownCancelsJobs(t *testing.T) {
	s := NewServer("localhost:0", DefaultOptions())
	job := s.jobManager.CreateJob(testJobConfig(writeTestMolecule(t)))
	s.submit(job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	updated, _ := s.jobManager.GetJob(job.ID)
	if !updated.State.Finished() {
		t.Errorf("Job should be finished after shutdown, got %s", updated.State)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")

	eb.Broadcast(ProgressEvent{
		JobID:     "job1",
		State:     StateRunning,
		NIter:     10,
		Energy:    -1.5,
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.NIter != 10 {
			t.Errorf("Expected niter 10, got %d", received.NIter)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Late subscribers get the last event
	late := eb.Subscribe("job1")
	select {
	case received := <-late:
		if received.NIter != 10 {
			t.Errorf("Expected replayed niter 10, got %d", received.NIter)
		}
	default:
		t.Error("Late subscriber should receive the last event")
	}

	eb.CleanupJob("job1")
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after cleanup")
	}
	// Unsubscribe after cleanup must not panic
	eb.Unsubscribe("job1", ch)
	eb.Unsubscribe("job1", late)
}
