package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/server"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	follow    bool
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job; with --follow,
prints progress events until the job finishes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress until the job finishes")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the status endpoint response
type jobStatus struct {
	server.Job
	Elapsed        float64 `json:"elapsed"`
	CallsPerSecond float64 `json:"callsPerSecond"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listJobs(out, fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}

	jobID := args[0]
	if follow {
		return followJob(out, fmt.Sprintf("%s/api/v1/jobs/%s/stream", serverURL, jobID), jobID)
	}
	return getJobStatus(out, fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func getJSON(url, jobID string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && jobID != "" {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func listJobs(out io.Writer, url string) error {
	var jobs []server.Job
	if err := getJSON(url, "", &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "Job ID: %s\n", job.ID)
		fmt.Fprintf(out, "  State: %s\n", job.State)
		fmt.Fprintf(out, "  Molecule: %s\n", job.Config.MoleculePath)
		fmt.Fprintf(out, "  Algorithm: %s\n", job.Config.Algorithm)
		if job.NIter > 0 {
			fmt.Fprintf(out, "  Step %d: energy %.8f, fmax %.4g\n", job.NIter, job.Energy, job.Fmax)
		}
		fmt.Fprintln(out)
	}

	return nil
}

func getJobStatus(out io.Writer, url, jobID string) error {
	var status jobStatus
	if err := getJSON(url, jobID, &status); err != nil {
		return err
	}

	fmt.Fprintf(out, "Job: %s\n", status.ID)
	fmt.Fprintf(out, "State: %s\n", status.State)
	if status.Status != "" {
		fmt.Fprintf(out, "Result: %s\n", status.Status)
	}
	fmt.Fprintln(out)

	config := status.Config
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Molecule: %s\n", config.MoleculePath)
	fmt.Fprintf(out, "  Algorithm: %s\n", config.Algorithm)
	fmt.Fprintf(out, "  Max steps: %d\n", config.NMax)
	fmt.Fprintf(out, "  Fmax threshold: %g\n", config.Fmax)
	fmt.Fprintf(out, "  Lennard-Jones: epsilon %g, sigma %g\n", config.LJEpsilon, config.LJSigma)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Progress:")
	fmt.Fprintf(out, "  Steps: %d\n", status.NIter)
	fmt.Fprintf(out, "  Evaluations: %d\n", status.NCalls)
	if status.NIter > 0 {
		fmt.Fprintf(out, "  Energy: %.8f\n", status.Energy)
		fmt.Fprintf(out, "  Fmax: %.4g\n", status.Fmax)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(out, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.CallsPerSecond > 0 {
		fmt.Fprintf(out, "  Throughput: %.0f evaluations/sec\n", status.CallsPerSecond)
	}

	if status.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", status.Error)
	}

	return nil
}

// followJob prints SSE progress events until a terminal state arrives.
func followJob(out io.Writer, url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var event server.ProgressEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		fmt.Fprintf(out, "%s  %-9s step %4d  energy %.8f  fmax %.4g\n",
			event.Timestamp.Format("15:04:05"), event.State, event.NIter, event.Energy, event.Fmax)

		switch event.State {
		case server.StateCompleted:
			fmt.Fprintf(out, "Job %s finished: %s\n", jobID, event.Status)
			return nil
		case server.StateFailed:
			return fmt.Errorf("job %s failed", jobID)
		case server.StateCancelled:
			return fmt.Errorf("job %s was cancelled", jobID)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return fmt.Errorf("stream closed before job %s finished", jobID)
}
