package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gosh-rs/gosh-optim/internal/model"
	"github.com/gosh-rs/gosh-optim/internal/store"
	"github.com/spf13/cobra"
)

// useDataDir points --data-dir at dir for the duration of the test.
func useDataDir(t *testing.T, dir string) {
	t.Helper()
	original := dataDir
	dataDir = dir
	t.Cleanup(func() { dataDir = original })
}

// testCommand returns a command with captured output and the given input.
func testCommand(input string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(input))
	return cmd, &out
}

func saveTestCheckpoint(t *testing.T, s *store.FSStore, jobID string, age time.Duration) {
	t.Helper()
	mol := &model.Molecule{
		Atoms: []model.Atom{
			{Symbol: "Ar", Frozen: true},
			{Symbol: "Ar", Position: [3]float64{1.1, 0, 0}},
		},
	}
	config := store.JobConfig{MoleculePath: "ar2.xyz"}.WithDefaults()
	checkpoint := store.NewCheckpoint(jobID, mol, -0.9, 0.3, 12, config)
	checkpoint.Timestamp = time.Now().Add(-age)
	if err := s.SaveCheckpoint(jobID, checkpoint); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
}

func TestSelectCheckpointsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 0, 7)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	ids := map[string]bool{}
	for _, info := range toDelete {
		ids[info.JobID] = true
	}
	if !ids["job1"] || !ids["job4"] {
		t.Errorf("Expected job1 and job4 to be selected, got %v", ids)
	}
}

func TestSelectCheckpointsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectCheckpointsForDeletion(infos, 2, 0)

	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 checkpoints to delete, got %d", len(toDelete))
	}
	// Oldest first
	if toDelete[0].JobID != "job4" || toDelete[1].JobID != "job1" {
		t.Errorf("Expected job4 and job1, got %s and %s", toDelete[0].JobID, toDelete[1].JobID)
	}
}

func TestSelectCheckpointsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: now.AddDate(0, 0, -10)},
		{JobID: "job2", Timestamp: now.AddDate(0, 0, -5)},
		{JobID: "job3", Timestamp: now.AddDate(0, 0, -1)},
		{JobID: "job4", Timestamp: now.AddDate(0, 0, -30)},
		{JobID: "job5", Timestamp: now.AddDate(0, 0, -2)},
	}

	// Age selects job1 and job4; keeping 2 also selects job2 but never twice
	toDelete := selectCheckpointsForDeletion(infos, 2, 7)

	if len(toDelete) != 3 {
		t.Fatalf("Expected 3 checkpoints to delete, got %d", len(toDelete))
	}
	seen := map[string]int{}
	for _, info := range toDelete {
		seen[info.JobID]++
	}
	for _, id := range []string{"job1", "job2", "job4"} {
		if seen[id] != 1 {
			t.Errorf("Expected %s selected once, got %d", id, seen[id])
		}
	}
}

func TestSelectCheckpointsForDeletion_NothingToDelete(t *testing.T) {
	infos := []store.CheckpointInfo{
		{JobID: "job1", Timestamp: time.Now()},
	}
	if got := selectCheckpointsForDeletion(infos, 5, 7); len(got) != 0 {
		t.Errorf("Expected nothing to delete, got %d", len(got))
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()

	content := []byte("Hello, World!")
	if err := os.WriteFile(filepath.Join(tmpDir, "test.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	nested := filepath.Join(tmpDir, "nested")
	if err := os.Mkdir(nested, 0755); err != nil {
		t.Fatalf("Failed to create nested dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "more.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to create nested file: %v", err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}
	if size != int64(2*len(content)) {
		t.Errorf("Expected size %d, got %d", 2*len(content), size)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func TestDisplayID(t *testing.T) {
	if got := displayID("short"); got != "short" {
		t.Errorf("displayID(short) = %q", got)
	}
	if got := displayID("0123456789abcdef"); got != "0123456789ab..." {
		t.Errorf("displayID(long) = %q", got)
	}
}

func TestCheckpointsListCommand_NoCheckpoints(t *testing.T) {
	useDataDir(t, t.TempDir())
	cmd, out := testCommand("")

	if err := runListCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No checkpoints found.") {
		t.Errorf("Unexpected output: %q", out.String())
	}
}

func TestCheckpointsListCommand_WithCheckpoints(t *testing.T) {
	tmpDir := t.TempDir()
	useDataDir(t, tmpDir)

	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, checkpointStore, "old-job", 48*time.Hour)
	saveTestCheckpoint(t, checkpointStore, "new-job", time.Hour)

	cmd, out := testCommand("")
	if err := runListCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	text := out.String()
	newIdx := strings.Index(text, "new-job")
	oldIdx := strings.Index(text, "old-job")
	if newIdx < 0 || oldIdx < 0 {
		t.Fatalf("Expected both jobs listed, got:\n%s", text)
	}
	if newIdx > oldIdx {
		t.Errorf("Expected newest checkpoint first, got:\n%s", text)
	}
	if !strings.Contains(text, "Total checkpoints: 2") {
		t.Errorf("Expected total line, got:\n%s", text)
	}
}

func TestCheckpointsCleanCommand_NoFlags(t *testing.T) {
	useDataDir(t, t.TempDir())
	keepLast, olderThanDays = 0, 0

	cmd, _ := testCommand("")
	if err := runCleanCheckpoints(cmd, nil); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestCheckpointsCleanCommand_WithForce(t *testing.T) {
	tmpDir := t.TempDir()
	useDataDir(t, tmpDir)

	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, checkpointStore, "old-job", 30*24*time.Hour)
	saveTestCheckpoint(t, checkpointStore, "new-job", time.Hour)

	keepLast, olderThanDays, forceClean = 0, 7, true
	t.Cleanup(func() { keepLast, olderThanDays, forceClean = 0, 0, false })

	cmd, out := testCommand("")
	if err := runCleanCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Deleted 1 checkpoint(s), 0 failed.") {
		t.Errorf("Unexpected output: %q", out.String())
	}

	if _, err := checkpointStore.LoadCheckpoint("old-job"); err == nil {
		t.Error("Expected old checkpoint to be deleted")
	}
	if _, err := checkpointStore.LoadCheckpoint("new-job"); err != nil {
		t.Errorf("Expected new checkpoint to survive: %v", err)
	}
}

func TestCheckpointsCleanCommand_Aborted(t *testing.T) {
	tmpDir := t.TempDir()
	useDataDir(t, tmpDir)

	checkpointStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saveTestCheckpoint(t, checkpointStore, "old-job", 30*24*time.Hour)

	keepLast, olderThanDays, forceClean = 0, 7, false
	t.Cleanup(func() { keepLast, olderThanDays = 0, 0 })

	cmd, out := testCommand("n\n")
	if err := runCleanCheckpoints(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("Expected abort, got %q", out.String())
	}
	if _, err := checkpointStore.LoadCheckpoint("old-job"); err != nil {
		t.Errorf("Checkpoint should survive an aborted clean: %v", err)
	}
}
