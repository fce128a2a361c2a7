package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBoltLedger_SaveAndGet(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	ledger, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	defer ledger.Close()

	sub := &Submission{
		JobID:       "4321",
		ScriptPath:  "/scratch/run/job.sh",
		SubmittedAt: time.Now(),
		LastState:   "PENDING",
	}

	if err := ledger.Save(sub); err != nil {
		t.Fatalf("Failed to save submission: %v", err)
	}

	got, err := ledger.Get("4321")
	if err != nil {
		t.Fatalf("Failed to get submission: %v", err)
	}

	if got.JobID != sub.JobID {
		t.Errorf("Expected job ID %s, got %s", sub.JobID, got.JobID)
	}
	if got.LastState != "PENDING" {
		t.Errorf("Expected state PENDING, got %s", got.LastState)
	}
	if got.Terminal {
		t.Error("Expected non-terminal submission")
	}

	// Update observed state
	sub.LastState = "DONE"
	sub.Terminal = true
	sub.LastSeenAt = time.Now()
	if err := ledger.Save(sub); err != nil {
		t.Fatalf("Failed to update submission: %v", err)
	}

	got, err = ledger.Get("4321")
	if err != nil {
		t.Fatalf("Failed to get updated submission: %v", err)
	}
	if !got.Terminal || got.LastState != "DONE" {
		t.Errorf("Expected terminal DONE, got terminal=%v state=%s", got.Terminal, got.LastState)
	}

	// Non-existent job
	if _, err := ledger.Get("non-existent"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBoltLedger_ListAndDelete(t *testing.T) {
	tempDir := t.TempDir()
	ledger, err := Open(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	defer ledger.Close()

	for _, id := range []string{"1", "2", "3"} {
		if err := ledger.Save(&Submission{JobID: id, SubmittedAt: time.Now()}); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	subs, err := ledger.List()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(subs) != 3 {
		t.Errorf("Expected 3 submissions, got %d", len(subs))
	}

	if err := ledger.Delete("2"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := ledger.Get("2"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent ID is not an error
	if err := ledger.Delete("nope"); err != nil {
		t.Errorf("Expected nil deleting absent ID, got %v", err)
	}
}

func TestBoltLedger_Close(t *testing.T) {
	tempDir := t.TempDir()
	ledger, err := Open(filepath.Join(tempDir, "test_close.db"))
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}

	if err := ledger.Close(); err != nil {
		t.Errorf("Failed to close ledger: %v", err)
	}

	if _, err := ledger.Get("4321"); err == nil {
		t.Error("Expected error when accessing closed ledger, got nil")
	}
}
