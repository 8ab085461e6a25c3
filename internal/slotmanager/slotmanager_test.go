package slotmanager

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireReleaseBasic(t *testing.T) {
	dir := t.TempDir()
	m, err := New(2, filepath.Join(dir, "slot-assignments.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s1, err := m.Acquire("/repos/a", "task-1")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	s2, err := m.Acquire("/repos/b", "task-2")
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("expected distinct slots, got %d and %d", s1, s2)
	}

	if _, err := m.Acquire("/repos/c", "task-3"); err == nil {
		t.Fatalf("expected all-slots-busy error")
	} else {
		var busyErr *ErrAllSlotsBusy
		if !errors.As(err, &busyErr) {
			t.Fatalf("expected ErrAllSlotsBusy, got %T: %v", err, err)
		}
		if len(busyErr.Active) != 2 {
			t.Fatalf("got %d active, want 2", len(busyErr.Active))
		}
	}

	m.Release(s1)
	s3, err := m.Acquire("/repos/c", "task-3")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if s3 != s1 {
		t.Fatalf("got slot %d, want reclaimed slot %d", s3, s1)
	}
}

func TestAffinityPrefersSameSlot(t *testing.T) {
	dir := t.TempDir()
	m, err := New(10, filepath.Join(dir, "slot-assignments.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s1, err := m.Acquire("/repos/demo", "task-1")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	m.Release(s1)

	s2, err := m.Acquire("/repos/demo", "task-2")
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if s2 != s1 {
		t.Fatalf("expected affinity to reuse slot %d, got %d", s1, s2)
	}
}

func TestAffinitySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	affinityPath := filepath.Join(dir, "slot-assignments.json")

	m1, err := New(10, affinityPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1, err := m1.Acquire("/repos/demo", "task-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m1.Release(s1)

	m2, err := New(10, affinityPath)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	s2, err := m2.Acquire("/repos/demo", "task-2")
	if err != nil {
		t.Fatalf("Acquire (restart): %v", err)
	}
	if s2 != s1 {
		t.Fatalf("affinity did not survive restart: got %d, want %d", s2, s1)
	}
}

func TestReserveBlocksAcquire(t *testing.T) {
	dir := t.TempDir()
	m, err := New(1, filepath.Join(dir, "slot-assignments.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Reserve(1, "orphaned-task")

	if _, err := m.Acquire("/repos/demo", "task-2"); err == nil {
		t.Fatalf("expected slot 1 to be unavailable after Reserve")
	}
}

func TestStatusReportsActiveAndAvailable(t *testing.T) {
	dir := t.TempDir()
	m, err := New(3, filepath.Join(dir, "slot-assignments.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Acquire("/repos/a", "task-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	st := m.Status()
	if st.Max != 3 {
		t.Fatalf("got max %d, want 3", st.Max)
	}
	if len(st.Active) != 1 || len(st.Available) != 2 {
		t.Fatalf("got active=%+v available=%+v", st.Active, st.Available)
	}
}
