// Package task implements the Task Record: a thread-safe, atomically
// persisted state machine for one dispatched VM task. Every transition
// validates against the allowed-edges table and rewrites task.json by
// temp-write-then-rename before returning.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvorch/microvm-orchestrator/internal/atomicfile"
)

// Status is one of the four lowercase lifecycle tokens in the wire
// protocol.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CurrentRecordVersion is the schema version stamped on task.json.
const CurrentRecordVersion = 1

// allowedTransitions encodes the state table: pending -> running ->
// {completed, failed}, plus the pre-start escape hatch pending -> failed.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusFailed: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true},
}

// Record is the JSON-persisted shape of a task.
type Record struct {
	Version     int        `json:"version"`
	ID          string     `json:"id"`
	Description string     `json:"-"` // stored verbatim in task.md, not task.json
	Status      Status     `json:"status"`
	Slot        int        `json:"slot"`
	RepoAlias   string     `json:"repo_alias"`
	RepoPath    string     `json:"repo_path"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PID         *int       `json:"pid,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartRef    string     `json:"start_ref,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	FailReason  string     `json:"fail_reason,omitempty"`
}

// Task wraps a Record with the lock that serializes its transitions and
// persistence.
type Task struct {
	mu      sync.Mutex
	record  Record
	taskDir string
}

// NewID returns a lowercase-hex 128-bit task identifier: a random (v4)
// UUID with its dashes stripped.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating task id: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// ShortID returns the first 8 characters of a full task id, for display
// only; it is never used as a storage key.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// New creates a Task in the pending state rooted at taskDir
// (<repo_path>/.microvm/tasks/<id>).
func New(id, repoAlias, repoPath, taskDir string) *Task {
	return &Task{
		record: Record{
			Version:   CurrentRecordVersion,
			ID:        id,
			Status:    StatusPending,
			RepoAlias: repoAlias,
			RepoPath:  repoPath,
			CreatedAt: time.Now().UTC(),
		},
		taskDir: taskDir,
	}
}

// Load reconstructs a Task by reading task.json from dir.
func Load(dir string) (*Task, error) {
	data, err := os.ReadFile(filepath.Join(dir, "task.json"))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing task.json in %s: %w", dir, err)
	}
	return &Task{record: rec, taskDir: dir}, nil
}

func (t *Task) path() string {
	return filepath.Join(t.taskDir, "task.json")
}

// Snapshot returns a copy of the current record, safe to read without
// holding the task's lock further.
func (t *Task) Snapshot() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// ID returns the task's identifier without requiring the caller to copy
// the whole record.
func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.ID
}

// Dir returns the task's root directory.
func (t *Task) Dir() string {
	return t.taskDir
}

// persistLocked writes task.json; caller must hold t.mu.
func (t *Task) persistLocked() error {
	return atomicfile.EnsureDirAndWriteJSON(t.path(), t.record)
}

// SetStartRef records start_ref and branch before the VM starts, per the
// B invariant that start_ref is set before boot.
func (t *Task) SetStartRef(startRef, branch string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.StartRef = startRef
	t.record.Branch = branch
	return t.persistLocked()
}

// SetSlot records the assigned slot; slot is non-null in all states.
func (t *Task) SetSlot(slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.Slot = slot
	return t.persistLocked()
}

// SetPID records the spawned VM runner's OS process id.
func (t *Task) SetPID(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.PID = &pid
	return t.persistLocked()
}

// ErrInvalidTransition is returned when a transition violates the state
// table.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

// transitionLocked validates and applies a status change; caller must
// hold t.mu.
func (t *Task) transitionLocked(to Status) error {
	from := t.record.Status
	if !allowedTransitions[from][to] {
		return &ErrInvalidTransition{From: from, To: to}
	}
	t.record.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusRunning:
		t.record.StartedAt = &now
	case StatusCompleted, StatusFailed:
		t.record.CompletedAt = &now
	}
	return t.persistLocked()
}

// MarkRunning transitions pending -> running.
func (t *Task) MarkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusRunning)
}

// MarkCompleted transitions running -> completed and records the exit
// code.
func (t *Task) MarkCompleted(exitCode int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.ExitCode = &exitCode
	return t.transitionLocked(StatusCompleted)
}

// MarkFailed transitions {pending, running} -> failed, recording a
// human-readable reason (e.g. "orphaned", a build error, a merge error).
func (t *Task) MarkFailed(reason string, exitCode *int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.FailReason = reason
	t.record.ExitCode = exitCode
	return t.transitionLocked(StatusFailed)
}

// IsTerminal reports whether the task has reached completed or failed.
func (t *Task) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.Status == StatusCompleted || t.record.Status == StatusFailed
}

// Status returns the current status without a full snapshot copy.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.Status
}
