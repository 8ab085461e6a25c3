// Package slotmanager implements the Slot Manager: a bounded integer
// pool (default 1..10) shared across repositories, with a persisted
// affinity map from canonical-repo-path hash to last-used slot so
// repeat tasks against the same repo tend to land on the same slot and
// reuse its Nix store / container cache.
package slotmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mvorch/microvm-orchestrator/internal/atomicfile"
)

// ErrAllSlotsBusy is returned by Acquire when no slot is free.
type ErrAllSlotsBusy struct {
	Active []Assignment
}

func (e *ErrAllSlotsBusy) Error() string {
	return fmt.Sprintf("all %d slots busy", len(e.Active))
}

// Assignment pairs an active slot with the task occupying it.
type Assignment struct {
	Slot   int    `json:"slot"`
	TaskID string `json:"task_id"`
}

// Status is the observability snapshot returned by Manager.Status.
type Status struct {
	Max       int          `json:"max"`
	Active    []Assignment `json:"active"`
	Available []int        `json:"available"`
}

// Manager is the bounded slot pool. It guards its active-assignment map
// and the persisted affinity map with a single mutex, per the lock-
// ordering rule Registry -> SlotManager -> Task.lock -> EventBus.
type Manager struct {
	max          int
	affinityPath string

	mu       sync.Mutex
	active   map[int]string // slot -> task id
	affinity map[string]int // canonical-path hash -> preferred slot
}

// New constructs a slot manager with a cap of max and affinity persisted
// at affinityPath. The affinity file is loaded eagerly since restart
// recovery (rebuilding the active set) happens right after construction.
func New(max int, affinityPath string) (*Manager, error) {
	m := &Manager{
		max:          max,
		affinityPath: affinityPath,
		active:       map[int]string{},
		affinity:     map[string]int{},
	}
	if err := m.loadAffinity(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadAffinity() error {
	data, err := os.ReadFile(m.affinityPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &m.affinity)
}

func (m *Manager) persistAffinityLocked() error {
	return atomicfile.EnsureDirAndWriteJSON(m.affinityPath, m.affinity)
}

// HashPath returns the affinity key for a canonical repo path.
func HashPath(canonicalPath string) string {
	sum := sha256.Sum256([]byte(canonicalPath))
	return hex.EncodeToString(sum[:])
}

// Acquire assigns a slot to taskID for canonicalRepoPath: the affinity
// slot if free, else the lowest-numbered free slot. Updates affinity on
// a non-affinity assignment.
func (m *Manager) Acquire(canonicalRepoPath, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := HashPath(canonicalRepoPath)

	if preferred, ok := m.affinity[h]; ok {
		if _, busy := m.active[preferred]; !busy && preferred >= 1 && preferred <= m.max {
			m.active[preferred] = taskID
			return preferred, nil
		}
	}

	for s := 1; s <= m.max; s++ {
		if _, busy := m.active[s]; busy {
			continue
		}
		m.active[s] = taskID
		m.affinity[h] = s
		if err := m.persistAffinityLocked(); err != nil {
			delete(m.active, s)
			return 0, err
		}
		return s, nil
	}

	return 0, &ErrAllSlotsBusy{Active: m.activeAssignmentsLocked()}
}

// Release frees slot. It never modifies affinity, so the next task for
// the same repo can still prefer it.
func (m *Manager) Release(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, slot)
}

// Reserve marks slot as occupied by taskID without consulting affinity,
// used by restart recovery to rebuild the active set from on-disk task
// directories before any new Acquire call.
func (m *Manager) Reserve(slot int, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[slot] = taskID
}

func (m *Manager) activeAssignmentsLocked() []Assignment {
	out := make([]Assignment, 0, len(m.active))
	for s := 1; s <= m.max; s++ {
		if id, ok := m.active[s]; ok {
			out = append(out, Assignment{Slot: s, TaskID: id})
		}
	}
	return out
}

// Status reports the current pool state for list_slots.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Max: m.max, Active: m.activeAssignmentsLocked()}
	for s := 1; s <= m.max; s++ {
		if _, busy := m.active[s]; !busy {
			st.Available = append(st.Available, s)
		}
	}
	return st
}

// Max returns the configured slot cap.
func (m *Manager) Max() int {
	return m.max
}
