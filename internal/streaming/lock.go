package streaming

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// LockTable tracks which resources have a live generation run.
// At most one lock exists per resource id.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]models.GenerationLock
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]models.GenerationLock)}
}

// TryAcquire takes the lock for resourceID on behalf of runID. If the lock
// is already held it returns the current holder and false.
func (t *LockTable) TryAcquire(resourceID, runID string) (models.GenerationLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[resourceID]; ok {
		return held, false
	}
	lock := models.GenerationLock{
		ResourceID: resourceID,
		RunID:      runID,
		AcquiredAt: time.Now().UTC(),
	}
	t.locks[resourceID] = lock
	return lock, true
}

// Release drops the lock if it is still held by runID.
func (t *LockTable) Release(resourceID, runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.locks[resourceID]
	if !ok || held.RunID != runID {
		return false
	}
	delete(t.locks, resourceID)
	return true
}

// Held returns the live lock for resourceID, if any.
func (t *LockTable) Held(resourceID string) (models.GenerationLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[resourceID]
	return lock, ok
}

// List returns all live locks ordered by resource id.
func (t *LockTable) List() []models.GenerationLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.GenerationLock, 0, len(t.locks))
	for _, l := range t.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Len returns the number of live locks.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
