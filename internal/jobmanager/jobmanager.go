// Package jobmanager enforces the at-most-one-active-job invariant
// (spec.md §4.7). Grounded on the teacher's internal/jobs/worker.go
// currentJob/jobCancel/jobDone single-slot pattern, generalized into a
// reusable begin/finish pair with a scoped guard so the slot is always
// cleared, on every exit path, without each caller having to remember to.
package jobmanager

import (
	"fmt"
	"sync"

	"github.com/gwlsn/mediasidecar/internal/sidecarerr"
)

// ActiveJob is a snapshot of the current job slot.
type ActiveJob struct {
	ID   uint64
	Kind string
}

// Manager holds the single active-job slot and the monotonic id counter.
type Manager struct {
	mu      sync.Mutex
	counter uint64
	active  *ActiveJob
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

// Guard releases the job it was issued for exactly once; Release is safe to
// call multiple times and from a defer on every exit path (success, error,
// or panic).
type Guard struct {
	m  *Manager
	id uint64
}

// Release clears the job slot if it still holds this guard's id.
func (g *Guard) Release() {
	g.m.finish(g.id)
}

// Begin starts a job of the given kind, failing if one is already active.
// The returned Guard must be released (typically via defer) on every exit
// path to restore the "no active job" invariant.
func (m *Manager) Begin(kind string) (ActiveJob, *Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return ActiveJob{}, nil, fmt.Errorf("%w (id=%d, kind=%s)", sidecarerr.ErrJobConflict, m.active.ID, m.active.Kind)
	}

	m.counter++
	job := ActiveJob{ID: m.counter, Kind: kind}
	m.active = &job
	return job, &Guard{m: m, id: job.ID}, nil
}

func (m *Manager) finish(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.ID == id {
		m.active = nil
	}
}

// Current returns a snapshot of the active job slot, and whether one exists.
func (m *Manager) Current() (ActiveJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ActiveJob{}, false
	}
	return *m.active, true
}
