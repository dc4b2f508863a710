// Package jobs implements the Async Job Manager: submit a long-running
// pipeline run, track it under an opaque id, and expose
// status/result/cancel/list-active, with bounded retention of finished
// jobs so memory doesn't grow unbounded across a long-lived server.
package jobs

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

const defaultMaxTerminalJobs = 500

// RunFunc is the unit of work a submitted job executes. It must observe
// ctx cancellation and return promptly once cancelled.
type RunFunc func(ctx context.Context) (*models.RunSummary, error)

// Manager tracks Job lifecycles, one goroutine per running job.
type Manager struct {
	mu             sync.RWMutex
	jobs           map[string]*jobEntry
	terminalOrder  *list.List // FIFO of terminal job ids, oldest first
	terminalByID   map[string]*list.Element
	maxTerminal    int
	log            *zap.Logger
	metrics        *managerMetrics
}

type jobEntry struct {
	job    models.Job
	cancel context.CancelFunc
}

// New constructs a Manager.
func New(log *zap.Logger) *Manager {
	return &Manager{
		jobs:          map[string]*jobEntry{},
		terminalOrder: list.New(),
		terminalByID:  map[string]*list.Element{},
		maxTerminal:   defaultMaxTerminalJobs,
		log:           log,
		metrics:       newManagerMetrics(),
	}
}

// Submit starts fn in its own goroutine under a cancellable context
// derived from ctx, and returns the new job's id immediately.
func (m *Manager) Submit(ctx context.Context, name string, fn RunFunc) string {
	id := models.NewJobID()
	runCtx, cancel := context.WithCancel(ctx)

	entry := &jobEntry{
		job: models.Job{
			ID:        id,
			Name:      name,
			State:     models.JobPending,
			StartTime: time.Now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.jobs[id] = entry
	m.mu.Unlock()

	m.metrics.submitted.Inc()

	go m.run(runCtx, id, fn)

	return id
}

func (m *Manager) run(ctx context.Context, id string, fn RunFunc) {
	m.setState(id, models.JobRunning, "", 0)

	summary, err := fn(ctx)

	switch {
	case err != nil && (errkind.Classify(err) == errkind.Cancelled || errors.Is(err, context.Canceled)):
		m.finish(id, models.JobCancelled, summary, "cancelled")
	case err != nil:
		m.finish(id, models.JobFailed, summary, err.Error())
	default:
		m.finish(id, models.JobCompleted, summary, "")
	}
}

func (m *Manager) setState(id string, state models.JobState, message string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.jobs[id]
	if !ok {
		return
	}
	entry.job.State = state
	entry.job.Message = message
	entry.job.ProgressPercent = percent
}

func (m *Manager) finish(id string, state models.JobState, summary *models.RunSummary, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[id]
	if !ok {
		return
	}
	entry.job.State = state
	entry.job.EndTime = time.Now()
	entry.job.Result = summary
	entry.job.Error = errMsg
	entry.job.ProgressPercent = 100

	m.metrics.finished.WithLabelValues(string(state)).Inc()

	el := m.terminalOrder.PushBack(id)
	m.terminalByID[id] = el
	m.evictOldestLocked()
}

// evictOldestLocked drops the oldest terminal jobs once the retention
// bound is exceeded. Callers must hold m.mu.
func (m *Manager) evictOldestLocked() {
	for m.terminalOrder.Len() > m.maxTerminal {
		front := m.terminalOrder.Front()
		if front == nil {
			return
		}
		id := front.Value.(string)
		m.terminalOrder.Remove(front)
		delete(m.terminalByID, id)
		delete(m.jobs, id)
	}
}

// Status returns a copy of the job's current state.
func (m *Manager) Status(id string) (models.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return entry.job, true
}

// Result returns the job's result. ok is false if the job is unknown,
// not yet terminal, or ended in a state other than completed: a failed
// or cancelled job has no result to return, only an error/cancellation
// to report through Status.
func (m *Manager) Result(id string) (models.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	if !ok || entry.job.State != models.JobCompleted {
		return models.Job{}, false
	}
	return entry.job, true
}

// Cancel requests cooperative cancellation of a running job. Cancelling an
// already-terminal or unknown job is a no-op, matching the idempotent-
// cancel convention used elsewhere in this module.
func (m *Manager) Cancel(id string) {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok || entry.job.State.Terminal() {
		return
	}
	entry.cancel()
}

// ListActive returns every job not yet in a terminal state.
func (m *Manager) ListActive() []models.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Job
	for _, entry := range m.jobs {
		if !entry.job.State.Terminal() {
			out = append(out, entry.job)
		}
	}
	return out
}
