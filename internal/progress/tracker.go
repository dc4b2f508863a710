// Package progress implements the weighted multi-step progress tracker:
// an Operation's overall percent is the sum of completed steps' weights
// plus the current step's own partial progress, scaled by its weight.
package progress

import (
	"sync"

	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

const defaultSnapshotCapacity = 100

// Callback is invoked after every snapshot recorded by an in-range
// UpdateStep, Complete or Cancel.
type Callback func(models.Snapshot)

// Tracker owns one Operation's lifecycle and snapshot history.
type Tracker struct {
	mu        sync.Mutex
	op        *models.Operation
	snapshots []models.Snapshot
	capacity  int
	callback  Callback
}

// NewTracker constructs a Tracker for an Operation with the given named,
// weighted steps. Weights need not sum to 1; OverallPercent normalizes
// against the total, and when every weight is zero the steps count equally.
func NewTracker(id, name, opType string, steps []models.Step, cb Callback) *Tracker {
	stepPtrs := make([]*models.Step, len(steps))
	for i := range steps {
		s := steps[i]
		s.State = models.StepPending
		stepPtrs[i] = &s
	}
	if len(stepPtrs) > 0 {
		stepPtrs[0].State = models.StepActive
	}

	return &Tracker{
		op: &models.Operation{
			ID:    id,
			Name:  name,
			Type:  opType,
			Steps: stepPtrs,
			State: models.OperationRunning,
		},
		capacity: defaultSnapshotCapacity,
		callback: cb,
	}
}

func totalWeight(steps []*models.Step) float64 {
	var total float64
	for _, s := range steps {
		total += s.Weight
	}
	return total
}

// UpdateStep sets the current step's progress (0..100) and, if percent
// reaches 100, advances to the next step. Calling UpdateStep on an index
// out of range changes no progress: it records a snapshot of the current
// state and does not invoke the callback.
func (t *Tracker) UpdateStep(index int, percent float64, message string) models.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.op.Steps) {
		return t.snapshotLocked(message)
	}

	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	t.op.CurrentStep = index
	step := t.op.Steps[index]
	step.ProgressPercent = percent
	step.State = models.StepActive

	if percent >= 100 {
		step.State = models.StepCompleted
		if index+1 < len(t.op.Steps) {
			t.op.Steps[index+1].State = models.StepActive
			t.op.CurrentStep = index + 1
		}
	}

	snap := t.snapshotLocked(message)
	if t.callback != nil {
		t.callback(snap)
	}
	return snap
}

// Complete marks the operation finished (all steps at 100%, state
// completed) and records a final snapshot.
func (t *Tracker) Complete(message string) models.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.op.Steps {
		s.State = models.StepCompleted
		s.ProgressPercent = 100
	}
	t.op.State = models.OperationCompleted

	snap := t.snapshotLocked(message)
	if t.callback != nil {
		t.callback(snap)
	}
	return snap
}

// Cancel marks the operation cancelled without altering step progress
// already recorded, so the last snapshot before cancellation remains
// inspectable.
func (t *Tracker) Cancel(message string) models.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.op.State = models.OperationCancelled
	snap := t.snapshotLocked(message)
	if t.callback != nil {
		t.callback(snap)
	}
	return snap
}

// Snapshots returns a copy of the bounded snapshot ring, oldest first.
func (t *Tracker) Snapshots() []models.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Snapshot, len(t.snapshots))
	copy(out, t.snapshots)
	return out
}

// OverallPercent returns the current weighted completion percentage.
func (t *Tracker) OverallPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overallPercentLocked()
}

func (t *Tracker) overallPercentLocked() float64 {
	total := totalWeight(t.op.Steps)
	uniform := total == 0
	if uniform {
		total = float64(len(t.op.Steps))
		if total == 0 {
			return 0
		}
	}
	var done float64
	for _, s := range t.op.Steps {
		w := s.Weight
		if uniform {
			w = 1
		}
		switch s.State {
		case models.StepCompleted:
			done += w
		case models.StepActive:
			done += w * (s.ProgressPercent / 100)
		}
	}
	return (done / total) * 100
}

func (t *Tracker) snapshotLocked(message string) models.Snapshot {
	current := ""
	if t.op.CurrentStep < len(t.op.Steps) {
		current = t.op.Steps[t.op.CurrentStep].Name
	}

	snap := models.Snapshot{
		OverallPercent: t.overallPercentLocked(),
		Message:        message,
		CurrentStep:    current,
	}

	t.snapshots = append(t.snapshots, snap)
	if len(t.snapshots) > t.capacity {
		t.snapshots = t.snapshots[len(t.snapshots)-t.capacity:]
	}
	return snap
}
