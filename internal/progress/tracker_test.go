package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

func twoSteps() []models.Step {
	return []models.Step{
		{Name: "scan", Weight: 1},
		{Name: "apply", Weight: 3},
	}
}

func TestNewTracker_FirstStepActive(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)
	assert.Equal(t, models.StepActive, tr.op.Steps[0].State)
	assert.Equal(t, float64(0), tr.OverallPercent())
}

func TestUpdateStep_PartialProgressWeighted(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)

	// step 0 (weight 1 of total 4) halfway: 0.5 * 1 / 4 * 100 = 12.5
	tr.UpdateStep(0, 50, "scanning")
	assert.InDelta(t, 12.5, tr.OverallPercent(), 0.001)
}

func TestUpdateStep_CompletingAdvancesNextStep(t *testing.T) {
	var snaps []models.Snapshot
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), func(s models.Snapshot) {
		snaps = append(snaps, s)
	})

	tr.UpdateStep(0, 100, "scan done")
	// step 0 fully done (weight 1/4 = 25%), step 1 now active at 0%.
	assert.InDelta(t, 25.0, tr.OverallPercent(), 0.001)
	assert.Equal(t, "apply", snaps[len(snaps)-1].CurrentStep)

	tr.UpdateStep(1, 100, "apply done")
	assert.InDelta(t, 100.0, tr.OverallPercent(), 0.001)
}

func TestUpdateStep_ClampsPercent(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)
	tr.UpdateStep(0, 150, "over")
	assert.InDelta(t, 25.0, tr.OverallPercent(), 0.001, "150%% clamps to 100%% of the first step's weight")

	tr.UpdateStep(0, -10, "under")
	assert.InDelta(t, 0.0, tr.OverallPercent(), 0.001)
}

func TestUpdateStep_OutOfRangeIndexIsNoOp(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)
	tr.UpdateStep(0, 50, "scan")
	before := tr.OverallPercent()

	tr.UpdateStep(99, 50, "ignored")
	assert.Equal(t, before, tr.OverallPercent())
}

func TestComplete_SetsEveryStepDone(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)
	tr.UpdateStep(0, 50, "partial")

	snap := tr.Complete("done")
	assert.Equal(t, float64(100), snap.OverallPercent)
	assert.Equal(t, models.OperationCompleted, tr.op.State)
}

func TestCancel_PreservesLastProgress(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)
	tr.UpdateStep(0, 50, "partial")
	before := tr.OverallPercent()

	snap := tr.Cancel("stopped")
	assert.Equal(t, before, snap.OverallPercent, "cancel doesn't alter already-recorded step progress")
	assert.Equal(t, models.OperationCancelled, tr.op.State)
}

func TestSnapshots_BoundedRing(t *testing.T) {
	tr := NewTracker("op1", "run", "pipeline", twoSteps(), nil)
	tr.capacity = 3

	for i := 0; i < 10; i++ {
		tr.UpdateStep(0, float64(i), "tick")
	}

	snaps := tr.Snapshots()
	assert.Len(t, snaps, 3, "ring is trimmed to capacity")
}

func TestOverallPercent_ZeroWeightStepsTreatedAsEqualTotal(t *testing.T) {
	steps := []models.Step{{Name: "only"}}
	tr := NewTracker("op1", "run", "pipeline", steps, nil)
	tr.UpdateStep(0, 100, "done")
	assert.Equal(t, float64(100), tr.OverallPercent())
}
