package batchplanner

import (
	"testing"
	"time"

	"github.com/sentinelcp/control-plane/store"
)

func TestPlanFixedBatchSize(t *testing.T) {
	nodeIDs := []string{"n1", "n2", "n3", "n4", "n5"}
	steps, err := Plan("r1", nodeIDs, store.StrategyRolling, 2, 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps (2,2,1), got %d", len(steps))
	}
	if len(steps[0].NodeIDs) != 2 || len(steps[2].NodeIDs) != 1 {
		t.Fatalf("unexpected batch sizes: %v %v %v", steps[0].NodeIDs, steps[1].NodeIDs, steps[2].NodeIDs)
	}
	for i, s := range steps {
		if s.StepIndex != i {
			t.Fatalf("step %d has wrong index %d", i, s.StepIndex)
		}
		if s.Status != store.StepPending {
			t.Fatalf("step %d not pending: %s", i, s.Status)
		}
	}
}

func TestPlanByPercentage(t *testing.T) {
	nodeIDs := []string{"n1", "n2", "n3", "n4"}
	steps, err := Plan("r1", nodeIDs, store.StrategyRolling, 0, 50)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps at 50%%, got %d", len(steps))
	}
}

// TestPlanByPercentageRoundsUp covers the ceil(|nodes| * pct / 100) math: 3
// nodes at 50% rounds up to a batch of 2, not a truncated batch of 1.
func TestPlanByPercentageRoundsUp(t *testing.T) {
	nodeIDs := []string{"n1", "n2", "n3"}
	steps, err := Plan("r1", nodeIDs, store.StrategyRolling, 0, 50)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps[0].NodeIDs) != 2 {
		t.Fatalf("expected first batch of 2 (ceil(3*0.5)), got %d", len(steps[0].NodeIDs))
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps (2,1), got %d", len(steps))
	}
}

func TestPlanAllAtOnceIgnoresBatchConfig(t *testing.T) {
	nodeIDs := []string{"n1", "n2", "n3", "n4"}
	steps, err := Plan("r1", nodeIDs, store.StrategyAllAtOnce, 1, 10)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 1 || len(steps[0].NodeIDs) != 4 {
		t.Fatalf("expected a single batch of all 4 nodes, got %v", steps)
	}
}

func TestPlanRejectsEmptyTargetSet(t *testing.T) {
	if _, err := Plan("r1", nil, store.StrategyRolling, 1, 0); err == nil {
		t.Fatal("expected error for empty target set")
	}
}

func TestPlanRejectsMissingBatchConfig(t *testing.T) {
	if _, err := Plan("r1", []string{"n1"}, store.StrategyRolling, 0, 0); err == nil {
		t.Fatal("expected error when neither batch_size nor batch_percentage is set")
	}
}

func TestDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := Deadline(60, now)
	if !d.Equal(now.Add(60 * time.Second)) {
		t.Fatalf("got %v", d)
	}
}
