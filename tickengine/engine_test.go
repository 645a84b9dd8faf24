package tickengine

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelcp/control-plane/store"
)

func newTestEngine() (*Engine, *store.MemoryStore) {
	s := store.NewMemoryStore()
	e := NewEngine(s, nil)
	return e, s
}

func seedFleet(t *testing.T, s *store.MemoryStore, n int, bundleID string) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		s.SeedNode(&store.Node{NodeID: "n" + id, Labels: map[string]string{"env": "all"}, Status: "online"})
		ids = append(ids, "n"+id)
	}
	s.SeedBundle(&store.Bundle{BundleID: bundleID, Version: "1.0.0"})
	return ids
}

func activateNode(s *store.MemoryStore, nodeID, bundleID string) {
	n, _ := s.GetNode(context.Background(), nodeID)
	n.ActiveBundleID = bundleID
	s.SeedNode(n)
	s.SeedHeartbeat(&store.Heartbeat{NodeID: nodeID, BundleID: bundleID, Status: "healthy", ErrorRate: 0, ReceivedAt: time.Now()})
}

// TestHappyPathRolling covers a rolling rollout over 4 nodes, batch_size=2,
// with a heartbeat_healthy-style gate. Every step should complete and the
// rollout should finish completed with all four nodes active.
func TestHappyPathRolling(t *testing.T) {
	e, s := newTestEngine()
	ctx := context.Background()
	nodeIDs := seedFleet(t, s, 4, "B")

	r := &store.Rollout{
		RolloutID:            "r1",
		BundleID:             "B",
		Selector:             store.Selector{Type: "all"},
		BatchSize:            2,
		HealthGate:           store.HealthGate{HeartbeatHealthy: true},
		ProgressDeadlineSecs: 60,
		Status:               store.RolloutRunning,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	steps := []*store.RolloutStep{
		{RolloutID: "r1", StepIndex: 0, NodeIDs: nodeIDs[0:2], Status: store.StepPending},
		{RolloutID: "r1", StepIndex: 1, NodeIDs: nodeIDs[2:4], Status: store.StepPending},
	}
	if err := s.CreateRollout(ctx, r, steps); err != nil {
		t.Fatalf("create rollout: %v", err)
	}

	// Tick 1: starts step 0.
	if err := e.Tick(ctx, "r1"); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	st0, _ := s.GetStep(ctx, "r1", 0)
	if st0.Status != store.StepRunning {
		t.Fatalf("expected step 0 running, got %s", st0.Status)
	}

	// Nodes report active.
	activateNode(s, nodeIDs[0], "B")
	activateNode(s, nodeIDs[1], "B")

	// Tick 2: running -> verifying.
	if err := e.Tick(ctx, "r1"); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	st0, _ = s.GetStep(ctx, "r1", 0)
	if st0.Status != store.StepVerifying {
		t.Fatalf("expected step 0 verifying, got %s", st0.Status)
	}

	// Tick 3: verifying -> completed (gates pass), rollout advances to step 1.
	if err := e.Tick(ctx, "r1"); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	st0, _ = s.GetStep(ctx, "r1", 0)
	if st0.Status != store.StepCompleted {
		t.Fatalf("expected step 0 completed, got %s", st0.Status)
	}
	r1, _ := s.GetRollout(ctx, "r1")
	if r1.CurrentStepIndex != 1 {
		t.Fatalf("expected current_step_index=1, got %d", r1.CurrentStepIndex)
	}

	// Tick 4: starts step 1.
	if err := e.Tick(ctx, "r1"); err != nil {
		t.Fatalf("tick 4: %v", err)
	}
	activateNode(s, nodeIDs[2], "B")
	activateNode(s, nodeIDs[3], "B")

	// Tick 5: running -> verifying.
	if err := e.Tick(ctx, "r1"); err != nil {
		t.Fatalf("tick 5: %v", err)
	}
	// Tick 6: verifying -> completed, all steps done -> rollout completed.
	if err := e.Tick(ctx, "r1"); err != nil {
		t.Fatalf("tick 6: %v", err)
	}

	r1, _ = s.GetRollout(ctx, "r1")
	if r1.Status != store.RolloutCompleted {
		t.Fatalf("expected rollout completed, got %s", r1.Status)
	}
	for _, id := range nodeIDs {
		nbs, _ := s.GetNodeBundleStatus(ctx, id)
		if nbs == nil || nbs.State != "active" {
			t.Fatalf("expected node %s bundle status active, got %+v", id, nbs)
		}
		n, _ := s.GetNode(ctx, id)
		if n.ExpectedBundleID != "B" {
			t.Fatalf("expected node %s expected_bundle_id=B, got %s", id, n.ExpectedBundleID)
		}
	}
}

// TestDeadlineExceeded covers one node that never reports the new bundle,
// so the step should fail once its progress deadline elapses.
func TestDeadlineExceeded(t *testing.T) {
	e, s := newTestEngine()
	ctx := context.Background()
	nodeIDs := seedFleet(t, s, 2, "B")

	r := &store.Rollout{
		RolloutID:            "r2",
		BundleID:             "B",
		Selector:             store.Selector{Type: "all"},
		BatchSize:            2,
		HealthGate:           store.HealthGate{HeartbeatHealthy: true},
		ProgressDeadlineSecs: 1,
		Status:               store.RolloutRunning,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	steps := []*store.RolloutStep{
		{RolloutID: "r2", StepIndex: 0, NodeIDs: nodeIDs, Status: store.StepPending},
	}
	if err := s.CreateRollout(ctx, r, steps); err != nil {
		t.Fatalf("create rollout: %v", err)
	}

	if err := e.Tick(ctx, "r2"); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	// Only one of two nodes ever reports active.
	activateNode(s, nodeIDs[0], "B")

	time.Sleep(1200 * time.Millisecond)

	if err := e.Tick(ctx, "r2"); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	r2, _ := s.GetRollout(ctx, "r2")
	if r2.Status != store.RolloutFailed {
		t.Fatalf("expected rollout failed after deadline, got %s", r2.Status)
	}
	if r2.LastError != "step_deadline_exceeded" {
		t.Fatalf("expected last_error=step_deadline_exceeded, got %s", r2.LastError)
	}
}
