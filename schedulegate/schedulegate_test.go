package schedulegate

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelcp/control-plane/store"
)

type fakeReleaser struct {
	released []string
}

func (f *fakeReleaser) Release(ctx context.Context, r *store.Rollout) error {
	f.released = append(f.released, r.RolloutID)
	return nil
}

func TestSweepReleasesDueScheduledRollout(t *testing.T) {
	s := store.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	r := &store.Rollout{
		RolloutID:     "r1",
		BundleID:      "b1",
		Selector:      store.Selector{Type: "all"},
		BatchSize:     1,
		Status:        store.RolloutPending,
		ApprovalState: store.ApprovalNotRequired,
		ScheduledAt:   &past,
	}
	step := &store.RolloutStep{RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1"}, Status: store.StepPending, Version: 1}
	if err := s.CreateRollout(context.Background(), r, []*store.RolloutStep{step}); err != nil {
		t.Fatalf("create rollout: %v", err)
	}

	rel := &fakeReleaser{}
	g := New(s, rel, nil, time.Hour)
	g.sweep(context.Background())

	if len(rel.released) != 1 || rel.released[0] != "r1" {
		t.Fatalf("expected r1 released, got %v", rel.released)
	}
}

func TestSweepSkipsRolloutAwaitingApproval(t *testing.T) {
	s := store.NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	r := &store.Rollout{
		RolloutID:        "r1",
		BundleID:         "b1",
		Selector:         store.Selector{Type: "all"},
		BatchSize:        1,
		Status:           store.RolloutPending,
		RequiresApproval: true,
		ApprovalsNeeded:  1,
		ApprovalState:    store.ApprovalPending,
		ScheduledAt:      &past,
	}
	step := &store.RolloutStep{RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1"}, Status: store.StepPending, Version: 1}
	if err := s.CreateRollout(context.Background(), r, []*store.RolloutStep{step}); err != nil {
		t.Fatalf("create rollout: %v", err)
	}

	rel := &fakeReleaser{}
	g := New(s, rel, nil, time.Hour)
	g.sweep(context.Background())

	if len(rel.released) != 0 {
		t.Fatalf("expected no release while awaiting approval, got %v", rel.released)
	}
}

func TestSweepSkipsRolloutWithoutScheduledAt(t *testing.T) {
	s := store.NewMemoryStore()
	r := &store.Rollout{
		RolloutID:     "r1",
		BundleID:      "b1",
		Selector:      store.Selector{Type: "all"},
		BatchSize:     1,
		Status:        store.RolloutPending,
		ApprovalState: store.ApprovalNotRequired,
	}
	step := &store.RolloutStep{RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1"}, Status: store.StepPending, Version: 1}
	if err := s.CreateRollout(context.Background(), r, []*store.RolloutStep{step}); err != nil {
		t.Fatalf("create rollout: %v", err)
	}

	rel := &fakeReleaser{}
	g := New(s, rel, nil, time.Hour)
	g.sweep(context.Background())

	if len(rel.released) != 0 {
		t.Fatalf("unscheduled rollouts are released directly at creation, not by the sweep: %v", rel.released)
	}
}

func TestSweepSkipsRolloutScheduledInFuture(t *testing.T) {
	s := store.NewMemoryStore()
	future := time.Now().Add(time.Hour)
	r := &store.Rollout{
		RolloutID:     "r1",
		BundleID:      "b1",
		Selector:      store.Selector{Type: "all"},
		BatchSize:     1,
		Status:        store.RolloutPending,
		ApprovalState: store.ApprovalNotRequired,
		ScheduledAt:   &future,
	}
	step := &store.RolloutStep{RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1"}, Status: store.StepPending, Version: 1}
	if err := s.CreateRollout(context.Background(), r, []*store.RolloutStep{step}); err != nil {
		t.Fatalf("create rollout: %v", err)
	}

	rel := &fakeReleaser{}
	g := New(s, rel, nil, time.Hour)
	g.sweep(context.Background())

	if len(rel.released) != 0 {
		t.Fatalf("expected no release before scheduled_at, got %v", rel.released)
	}
}
