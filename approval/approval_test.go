package approval

import (
	"context"
	"testing"

	"github.com/sentinelcp/control-plane/apierrors"
	"github.com/sentinelcp/control-plane/store"
)

func seedRollout(t *testing.T, s store.Store, approvalsNeeded int) *store.Rollout {
	t.Helper()
	r := &store.Rollout{
		RolloutID:        "r1",
		BundleID:         "b1",
		Selector:         store.Selector{Type: "all"},
		BatchSize:        1,
		RequiresApproval: true,
		ApprovalsNeeded:  approvalsNeeded,
		Status:           store.RolloutPending,
		CreatedBy:        "u1",
		Version:          1,
	}
	step := &store.RolloutStep{RolloutID: "r1", StepIndex: 0, NodeIDs: []string{"n1"}, Status: store.StepPending, Version: 1}
	if err := s.CreateRollout(context.Background(), r, []*store.RolloutStep{step}); err != nil {
		t.Fatalf("seed rollout: %v", err)
	}
	return r
}

func asAPIError(t *testing.T, err error) *apierrors.Error {
	t.Helper()
	apiErr, ok := err.(*apierrors.Error)
	if !ok {
		t.Fatalf("expected *apierrors.Error, got %T: %v", err, err)
	}
	return apiErr
}

func TestSelfApprovalRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedRollout(t, s, 2)
	g := NewGate(s, nil)

	err := g.Record(context.Background(), "r1", "u1", "operator", "approved", "")
	if err == nil {
		t.Fatal("expected self_approval error")
	}
	if asAPIError(t, err).Code != apierrors.SelfApproval {
		t.Fatalf("got %v", err)
	}
}

func TestNotAuthorizedRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedRollout(t, s, 2)
	g := NewGate(s, nil)

	err := g.Record(context.Background(), "r1", "u2", "viewer", "approved", "")
	if asAPIError(t, err).Code != apierrors.NotAuthorized {
		t.Fatalf("got %v", err)
	}
}

func TestAlreadyApprovedRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedRollout(t, s, 3)
	g := NewGate(s, nil)

	if err := g.Record(context.Background(), "r1", "u2", "operator", "approved", ""); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	err := g.Record(context.Background(), "r1", "u2", "operator", "approved", "")
	if asAPIError(t, err).Code != apierrors.AlreadyApproved {
		t.Fatalf("got %v", err)
	}
}

func TestRejectionRequiresComment(t *testing.T) {
	s := store.NewMemoryStore()
	seedRollout(t, s, 2)
	g := NewGate(s, nil)

	err := g.Record(context.Background(), "r1", "u2", "operator", "rejected", "")
	if asAPIError(t, err).Code != apierrors.CommentRequired {
		t.Fatalf("got %v", err)
	}
}

func TestRejectionCancelsRollout(t *testing.T) {
	s := store.NewMemoryStore()
	seedRollout(t, s, 2)
	g := NewGate(s, nil)

	if err := g.Record(context.Background(), "r1", "u2", "operator", "rejected", "looks risky"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	r, _ := s.GetRollout(context.Background(), "r1")
	if r.Status != store.RolloutCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
}

func TestQuorumReachedReleasesRollout(t *testing.T) {
	s := store.NewMemoryStore()
	seedRollout(t, s, 2)
	g := NewGate(s, nil)

	if err := g.Record(context.Background(), "r1", "u2", "operator", "approved", ""); err != nil {
		t.Fatalf("approval 1: %v", err)
	}
	r, _ := s.GetRollout(context.Background(), "r1")
	if r.Status != store.RolloutPending {
		t.Fatalf("expected still pending after 1 of 2 approvals, got %s", r.Status)
	}

	if err := g.Record(context.Background(), "r1", "u3", "operator", "approved", ""); err != nil {
		t.Fatalf("approval 2: %v", err)
	}
	r, _ = s.GetRollout(context.Background(), "r1")
	if r.Status != store.RolloutRunning {
		t.Fatalf("expected running after quorum met, got %s", r.Status)
	}
}
