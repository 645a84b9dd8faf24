package rollout

import (
	"context"
	"testing"

	"github.com/sentinelcp/control-plane/apierrors"
	"github.com/sentinelcp/control-plane/approval"
	"github.com/sentinelcp/control-plane/external"
	"github.com/sentinelcp/control-plane/store"
)

type fakeBundles struct {
	info *external.BundleInfo
	err  error
}

func (f *fakeBundles) GetBundle(ctx context.Context, bundleID string) (*external.BundleInfo, error) {
	return f.info, f.err
}

func (f *fakeBundles) AssignBundleToNodes(ctx context.Context, bundleID string, nodeIDs []string) error {
	return nil
}

func asAPIError(t *testing.T, err error) *apierrors.Error {
	t.Helper()
	apiErr, ok := err.(*apierrors.Error)
	if !ok {
		t.Fatalf("expected *apierrors.Error, got %T: %v", err, err)
	}
	return apiErr
}

func TestCreateRejectsUncompiledBundle(t *testing.T) {
	s := store.NewMemoryStore()
	bundles := &fakeBundles{info: &external.BundleInfo{BundleID: "b1", Status: "compiling"}}
	gate := approval.NewGate(s, nil)
	svc := NewService(s, nil, gate, bundles)

	_, err := svc.Create(context.Background(), CreateInput{
		BundleID:  "b1",
		Selector:  store.Selector{Type: "all"},
		CreatedBy: "u1",
	})
	if asAPIError(t, err).Code != apierrors.BundleNotCompiled {
		t.Fatalf("got %v", err)
	}
}

func TestCreateRejectsEmptyTargetSet(t *testing.T) {
	s := store.NewMemoryStore()
	bundles := &fakeBundles{info: &external.BundleInfo{BundleID: "b1", Status: "compiled"}}
	gate := approval.NewGate(s, nil)
	svc := NewService(s, nil, gate, bundles)

	_, err := svc.Create(context.Background(), CreateInput{
		BundleID:  "b1",
		Selector:  store.Selector{Type: "node_ids", NodeIDs: []string{"missing"}},
		CreatedBy: "u1",
	})
	if asAPIError(t, err).Code != apierrors.NoTargetNodes {
		t.Fatalf("got %v", err)
	}
}

func TestCreateUngatedRolloutReleasesImmediately(t *testing.T) {
	s := store.NewMemoryStore()
	s.SeedNode(&store.Node{NodeID: "n1", ExpectedBundleID: "b0"})
	bundles := &fakeBundles{info: &external.BundleInfo{BundleID: "b1", Status: "compiled"}}
	gate := approval.NewGate(s, nil)
	svc := NewService(s, nil, gate, bundles)

	r, err := svc.Create(context.Background(), CreateInput{
		BundleID:  "b1",
		Selector:  store.Selector{Type: "node_ids", NodeIDs: []string{"n1"}},
		Strategy:  "all_at_once",
		CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != store.RolloutRunning {
		t.Fatalf("expected immediate release to running, got %s", r.Status)
	}
}

func TestCreateGatedRolloutStaysPending(t *testing.T) {
	s := store.NewMemoryStore()
	s.SeedNode(&store.Node{NodeID: "n1", ExpectedBundleID: "b0"})
	bundles := &fakeBundles{info: &external.BundleInfo{BundleID: "b1", Status: "compiled"}}
	gate := approval.NewGate(s, nil)
	svc := NewService(s, nil, gate, bundles)

	r, err := svc.Create(context.Background(), CreateInput{
		BundleID:         "b1",
		Selector:         store.Selector{Type: "node_ids", NodeIDs: []string{"n1"}},
		RequiresApproval: true,
		ApprovalsNeeded:  1,
		CreatedBy:        "u1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != store.RolloutPending {
		t.Fatalf("expected pending until approved, got %s", r.Status)
	}
}

func TestPauseResumeCancelRollback(t *testing.T) {
	s := store.NewMemoryStore()
	s.SeedNode(&store.Node{NodeID: "n1", ExpectedBundleID: "b0"})
	bundles := &fakeBundles{info: &external.BundleInfo{BundleID: "b1", Status: "compiled"}}
	gate := approval.NewGate(s, nil)
	svc := NewService(s, nil, gate, bundles)

	r, err := svc.Create(context.Background(), CreateInput{
		BundleID:  "b1",
		Selector:  store.Selector{Type: "node_ids", NodeIDs: []string{"n1"}},
		Strategy:  "all_at_once",
		CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Pause(context.Background(), r.RolloutID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := s.GetRollout(context.Background(), r.RolloutID)
	if got.Status != store.RolloutPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	if err := svc.Resume(context.Background(), r.RolloutID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = s.GetRollout(context.Background(), r.RolloutID)
	if got.Status != store.RolloutRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}

	// Simulate the Tick Driver having already staged the bundle on n1.
	if err := s.SetStagedBundle(context.Background(), "n1", "b1"); err != nil {
		t.Fatalf("stage bundle: %v", err)
	}

	if err := svc.Rollback(context.Background(), r.RolloutID, "bad health"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	got, _ = s.GetRollout(context.Background(), r.RolloutID)
	if got.Status != store.RolloutRolledBack {
		t.Fatalf("expected rolled_back, got %s", got.Status)
	}
	n1, _ := s.GetNode(context.Background(), "n1")
	if n1.StagedBundleID != "" {
		t.Fatalf("expected staged_bundle_id cleared on rollback, got %q", n1.StagedBundleID)
	}

	if err := svc.Cancel(context.Background(), r.RolloutID, "done"); err == nil {
		t.Fatalf("expected cancel on a terminal rollout to fail")
	}
}
