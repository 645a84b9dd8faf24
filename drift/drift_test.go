package drift

import (
	"context"
	"testing"

	"github.com/sentinelcp/control-plane/store"
)

type fakeNotifier struct {
	detected  []string
	exceeded  int
}

func (f *fakeNotifier) NotifyDriftDetected(ctx context.Context, nodeID, driftID, severity string) {
	f.detected = append(f.detected, nodeID)
}

func (f *fakeNotifier) NotifyDriftThresholdExceeded(ctx context.Context, projectID string, driftedCount, managedCount int) {
	f.exceeded++
}

func TestDetectDriftOnMismatch(t *testing.T) {
	s := store.NewMemoryStore()
	s.SeedNode(&store.Node{NodeID: "n1", Status: "online", ExpectedBundleID: "B2", ActiveBundleID: "B1"})

	notifier := &fakeNotifier{}
	r := NewReconciler(s, notifier, AlertThreshold{})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	unresolved, err := s.ListUnresolvedDrift(context.Background())
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved drift event, got %d", len(unresolved))
	}
	if unresolved[0].NodeID != "n1" {
		t.Fatalf("expected drift for n1, got %s", unresolved[0].NodeID)
	}
	if len(notifier.detected) != 1 {
		t.Fatalf("expected 1 detection notification, got %d", len(notifier.detected))
	}
}

func TestAutoResolveWhenNodeCatchesUp(t *testing.T) {
	s := store.NewMemoryStore()
	s.SeedNode(&store.Node{NodeID: "n1", Status: "online", ExpectedBundleID: "B2", ActiveBundleID: "B1"})

	r := NewReconciler(s, &fakeNotifier{}, AlertThreshold{})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// node catches up
	n, _ := s.GetNode(context.Background(), "n1")
	n.ActiveBundleID = "B2"
	s.SeedNode(n)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	unresolved, err := s.ListUnresolvedDrift(context.Background())
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected 0 unresolved drift events after catch-up, got %d", len(unresolved))
	}
}

func TestThresholdExceededNotifiesOnce(t *testing.T) {
	s := store.NewMemoryStore()
	for i := 0; i < 10; i++ {
		nodeID := "n" + string(rune('0'+i))
		active := "B1"
		if i < 6 {
			active = "B0" // 6/10 nodes drifted
		}
		s.SeedNode(&store.Node{NodeID: nodeID, Status: "online", ExpectedBundleID: "B1", ActiveBundleID: active})
	}

	notifier := &fakeNotifier{}
	r := NewReconciler(s, notifier, AlertThreshold{Percentage: 0.5})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if notifier.exceeded != 1 {
		t.Fatalf("expected threshold-exceeded notification once, got %d", notifier.exceeded)
	}
}

// TestThresholdIsPerProject covers two projects each below a shared global
// ratio but one of which is, on its own, over threshold: the alert must
// fire for that project without being diluted by the other project's nodes.
func TestThresholdIsPerProject(t *testing.T) {
	s := store.NewMemoryStore()
	// project "a": 2/2 nodes drifted (100%).
	s.SeedNode(&store.Node{NodeID: "a1", ProjectID: "a", Status: "online", ExpectedBundleID: "B1", ActiveBundleID: "B0"})
	s.SeedNode(&store.Node{NodeID: "a2", ProjectID: "a", Status: "online", ExpectedBundleID: "B1", ActiveBundleID: "B0"})
	// project "b": 0/8 nodes drifted (0%).
	for i := 0; i < 8; i++ {
		nodeID := "b" + string(rune('0'+i))
		s.SeedNode(&store.Node{NodeID: nodeID, ProjectID: "b", Status: "online", ExpectedBundleID: "B1", ActiveBundleID: "B1"})
	}

	notifier := &fakeNotifier{}
	r := NewReconciler(s, notifier, AlertThreshold{Percentage: 0.5})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if notifier.exceeded != 1 {
		t.Fatalf("expected exactly one threshold-exceeded notification for project a, got %d", notifier.exceeded)
	}
}
