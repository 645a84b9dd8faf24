// Package drift implements the Drift Reconciler: a periodic
// job that detects nodes whose observed bundle no longer matches what this
// core expects, auto-resolves nodes that have caught back up, and alerts
// when the fraction of drifted nodes in a fleet crosses a threshold.
//
// It compares each node's reported active bundle against its expected
// bundle id, and runs independently of the Tick Driver: it only reads node
// state and writes DriftEvent rows, never mutating rollouts.
package drift

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelcp/control-plane/external"
	"github.com/sentinelcp/control-plane/observability"
	"github.com/sentinelcp/control-plane/store"
)

// AlertThreshold configures when the Reconciler emits a fleet-wide drift
// alert: drifted_count / managed_count > Percentage, or drifted_count >
// Absolute, whichever is configured non-zero.
type AlertThreshold struct {
	Percentage float64
	Absolute   int
}

type Reconciler struct {
	store     store.Store
	notifier  external.Notifications
	threshold AlertThreshold
	nowFunc   func() time.Time
}

func NewReconciler(s store.Store, notifier external.Notifications, threshold AlertThreshold) *Reconciler {
	if notifier == nil {
		notifier = external.LogNotifications{}
	}
	return &Reconciler{store: s, notifier: notifier, threshold: threshold, nowFunc: time.Now}
}

// Run executes one full detect/auto-resolve/alert pass. Callers (the Job
// Runner, via its uniqueness window) ensure only one pass runs at a time.
func (r *Reconciler) Run(ctx context.Context) error {
	nodes, err := r.store.ListAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("drift: list nodes: %w", err)
	}

	unresolved, err := r.store.ListUnresolvedDrift(ctx)
	if err != nil {
		return fmt.Errorf("drift: list unresolved drift: %w", err)
	}
	byNode := make(map[string]*store.DriftEvent, len(unresolved))
	for _, d := range unresolved {
		byNode[d.NodeID] = d
	}

	type tally struct{ drifted, managed int }
	byProject := make(map[string]*tally)
	totalDrifted := 0

	for _, n := range nodes {
		if n.Status != "online" {
			continue
		}
		if n.ExpectedBundleID == "" {
			continue
		}
		t, ok := byProject[n.ProjectID]
		if !ok {
			t = &tally{}
			byProject[n.ProjectID] = t
		}
		t.managed++

		drifted := n.ActiveBundleID != n.ExpectedBundleID
		existing := byNode[n.NodeID]

		switch {
		case drifted && existing == nil:
			if err := r.detect(ctx, n); err != nil {
				log.Printf("drift: detect failed for node %s: %v", n.NodeID, err)
			}
			t.drifted++
			totalDrifted++
		case drifted && existing != nil:
			t.drifted++
			totalDrifted++
		case !drifted && existing != nil:
			if err := r.autoResolve(ctx, existing); err != nil {
				log.Printf("drift: auto-resolve failed for drift %s: %v", existing.DriftID, err)
			}
		}
	}

	for projectID, t := range byProject {
		r.checkThreshold(ctx, projectID, t.drifted, t.managed)
	}
	observability.DriftUnresolvedCount.Set(float64(totalDrifted))
	return nil
}

func (r *Reconciler) detect(ctx context.Context, n *store.Node) error {
	severity := severityFor(n.ActiveBundleID)
	ev := &store.DriftEvent{
		DriftID:        uuid.NewString(),
		NodeID:         n.NodeID,
		ProjectID:      n.ProjectID,
		ExpectedBundle: n.ExpectedBundleID,
		ActualBundle:   n.ActiveBundleID,
		Severity:       severity,
		DetectedAt:     r.nowFunc(),
	}
	if err := r.store.CreateDriftEvent(ctx, ev); err != nil {
		return err
	}
	observability.DriftEventsDetected.WithLabelValues(severity).Inc()
	r.notifier.NotifyDriftDetected(ctx, n.NodeID, ev.DriftID, severity)
	return nil
}

func (r *Reconciler) autoResolve(ctx context.Context, ev *store.DriftEvent) error {
	if err := r.store.ResolveDriftEvent(ctx, ev.DriftID, "auto_corrected"); err != nil {
		return err
	}
	observability.DriftEventsResolved.WithLabelValues("auto_corrected").Inc()
	return nil
}

func (r *Reconciler) checkThreshold(ctx context.Context, projectID string, drifted, managed int) {
	if managed == 0 {
		return
	}
	ratio := float64(drifted) / float64(managed)
	exceeded := false
	if r.threshold.Percentage > 0 && ratio > r.threshold.Percentage {
		exceeded = true
	}
	if r.threshold.Absolute > 0 && drifted > r.threshold.Absolute {
		exceeded = true
	}
	if exceeded {
		r.notifier.NotifyDriftThresholdExceeded(ctx, projectID, drifted, managed)
	}
}

// tracks a single bundle id per node rather than a structured field-level
// diff, so severity collapses to: a node with no active bundle at all is
// critical (it never caught up); any other mismatch is high.
func severityFor(activeBundle string) string {
	if activeBundle == "" {
		return "critical"
	}
	return "high"
}
