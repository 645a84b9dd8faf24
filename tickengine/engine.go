// Package tickengine drives the rollout state machine one transition at a
// time: a per-resource exclusivity lock, a check/apply/verify shape, and a
// policy of never blocking on the pub/sub broker, walking a rollout's steps
// one at a time.
package tickengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sentinelcp/control-plane/apierrors"
	"github.com/sentinelcp/control-plane/external"
	"github.com/sentinelcp/control-plane/observability"
	"github.com/sentinelcp/control-plane/store"
	"github.com/sentinelcp/control-plane/streaming"
	"github.com/sentinelcp/control-plane/timeline"
)

// Engine advances rollouts one tick at a time.
type Engine struct {
	store     store.Store
	publisher streaming.Publisher

	// activeTicks enforces one in-flight tick per rollout in this process;
	// cross-process exclusivity comes from the store's compare-and-swap
	// updates.
	activeTicks map[string]bool
	mu          sync.Mutex

	// DefaultProgressDeadline is used for steps whose rollout did not set
	// progress_deadline_seconds.
	DefaultProgressDeadline time.Duration

	// Timeline records every decision for incident capture. Nil disables
	// recording (used by unit tests that don't care about it).
	Timeline *timeline.Store

	// Bundles, when set, is told to stage a bundle onto a step's nodes as the
	// step starts. Nil in unit tests that don't exercise the external surface.
	Bundles external.BundleService
}

// NewEngine constructs a tick engine over store s, publishing rollout_updated
// events on pub.
func NewEngine(s store.Store, pub streaming.Publisher) *Engine {
	return &Engine{
		store:                   s,
		publisher:               pub,
		activeTicks:             make(map[string]bool),
		DefaultProgressDeadline: 10 * time.Minute,
		Timeline:                timeline.NewStore(),
	}
}

// tickDecision is the structured log record emitted for every tick.
type tickDecision struct {
	RolloutID string `json:"rollout_id"`
	StepIndex int    `json:"step_index,omitempty"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (e *Engine) logTickDecision(d tickDecision) {
	d.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(d)
	log.Printf("[TICK] %s", string(b))

	if e.Timeline != nil {
		e.Timeline.Record(timeline.TickEvent{
			RolloutID: d.RolloutID,
			Stage:     d.Action,
			StepIndex: d.StepIndex,
			Metadata:  map[string]string{"reason": d.Reason},
		})
	}
}

// acquireLock enforces per-rollout exclusivity within this process.
func (e *Engine) acquireLock(rolloutID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTicks[rolloutID] {
		return false
	}
	e.activeTicks[rolloutID] = true
	return true
}

func (e *Engine) releaseLock(rolloutID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activeTicks, rolloutID)
}

// IsTicking reports whether rolloutID currently has an in-flight tick in this
// process. Read-only check used by the HTTP layer to avoid redundant enqueues.
func (e *Engine) IsTicking(rolloutID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTicks[rolloutID]
}

// Tick performs exactly one state-machine transition for rolloutID. A tick
// that finds the rollout already terminal or paused is a no-op (idempotence).
func (e *Engine) Tick(ctx context.Context, rolloutID string) error {
	if !e.acquireLock(rolloutID) {
		e.logTickDecision(tickDecision{RolloutID: rolloutID, Action: "skip", Reason: "tick_already_in_flight"})
		return nil
	}
	defer e.releaseLock(rolloutID)

	r, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return fmt.Errorf("tick: get rollout %s: %w", rolloutID, err)
	}
	if r == nil {
		return fmt.Errorf("tick: rollout %s not found", rolloutID)
	}

	if r.Status != store.RolloutRunning {
		e.logTickDecision(tickDecision{RolloutID: rolloutID, Action: "skip", Reason: "not_running"})
		return nil
	}

	steps, err := e.store.ListSteps(ctx, rolloutID)
	if err != nil {
		return fmt.Errorf("tick: list steps for %s: %w", rolloutID, err)
	}

	active := activeStep(steps)
	if active == nil {
		return e.startNextStep(ctx, r, steps)
	}

	switch active.Status {
	case store.StepRunning:
		return e.evaluateRunning(ctx, r, active)
	case store.StepVerifying:
		return e.evaluateVerifying(ctx, r, active)
	default:
		e.logTickDecision(tickDecision{RolloutID: rolloutID, StepIndex: active.StepIndex, Action: "skip", Reason: "unexpected_step_status:" + string(active.Status)})
		return nil
	}
}

// activeStep returns the single step in {running, verifying}, or nil if none
// (invariant 2: at most one such step exists).
func activeStep(steps []*store.RolloutStep) *store.RolloutStep {
	for _, st := range steps {
		if st.Status == store.StepRunning || st.Status == store.StepVerifying {
			return st
		}
	}
	return nil
}

// firstPending returns the lowest-index step in {pending}, or nil.
func firstPending(steps []*store.RolloutStep) *store.RolloutStep {
	var found *store.RolloutStep
	for _, st := range steps {
		if st.Status != store.StepPending {
			continue
		}
		if found == nil || st.StepIndex < found.StepIndex {
			found = st
		}
	}
	return found
}

func allCompleted(steps []*store.RolloutStep) bool {
	for _, st := range steps {
		if st.Status != store.StepCompleted && st.Status != store.StepSkipped {
			return false
		}
	}
	return true
}

// startNextStep starts the lowest-index pending step, or completes the
// rollout if none remain (invariant 3: monotonic step advance).
func (e *Engine) startNextStep(ctx context.Context, r *store.Rollout, steps []*store.RolloutStep) error {
	next := firstPending(steps)
	if next == nil {
		if allCompleted(steps) {
			if err := e.store.UpdateRolloutStatus(ctx, r.RolloutID, store.RolloutCompleted, "", r.Version); err != nil && err != store.ErrVersionConflict {
				return fmt.Errorf("tick: complete rollout %s: %w", r.RolloutID, err)
			}
			e.publish(ctx, r.RolloutID, "rollout_updated")
			e.logTickDecision(tickDecision{RolloutID: r.RolloutID, Action: "complete_rollout"})
		}
		return nil
	}

	bundle, err := e.store.GetBundle(ctx, r.BundleID)
	if err != nil {
		return fmt.Errorf("tick: get bundle %s: %w", r.BundleID, err)
	}
	if bundle == nil {
		e.failRollout(ctx, r, next, "bundle_revoked")
		return nil
	}

	deadlineSecs := r.ProgressDeadlineSecs
	if deadlineSecs <= 0 {
		deadlineSecs = int(e.DefaultProgressDeadline.Seconds())
	}
	deadline := time.Now().Add(time.Duration(deadlineSecs) * time.Second)
	next.ProgressDeadline = &deadline

	if err := e.store.UpdateStepStatus(ctx, r.RolloutID, next.StepIndex, store.StepRunning, "", next.Version); err != nil {
		if err == store.ErrVersionConflict {
			return nil
		}
		return fmt.Errorf("tick: start step %d: %w", next.StepIndex, err)
	}

	if e.Bundles != nil {
		if err := e.Bundles.AssignBundleToNodes(ctx, r.BundleID, next.NodeIDs); err != nil {
			log.Printf("tick: assign bundle %s to step %d nodes: %v", r.BundleID, next.StepIndex, err)
		}
	}

	now := time.Now()
	for _, nodeID := range next.NodeIDs {
		if err := e.store.SetStagedBundle(ctx, nodeID, r.BundleID); err != nil {
			log.Printf("tick: stage bundle %s on node %s: %v", r.BundleID, nodeID, err)
		}
		st := &store.NodeBundleStatus{NodeID: nodeID, BundleID: r.BundleID, RolloutID: r.RolloutID, State: "staging", StagedAt: &now}
		if err := e.store.UpsertNodeBundleStatus(ctx, st); err != nil {
			log.Printf("tick: upsert node bundle status for %s: %v", nodeID, err)
		}
	}

	e.publish(ctx, r.RolloutID, "rollout_updated")
	e.logTickDecision(tickDecision{RolloutID: r.RolloutID, StepIndex: next.StepIndex, Action: "start_step", Reason: fmt.Sprintf("nodes=%d", len(next.NodeIDs))})
	return nil
}

// evaluateRunning counts reported-active nodes against the step's required
// threshold and the step's unavailable (offline/unknown) node count against
// max_unavailable; advances to verifying, pauses on excess unavailability, or
// checks the deadline.
func (e *Engine) evaluateRunning(ctx context.Context, r *store.Rollout, step *store.RolloutStep) error {
	activeCount := 0
	unavailable := 0
	for _, nodeID := range step.NodeIDs {
		node, err := e.store.GetNode(ctx, nodeID)
		if err != nil {
			log.Printf("tick: get node %s: %v", nodeID, err)
			continue
		}
		if node == nil {
			continue
		}
		if node.ActiveBundleID == r.BundleID {
			activeCount++
		}
		if node.Status == "offline" || node.Status == "unknown" {
			unavailable++
		}
	}

	if r.MaxUnavailable > 0 && unavailable > r.MaxUnavailable {
		e.pauseRollout(ctx, r, step, string(apierrors.MaxUnavailableExceeded),
			fmt.Sprintf("unavailable=%d/%d max_unavailable=%d", unavailable, len(step.NodeIDs), r.MaxUnavailable))
		return nil
	}

	required := len(step.NodeIDs)
	if r.MaxUnavailable > 0 {
		required -= r.MaxUnavailable
		if required < 0 {
			required = 0
		}
	}

	if activeCount >= required && activeCount > 0 {
		if err := e.store.UpdateStepStatus(ctx, r.RolloutID, step.StepIndex, store.StepVerifying, "", step.Version); err != nil {
			if err == store.ErrVersionConflict {
				return nil
			}
			return fmt.Errorf("tick: advance step %d to verifying: %w", step.StepIndex, err)
		}

		now := time.Now()
		for _, nodeID := range step.NodeIDs {
			st := &store.NodeBundleStatus{NodeID: nodeID, BundleID: r.BundleID, RolloutID: r.RolloutID, State: "activating", LastReportAt: &now}
			if err := e.store.UpsertNodeBundleStatus(ctx, st); err != nil {
				log.Printf("tick: upsert node bundle status for %s: %v", nodeID, err)
			}
		}

		e.publish(ctx, r.RolloutID, "rollout_updated")
		e.logTickDecision(tickDecision{RolloutID: r.RolloutID, StepIndex: step.StepIndex, Action: "verifying", Reason: fmt.Sprintf("active=%d/%d", activeCount, len(step.NodeIDs))})
		return nil
	}

	return e.checkDeadline(ctx, r, step, fmt.Sprintf("waiting_for_active: %d/%d required", activeCount, required))
}

// pauseRollout stops a running rollout in place (step left running) with a
// structured reason, without failing it: the operator can resume once the
// fleet recovers.
func (e *Engine) pauseRollout(ctx context.Context, r *store.Rollout, step *store.RolloutStep, reason, detail string) {
	if err := e.store.UpdateRolloutStatus(ctx, r.RolloutID, store.RolloutPaused, reason, r.Version); err != nil && err != store.ErrVersionConflict {
		log.Printf("tick: pause rollout %s: %v", r.RolloutID, err)
		return
	}
	e.publish(ctx, r.RolloutID, "rollout_updated")
	e.logTickDecision(tickDecision{RolloutID: r.RolloutID, StepIndex: step.StepIndex, Action: "pause_rollout", Reason: reason + ":" + detail})
	observability.TickFailures.WithLabelValues(reason).Inc()
}

// evaluateVerifying evaluates health gates; completes the step (atomically
// writing NodeBundleStatus=active and node.expected_bundle_id, per Open
// Question (a)) or checks the deadline.
func (e *Engine) evaluateVerifying(ctx context.Context, r *store.Rollout, step *store.RolloutStep) error {
	ok, reason := e.evaluateGates(ctx, r, step)
	if !ok {
		return e.checkDeadline(ctx, r, step, reason)
	}

	if err := e.store.CompleteStep(ctx, r.RolloutID, step.StepIndex, r.BundleID, step.NodeIDs, step.Version); err != nil {
		if err == store.ErrVersionConflict {
			return nil
		}
		return fmt.Errorf("tick: complete step %d: %w", step.StepIndex, err)
	}

	if r.AutoRollback && r.RollbackThreshold > 0 {
		failedPct := 0
		if len(step.NodeIDs) > 0 {
			failedPct = step.FailedNodeCount * 100 / len(step.NodeIDs)
		}
		if failedPct >= r.RollbackThreshold {
			log.Printf("[TICK] rollout %s step %d crossed rollback_threshold (%d%% >= %d%%); auto_rollback is advisory only, no automatic cancel performed", r.RolloutID, step.StepIndex, failedPct, r.RollbackThreshold)
		}
	}

	e.publish(ctx, r.RolloutID, "rollout_updated")
	e.logTickDecision(tickDecision{RolloutID: r.RolloutID, StepIndex: step.StepIndex, Action: "complete_step"})
	return nil
}

// checkDeadline fails the step and the rollout if the step's progress
// deadline has elapsed; otherwise just logs the wait.
func (e *Engine) checkDeadline(ctx context.Context, r *store.Rollout, step *store.RolloutStep, reason string) error {
	if step.ProgressDeadline != nil && time.Now().After(*step.ProgressDeadline) {
		e.failRollout(ctx, r, step, "step_deadline_exceeded")
		return nil
	}
	e.logTickDecision(tickDecision{RolloutID: r.RolloutID, StepIndex: step.StepIndex, Action: "wait", Reason: reason})
	return nil
}

func (e *Engine) failRollout(ctx context.Context, r *store.Rollout, step *store.RolloutStep, reason string) {
	if err := e.store.UpdateStepStatus(ctx, r.RolloutID, step.StepIndex, store.StepFailed, reason, step.Version); err != nil && err != store.ErrVersionConflict {
		log.Printf("tick: fail step %d: %v", step.StepIndex, err)
	}
	if err := e.store.UpdateRolloutStatus(ctx, r.RolloutID, store.RolloutFailed, reason, r.Version); err != nil && err != store.ErrVersionConflict {
		log.Printf("tick: fail rollout %s: %v", r.RolloutID, err)
	}
	e.publish(ctx, r.RolloutID, "rollout_updated")
	e.logTickDecision(tickDecision{RolloutID: r.RolloutID, StepIndex: step.StepIndex, Action: "fail_rollout", Reason: reason})
	observability.TickFailures.WithLabelValues(reason).Inc()
}

// publish is best-effort and non-blocking: pub/sub outages never fail a
// tick. Publishing is observability, not control flow.
func (e *Engine) publish(ctx context.Context, rolloutID string, kind string) {
	if e.publisher == nil {
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		payload := map[string]interface{}{"rollout_id": rolloutID, "kind": kind, "timestamp": time.Now().UTC().Format(time.RFC3339)}
		if err := e.publisher.Publish(pubCtx, "rollout:"+rolloutID, payload); err != nil {
			log.Printf("⚠️ event publish failed (non-critical): %v", err)
			observability.EventPublishFailures.WithLabelValues("rollout_updated").Inc()
		}
	}()
}
