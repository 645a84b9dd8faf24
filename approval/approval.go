// Package approval implements the Approval Gate: quorum-gated sign-off
// guarding a rollout's pending → running transition when the owning project
// declares approvals_needed > 0.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelcp/control-plane/apierrors"
	"github.com/sentinelcp/control-plane/jobs"
	"github.com/sentinelcp/control-plane/store"
)

// Gate records approvals/rejections against a rollout and triggers release
// directly once quorum is met.
type Gate struct {
	store   store.Store
	runner  *jobs.Runner
	nowFunc func() time.Time
}

func NewGate(s store.Store, runner *jobs.Runner) *Gate {
	return &Gate{store: s, runner: runner, nowFunc: time.Now}
}

// Record applies one approval or rejection decision by actorID, who must
// hold the operator role and must not be the rollout's creator.
func (g *Gate) Record(ctx context.Context, rolloutID, actorID, actorRole, decision, comment string) error {
	r, err := g.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return fmt.Errorf("approval: get rollout %s: %w", rolloutID, err)
	}
	if r == nil {
		return apierrors.New(apierrors.NotFound, "rollout not found")
	}
	if r.Status != store.RolloutPending {
		return apierrors.New(apierrors.InvalidState, "rollout is not awaiting approval")
	}

	if actorID == r.CreatedBy {
		return apierrors.New(apierrors.SelfApproval, "rollout creator cannot approve their own rollout")
	}
	if actorRole != "operator" {
		return apierrors.New(apierrors.NotAuthorized, "actor lacks the operator role")
	}

	existing, err := g.store.ListApprovals(ctx, rolloutID, 0)
	if err != nil {
		return fmt.Errorf("approval: list approvals for %s: %w", rolloutID, err)
	}
	for _, a := range existing {
		if a.ApproverID == actorID {
			return apierrors.New(apierrors.AlreadyApproved, "actor already recorded a decision for this rollout")
		}
	}

	if decision == "rejected" && comment == "" {
		return apierrors.New(apierrors.CommentRequired, "a comment is required when rejecting a rollout")
	}

	approval := &store.RolloutApproval{
		RolloutID:  rolloutID,
		StepIndex:  0,
		ApproverID: actorID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  g.nowFunc(),
	}
	if err := g.store.RecordApproval(ctx, approval); err != nil {
		return fmt.Errorf("approval: record approval for %s: %w", rolloutID, err)
	}

	if decision == "rejected" {
		if err := g.store.UpdateApprovalState(ctx, rolloutID, store.ApprovalRejected); err != nil {
			return fmt.Errorf("approval: set approval_state for %s: %w", rolloutID, err)
		}
		return g.store.UpdateRolloutStatus(ctx, rolloutID, store.RolloutCancelled, "rejected: "+comment, r.Version)
	}

	allApprovals, err := g.store.ListApprovals(ctx, rolloutID, 0)
	if err != nil {
		return fmt.Errorf("approval: re-list approvals for %s: %w", rolloutID, err)
	}
	approvedCount := 0
	for _, a := range allApprovals {
		if a.Decision == "approved" {
			approvedCount++
		}
	}
	if approvedCount < r.ApprovalsNeeded {
		return nil
	}

	if err := g.store.UpdateApprovalState(ctx, rolloutID, store.ApprovalApproved); err != nil {
		return fmt.Errorf("approval: set approval_state for %s: %w", rolloutID, err)
	}

	// Quorum met. If scheduled_at is unset or already past, start planning now
	// by enqueuing the first tick; otherwise the Schedule Gate releases it.
	if r.ScheduledAt == nil || !r.ScheduledAt.After(g.nowFunc()) {
		return g.release(ctx, r)
	}
	return nil
}

// release flips a quorum-approved (or schedule-released) rollout to running
// and enqueues its first tick.
func (g *Gate) release(ctx context.Context, r *store.Rollout) error {
	if err := g.store.UpdateRolloutStatus(ctx, r.RolloutID, store.RolloutRunning, "", r.Version); err != nil {
		return fmt.Errorf("approval: release rollout %s: %w", r.RolloutID, err)
	}
	if g.runner == nil {
		return nil
	}
	return g.runner.Enqueue(ctx, &jobs.Job{
		Queue:     jobs.QueueRollouts,
		Kind:      "tick",
		RolloutID: r.RolloutID,
		Priority:  5,
	})
}

// Release is exported for the Schedule Gate, which performs the same
// quorum-satisfied-or-not-required release once scheduled_at has passed.
func (g *Gate) Release(ctx context.Context, r *store.Rollout) error {
	return g.release(ctx, r)
}
