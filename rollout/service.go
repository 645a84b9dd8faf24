// Package rollout implements the lifecycle operations a rollout can be
// driven through from the outside: creation, pause/resume, cancellation and
// rollback. It composes the same collaborators the Tick Driver and Approval
// Gate use (store.Store, targetresolver, batchplanner, jobs.Runner) directly,
// rather than introducing a second layer of indirection.
package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelcp/control-plane/apierrors"
	"github.com/sentinelcp/control-plane/approval"
	"github.com/sentinelcp/control-plane/batchplanner"
	"github.com/sentinelcp/control-plane/external"
	"github.com/sentinelcp/control-plane/jobs"
	"github.com/sentinelcp/control-plane/store"
	"github.com/sentinelcp/control-plane/targetresolver"
)

// Service orchestrates rollout lifecycle transitions that originate from an
// API call rather than from the Tick Driver's own loop.
type Service struct {
	store   store.Store
	runner  *jobs.Runner
	gate    *approval.Gate
	bundles external.BundleService
	nowFunc func() time.Time
}

func NewService(s store.Store, runner *jobs.Runner, gate *approval.Gate, bundles external.BundleService) *Service {
	return &Service{store: s, runner: runner, gate: gate, bundles: bundles, nowFunc: time.Now}
}

// CreateInput is the validated request body for POST .../rollouts.
type CreateInput struct {
	ProjectID            string
	BundleID             string
	Selector             store.Selector
	Strategy             store.RolloutStrategy // "rolling" or "all_at_once"
	BatchSize            int
	BatchPercentage      float64
	MaxUnavailable       int
	HealthGate           store.HealthGate
	ScheduledAt          *time.Time
	RequiresApproval     bool
	ApprovalsNeeded      int
	ProgressDeadlineSecs int
	AutoRollback         bool
	RollbackThreshold    int
	CreatedBy            string
}

// Create validates the bundle and target set, plans the step batches, and
// persists the rollout in pending state. An ungated, unscheduled rollout is
// released immediately, reusing the Approval Gate's release path instead of
// duplicating the CAS-to-running + tick-enqueue logic.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Rollout, error) {
	info, err := s.bundles.GetBundle(ctx, in.BundleID)
	if err != nil {
		return nil, fmt.Errorf("rollout: get bundle %s: %w", in.BundleID, err)
	}
	if info == nil || info.Status != "compiled" {
		return nil, apierrors.New(apierrors.BundleNotCompiled, "bundle is not in compiled state")
	}

	nodes, err := s.store.ListNodesByProject(ctx, in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("rollout: list nodes for project %s: %w", in.ProjectID, err)
	}
	nodeIDs, err := targetresolver.Resolve(in.Selector, nodes)
	if err != nil {
		return nil, fmt.Errorf("rollout: resolve targets: %w", err)
	}
	if len(nodeIDs) == 0 {
		return nil, apierrors.New(apierrors.NoTargetNodes, "selector matched no nodes")
	}

	rolloutID := uuid.NewString()
	steps, err := batchplanner.Plan(rolloutID, nodeIDs, in.Strategy, in.BatchSize, in.BatchPercentage)
	if err != nil {
		return nil, fmt.Errorf("rollout: plan batches: %w", err)
	}

	approvalState := store.ApprovalNotRequired
	if in.RequiresApproval {
		approvalState = store.ApprovalPending
	}

	now := s.nowFunc()
	r := &store.Rollout{
		RolloutID:            rolloutID,
		ProjectID:            in.ProjectID,
		BundleID:             in.BundleID,
		Selector:             in.Selector,
		Strategy:             in.Strategy,
		BatchSize:            in.BatchSize,
		BatchPercentage:      in.BatchPercentage,
		MaxUnavailable:       in.MaxUnavailable,
		HealthGate:           in.HealthGate,
		ScheduledAt:          in.ScheduledAt,
		RequiresApproval:     in.RequiresApproval,
		ApprovalsNeeded:      in.ApprovalsNeeded,
		ApprovalState:        approvalState,
		ProgressDeadlineSecs: in.ProgressDeadlineSecs,
		AutoRollback:         in.AutoRollback,
		RollbackThreshold:    in.RollbackThreshold,
		Status:               store.RolloutPending,
		CurrentStepIndex:     0,
		CreatedAt:            now,
		UpdatedAt:            now,
		CreatedBy:            in.CreatedBy,
		Version:              1,
	}

	if err := s.store.CreateRollout(ctx, r, steps); err != nil {
		return nil, fmt.Errorf("rollout: create %s: %w", rolloutID, err)
	}

	if !r.RequiresApproval && (r.ScheduledAt == nil || !r.ScheduledAt.After(now)) {
		if err := s.gate.Release(ctx, r); err != nil {
			return nil, fmt.Errorf("rollout: release %s: %w", rolloutID, err)
		}
	}

	return r, nil
}

// Pause stops a running rollout from advancing to its next step. In-flight
// node assignments on the current step are left to finish; the Tick Driver
// checks Status before starting the next one.
func (s *Service) Pause(ctx context.Context, rolloutID string) error {
	r, err := s.get(ctx, rolloutID)
	if err != nil {
		return err
	}
	if r.Status != store.RolloutRunning {
		return apierrors.New(apierrors.InvalidState, "only a running rollout can be paused")
	}
	return s.store.UpdateRolloutStatus(ctx, rolloutID, store.RolloutPaused, "", r.Version)
}

// Resume moves a paused rollout back to running and re-enqueues a tick so
// the Tick Driver picks up where it left off.
func (s *Service) Resume(ctx context.Context, rolloutID string) error {
	r, err := s.get(ctx, rolloutID)
	if err != nil {
		return err
	}
	if r.Status != store.RolloutPaused {
		return apierrors.New(apierrors.InvalidState, "only a paused rollout can be resumed")
	}
	if err := s.store.UpdateRolloutStatus(ctx, rolloutID, store.RolloutRunning, "", r.Version); err != nil {
		return fmt.Errorf("rollout: resume %s: %w", rolloutID, err)
	}
	if s.runner == nil {
		return nil
	}
	return s.runner.Enqueue(ctx, &jobs.Job{
		Queue:     jobs.QueueRollouts,
		Kind:      "tick",
		RolloutID: rolloutID,
		Priority:  5,
	})
}

// Cancel stops a rollout permanently. Valid from pending, running, or
// paused; a terminal rollout cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, rolloutID, reason string) error {
	r, err := s.get(ctx, rolloutID)
	if err != nil {
		return err
	}
	switch r.Status {
	case store.RolloutPending, store.RolloutRunning, store.RolloutPaused:
	default:
		return apierrors.New(apierrors.InvalidState, "rollout is already in a terminal state")
	}
	return s.store.UpdateRolloutStatus(ctx, rolloutID, store.RolloutCancelled, reason, r.Version)
}

// Rollback reverts a rollout that has started distributing a bundle. Nodes
// that already activated the bundle keep it until a corrective rollout
// reassigns them, but any node still only staged — assigned, not yet
// activated — has that assignment undone so it doesn't activate a bundle
// this rollout no longer wants in flight.
func (s *Service) Rollback(ctx context.Context, rolloutID, reason string) error {
	r, err := s.get(ctx, rolloutID)
	if err != nil {
		return err
	}
	switch r.Status {
	case store.RolloutRunning, store.RolloutPaused:
	default:
		return apierrors.New(apierrors.InvalidState, "only a running or paused rollout can be rolled back")
	}
	if err := s.store.ClearStagedBundle(ctx, r.BundleID); err != nil {
		return fmt.Errorf("rollout: clear staged bundle for %s: %w", rolloutID, err)
	}
	return s.store.UpdateRolloutStatus(ctx, rolloutID, store.RolloutRolledBack, reason, r.Version)
}

func (s *Service) get(ctx context.Context, rolloutID string) (*store.Rollout, error) {
	r, err := s.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("rollout: get %s: %w", rolloutID, err)
	}
	if r == nil {
		return nil, apierrors.New(apierrors.NotFound, "rollout not found")
	}
	return r, nil
}
