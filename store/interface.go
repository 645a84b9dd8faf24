package store

import (
	"context"
	"time"
)

// Store defines the durable repository for rollouts and their supporting
// records. It abstracts over Postgres (durable) and an in-memory
// implementation used by tests and local/dev mode.
type Store interface {
	// Rollout operations
	CreateRollout(ctx context.Context, r *Rollout, steps []*RolloutStep) error
	GetRollout(ctx context.Context, rolloutID string) (*Rollout, error)
	ListRollouts(ctx context.Context, status RolloutStatus) ([]*Rollout, error)
	// UpdateRolloutStatus performs a compare-and-swap transition guarded by
	// expectedVersion; callers retry on ErrVersionConflict if they still want
	// the transition to happen.
	UpdateRolloutStatus(ctx context.Context, rolloutID string, status RolloutStatus, lastError string, expectedVersion int) error
	// UpdateApprovalState is a non-versioned write: approval decisions race
	// with ticks far less than status transitions do, and retrying quorum
	// bookkeeping on a version conflict would complicate the Approval Gate
	// for no real benefit.
	UpdateApprovalState(ctx context.Context, rolloutID string, state ApprovalState) error

	// Step operations
	GetStep(ctx context.Context, rolloutID string, stepIndex int) (*RolloutStep, error)
	ListSteps(ctx context.Context, rolloutID string) ([]*RolloutStep, error)
	UpdateStepStatus(ctx context.Context, rolloutID string, stepIndex int, status StepStatus, lastError string, expectedVersion int) error
	IncrementStepFailedNodeCount(ctx context.Context, rolloutID string, stepIndex int, delta int) error

	// CompleteStep atomically transitions a step to completed, advances the
	// rollout's current_step_index (or marks the rollout completed if this was
	// the last step), and writes NodeBundleStatus=active plus
	// node.expected_bundle_id for every node in the step, all in one
	// transaction, so a crash mid-step can never leave node state ahead of
	// the step's own completion record.
	CompleteStep(ctx context.Context, rolloutID string, stepIndex int, bundleID string, nodeIDs []string, expectedVersion int) error

	// Approval operations
	RecordApproval(ctx context.Context, a *RolloutApproval) error
	ListApprovals(ctx context.Context, rolloutID string, stepIndex int) ([]*RolloutApproval, error)

	// Bundle operations
	GetBundle(ctx context.Context, bundleID string) (*Bundle, error)

	// Node operations (read-only from this core's perspective, except for
	// SetExpectedBundle/SetStagedBundle/ClearStagedBundle, the writes invariant
	// 5 allows: staged_bundle_id and expected_bundle_id)
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	ListNodesByProject(ctx context.Context, projectID string) ([]*Node, error)
	ListAllNodes(ctx context.Context) ([]*Node, error)
	SetExpectedBundle(ctx context.Context, nodeID string, bundleID string) error
	SetStagedBundle(ctx context.Context, nodeID string, bundleID string) error
	// ClearStagedBundle clears staged_bundle_id on every node currently
	// staged to bundleID, for rollback.
	ClearStagedBundle(ctx context.Context, bundleID string) error
	GetLatestHeartbeat(ctx context.Context, nodeID string) (*Heartbeat, error)

	// NodeBundleStatus operations
	GetNodeBundleStatus(ctx context.Context, nodeID string) (*NodeBundleStatus, error)
	UpsertNodeBundleStatus(ctx context.Context, s *NodeBundleStatus) error

	// Drift operations
	CreateDriftEvent(ctx context.Context, d *DriftEvent) error
	ListUnresolvedDrift(ctx context.Context) ([]*DriftEvent, error)
	ResolveDriftEvent(ctx context.Context, driftID string, resolution string) error

	// Job history
	CreateJob(ctx context.Context, j *RolloutJob) error
	UpdateJobStatus(ctx context.Context, jobID string, status string, detail string) error
	GetJob(ctx context.Context, jobID string) (*RolloutJob, error)

	// Coordination: durable, monotonic epoch used for leader-election fencing
	// tokens (must survive a Redis flush).
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// Idempotency is the subset of Store/Coordinator behavior the idempotency
// package needs: a durable store split from an ephemeral backend.
type Idempotency interface {
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)
	SetIdempotencyRecord(ctx context.Context, key string, value string, ttl time.Duration) error
}
