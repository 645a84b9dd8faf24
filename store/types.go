package store

import (
	"encoding/json"
	"time"
)

// Bundle is a versioned, immutable artifact describing a proxy build that can
// be shipped to nodes.
type Bundle struct {
	BundleID  string    `json:"bundle_id" db:"bundle_id"`
	Version   string    `json:"version" db:"version"`
	Artifact  string    `json:"artifact" db:"artifact"` // location/URI of the packaged bundle
	Checksum  string    `json:"checksum" db:"checksum"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RolloutStatus is the lifecycle state of a Rollout.
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "pending"
	RolloutRunning    RolloutStatus = "running"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
	RolloutCancelled  RolloutStatus = "cancelled"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// ApprovalState is the quorum state of a Rollout's approval gate.
type ApprovalState string

const (
	ApprovalNotRequired ApprovalState = "not_required"
	ApprovalPending     ApprovalState = "pending_approval"
	ApprovalApproved    ApprovalState = "approved"
	ApprovalRejected    ApprovalState = "rejected"
)

// RolloutStrategy is how a rollout's target nodes are broken into steps.
type RolloutStrategy string

const (
	StrategyRolling   RolloutStrategy = "rolling"
	StrategyAllAtOnce RolloutStrategy = "all_at_once"
)

// StepStatus is the lifecycle state of a RolloutStep.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepVerifying    StepStatus = "verifying"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepSkipped      StepStatus = "skipped"
	StepAwaitingGate StepStatus = "awaiting_gate" // blocked on approval or schedule gate
)

// HealthGate describes the conditions that must hold before a step is marked
// complete. Every key is optional; an absent or zero-value key defaults to
// pass. All keys present with a truthy/non-zero value must pass.
type HealthGate struct {
	HeartbeatHealthy   bool              `json:"heartbeat_healthy,omitempty"`
	MaxErrorRate       float64           `json:"max_error_rate,omitempty"`
	MaxLatencyMS       float64           `json:"max_latency_ms,omitempty"`
	MaxCPUPercent      float64           `json:"max_cpu_percent,omitempty"`
	MaxMemoryPercent   float64           `json:"max_memory_percent,omitempty"`
	CustomHealthChecks []HealthCheckSpec `json:"custom_health_checks,omitempty"`
}

// HealthCheckSpec is one externally-invoked HTTP health check.
type HealthCheckSpec struct {
	Name           string `json:"name"`
	Endpoint       string `json:"endpoint"`
	TimeoutMS      int    `json:"timeout_ms"`
	ExpectedStatus int    `json:"expected_status"`
}

// Selector is the tagged-variant target selector consumed by the Target
// Resolver. Type determines which of the remaining fields are populated.
type Selector struct {
	Type     string            `json:"type"` // "all", "labels", "node_ids", "groups"
	Labels   map[string]string `json:"labels,omitempty"`
	NodeIDs  []string          `json:"node_ids,omitempty"`
	GroupIDs []string          `json:"group_ids,omitempty"`
}

// RolloutStep is one batch/wave of a Rollout's plan.
type RolloutStep struct {
	RolloutID        string     `json:"rollout_id" db:"rollout_id"`
	StepIndex        int        `json:"step_index" db:"step_index"`
	NodeIDs          []string   `json:"node_ids" db:"node_ids"`
	Status           StepStatus `json:"status" db:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ProgressDeadline *time.Time `json:"progress_deadline,omitempty" db:"progress_deadline"`
	FailedNodeCount  int        `json:"failed_node_count" db:"failed_node_count"`
	LastError        string     `json:"last_error,omitempty" db:"last_error"`
	Version          int        `json:"version" db:"version"`
}

// RolloutApproval records quorum-gated sign-off for a step that requires
// manual approval before it proceeds.
type RolloutApproval struct {
	RolloutID  string    `json:"rollout_id" db:"rollout_id"`
	StepIndex  int       `json:"step_index" db:"step_index"`
	ApproverID string    `json:"approver_id" db:"approver_id"`
	Decision   string    `json:"decision" db:"decision"` // "approved", "rejected"
	Comment    string    `json:"comment,omitempty" db:"comment"`
	DecidedAt  time.Time `json:"decided_at" db:"decided_at"`
}

// Rollout is the top-level entity describing a staged bundle rollout across a
// fleet of nodes.
type Rollout struct {
	RolloutID            string          `json:"rollout_id" db:"rollout_id"`
	ProjectID            string          `json:"project_id" db:"project_id"`
	BundleID             string          `json:"bundle_id" db:"bundle_id"`
	Selector             Selector        `json:"selector" db:"selector"`
	Strategy             RolloutStrategy `json:"strategy" db:"strategy"`
	BatchSize            int             `json:"batch_size" db:"batch_size"`
	BatchPercentage      float64         `json:"batch_percentage" db:"batch_percentage"`
	MaxUnavailable       int             `json:"max_unavailable" db:"max_unavailable"`
	HealthGate           HealthGate      `json:"health_gate" db:"health_gate"`
	ScheduledAt          *time.Time      `json:"scheduled_at,omitempty" db:"scheduled_at"`
	RequiresApproval     bool            `json:"requires_approval" db:"requires_approval"`
	ApprovalsNeeded      int             `json:"approvals_needed" db:"approvals_needed"`
	ApprovalState        ApprovalState   `json:"approval_state" db:"approval_state"`
	ProgressDeadlineSecs int             `json:"progress_deadline_seconds" db:"progress_deadline_seconds"`
	AutoRollback         bool            `json:"auto_rollback" db:"auto_rollback"`
	RollbackThreshold    int             `json:"rollback_threshold" db:"rollback_threshold"`
	Status               RolloutStatus   `json:"status" db:"status"`
	CurrentStepIndex     int             `json:"current_step_index" db:"current_step_index"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	CreatedBy            string          `json:"created_by" db:"created_by"`
	Version              int             `json:"version" db:"version"`
	LastError            string          `json:"last_error,omitempty" db:"last_error"`
}

// Marshal/Unmarshal helpers for the JSONB-shaped fields, used by the Postgres
// store (pgx scans these columns as raw bytes/text).

func (s Selector) Value() ([]byte, error)   { return json.Marshal(s) }
func (h HealthGate) Value() ([]byte, error) { return json.Marshal(h) }

// NodeBundleStatus is this core's view of which bundle a node has been
// assigned and where it stands in the staging/activation lifecycle, as
// maintained by the Tick Driver. It is distinct from the externally-owned
// Node/Heartbeat records.
type NodeBundleStatus struct {
	NodeID       string     `json:"node_id" db:"node_id"`
	BundleID     string     `json:"bundle_id" db:"bundle_id"`
	RolloutID    string     `json:"rollout_id" db:"rollout_id"`
	State        string     `json:"state" db:"state"` // "pending", "staging", "activating", "active", "failed"
	StagedAt     *time.Time `json:"staged_at,omitempty" db:"staged_at"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	LastReportAt *time.Time `json:"last_report_at,omitempty" db:"last_report_at"`
	Error        string     `json:"error,omitempty" db:"error"`
}

// Node is the externally-owned fleet member record. The core only reads
// status/active_bundle_id/expected_bundle_id — it writes staged_bundle_id and
// expected_bundle_id as a rollout assigns and then activates a bundle.
type Node struct {
	NodeID           string            `json:"node_id" db:"node_id"`
	ProjectID        string            `json:"project_id" db:"project_id"`
	Labels           map[string]string `json:"labels" db:"labels"`
	GroupIDs         []string          `json:"group_ids,omitempty" db:"group_ids"`
	Status           string            `json:"status" db:"status"` // "online", "offline", "unknown" — externally owned
	ExpectedBundleID string            `json:"expected_bundle_id" db:"expected_bundle_id"`
	StagedBundleID   string            `json:"staged_bundle_id" db:"staged_bundle_id"`
	ActiveBundleID   string            `json:"active_bundle_id" db:"active_bundle_id"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	LastHeartbeatAt  time.Time         `json:"last_heartbeat_at" db:"last_heartbeat_at"`
}

// Heartbeat is the externally-owned liveness/health signal for a node.
type Heartbeat struct {
	NodeID        string    `json:"node_id" db:"node_id"`
	BundleID      string    `json:"bundle_id" db:"bundle_id"`
	Status        string    `json:"status" db:"status"` // "healthy", "unhealthy"
	ErrorRate     float64   `json:"error_rate" db:"error_rate"`
	LatencyP99MS  float64   `json:"latency_p99_ms" db:"latency_p99_ms"`
	CPUPercent    float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent" db:"memory_percent"`
	ReceivedAt    time.Time `json:"received_at" db:"received_at"`
}

// DriftEvent records a node whose active bundle no longer matches its
// expected bundle outside of an active rollout step.
type DriftEvent struct {
	DriftID        string     `json:"drift_id" db:"drift_id"`
	NodeID         string     `json:"node_id" db:"node_id"`
	ProjectID      string     `json:"project_id" db:"project_id"`
	ExpectedBundle string     `json:"expected_bundle" db:"expected_bundle"`
	ActualBundle   string     `json:"actual_bundle" db:"actual_bundle"`
	Severity       string     `json:"severity" db:"severity"` // "low", "medium", "high", "critical"
	DetectedAt     time.Time  `json:"detected_at" db:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Resolution     string     `json:"resolution,omitempty" db:"resolution"` // "auto_corrected", "manual", "rollout_started", "rollout_completed"
}

// RolloutJob records a dispatched unit of work (bundle assignment, health
// check, drift scan) driven by the Job Runner.
type RolloutJob struct {
	JobID      string     `json:"job_id" db:"job_id"`
	RolloutID  string     `json:"rollout_id" db:"rollout_id"`
	StepIndex  int        `json:"step_index" db:"step_index"`
	NodeID     string     `json:"node_id" db:"node_id"`
	Kind       string     `json:"kind" db:"kind"` // "assign_bundle", "health_check", "drift_scan"
	Status     string     `json:"status" db:"status"`
	Detail     string     `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
