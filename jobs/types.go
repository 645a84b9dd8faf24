package jobs

import "time"

// Queue names recognized by the Runner.
const (
	QueueDefault     = "default"
	QueueRollouts    = "rollouts"
	QueueMaintenance = "maintenance"
)

// Job is a unit of background work dispatched on one of the named queues.
type Job struct {
	JobID       string
	Queue       string
	Kind        string // "tick", "drift_scan", "schedule_gate_sweep"
	RolloutID   string
	Priority    int // 0 (critical) .. 10 (background)
	Attempt     int
	MaxAttempts int
	SubmitTime  time.Time // for priority aging
	EnqueuedAt  time.Time // for admission-wait telemetry
	RunAt       time.Time // scheduled delivery time
	UniqueKey   string    // non-empty enables the dedup window
}

// RunnerMode is the Runner's operating posture under load.
type RunnerMode string

const (
	ModeNormal   RunnerMode = "NORMAL"
	ModeDegraded RunnerMode = "DEGRADED"  // reject low-priority, shed load
	ModeReadOnly RunnerMode = "READ_ONLY" // accept no new jobs, process existing
	ModeDraining RunnerMode = "DRAINING"  // accept no new jobs, finish existing
)

// Decision is the structured log entry for runner admission/dispatch decisions.
type Decision struct {
	Queue     string      `json:"queue"`
	Decision  string      `json:"decision"` // DISPATCH, RATE_LIMIT_DELAY, CIRCUIT_REJECT, DEDUP_SKIP
	JobID     string      `json:"job_id"`
	RolloutID string      `json:"rollout_id,omitempty"`
	Priority  int         `json:"priority"`
	DelayMS   int64       `json:"delay_ms,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

// QueueConfig configures one named queue's concurrency budget.
type QueueConfig struct {
	MaxConcurrency          int
	CircuitBreakerThreshold int
}

// DefaultQueueConfigs returns the per-queue worker budgets.
func DefaultQueueConfigs() map[string]QueueConfig {
	return map[string]QueueConfig{
		QueueDefault:     {MaxConcurrency: 10, CircuitBreakerThreshold: 1000},
		QueueRollouts:    {MaxConcurrency: 5, CircuitBreakerThreshold: 500},
		QueueMaintenance: {MaxConcurrency: 2, CircuitBreakerThreshold: 200},
	}
}
