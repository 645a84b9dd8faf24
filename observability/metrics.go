package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobQueueDepth tracks the number of pending jobs per named queue.
	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_job_queue_depth",
		Help: "Current number of jobs in a named queue",
	}, []string{"queue"})

	// TickDecisions tracks the number of tick-engine decisions made by type.
	TickDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_tick_decisions_total",
		Help: "Total number of tick-engine decisions made",
	}, []string{"action", "reason"})

	// TickFailures tracks ticks that failed a rollout (deadline or bundle revoked).
	TickFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_tick_failures_total",
		Help: "Total number of ticks that failed a rollout",
	}, []string{"reason"})

	// TickLoopDuration tracks the duration of a single tick.
	TickLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinelcp_tick_duration_seconds",
		Help:    "Duration of a single tick-engine invocation",
		Buckets: prometheus.DefBuckets,
	})

	// JobOldestAge tracks the age of the oldest job in a queue.
	JobOldestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_job_oldest_age_seconds",
		Help: "Age of the oldest job in a queue, in seconds",
	}, []string{"queue"})

	// JobRunnerMode tracks the current operating mode per queue.
	JobRunnerMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_job_runner_mode",
		Help: "Current job runner mode (1=Normal, 2=Degraded, 3=ReadOnly, 4=Draining)",
	}, []string{"queue", "mode"})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"replica_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"replica_id", "event"})

	// TickTimeouts tracks ticks forcibly terminated due to a hard wall-clock timeout.
	TickTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_tick_timeouts_total",
		Help: "Ticks forcibly terminated due to timeout",
	}, []string{"rollout_id", "timeout_reason"}) // timeout_reason: runtime_limit, leadership_loss, shutdown

	// TickRuntimeSeconds tracks the execution time of a tick (for tuning the kill switch).
	TickRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinelcp_tick_runtime_seconds",
		Help:    "Tick execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
	})

	// JobRunnerQueueDepth tracks current total queue depth (circuit breaker signal).
	JobRunnerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinelcp_job_runner_queue_depth",
		Help: "Current total number of jobs across all queues",
	})

	// JobRunnerWorkerSaturation tracks worker utilization (circuit breaker signal).
	JobRunnerWorkerSaturation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_job_runner_worker_saturation",
		Help: "Ratio of active workers to max concurrency (0.0-1.0) per queue",
	}, []string{"queue"})

	// JobRunnerRejections tracks jobs rejected by the runner's admission control.
	JobRunnerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_job_runner_rejections_total",
		Help: "Jobs rejected by job-runner admission control",
	}, []string{"queue", "reason"}) // circuit_open, not_leader, degraded_mode

	// JobRunnerCircuitState tracks circuit breaker state per queue.
	JobRunnerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_job_runner_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"queue"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})

	// RolloutIntentAgeSeconds tracks how long a rollout sat before its first tick.
	// "North Star" pilot metric: time from created/approved to first tick.
	RolloutIntentAgeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinelcp_rollout_intent_age_seconds",
		Help:    "Age of a rollout from creation/approval to first tick",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// JobRetries tracks the total number of job retry attempts.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinelcp_job_retries_total",
		Help: "Total number of job retry attempts",
	})

	// JobSuccesses tracks the total number of successfully completed jobs.
	JobSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinelcp_job_success_total",
		Help: "Total number of successfully completed jobs",
	})

	// RolloutsActive tracks the count of rollouts currently in each state.
	RolloutsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinelcp_rollouts_active",
		Help: "Current number of rollouts in each state",
	}, []string{"state"})

	// JobAdmissionWaitSeconds tracks time jobs wait in queue before being picked up.
	JobAdmissionWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinelcp_job_admission_wait_seconds",
		Help:    "Time jobs wait in queue before being picked up by a worker",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"queue"})

	// DriftEventsDetected tracks newly-detected drift events by severity.
	DriftEventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_drift_events_detected_total",
		Help: "Total number of drift events detected",
	}, []string{"severity"})

	// DriftEventsResolved tracks resolved drift events by resolution kind.
	DriftEventsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_drift_events_resolved_total",
		Help: "Total number of drift events resolved",
	}, []string{"resolution"})

	// DriftUnresolvedCount tracks the current number of unresolved drift events.
	DriftUnresolvedCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinelcp_drift_unresolved_count",
		Help: "Current number of unresolved drift events",
	})

	// LeadershipTransitionDuration tracks time taken for leadership transitions.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinelcp_leader_transition_duration_seconds",
		Help:    "Time taken for leadership transition (step-down to become-leader)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// APIRateLimited tracks API requests rejected by the storm-protection rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinelcp_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"}) // approve, pause, cancel, rollback, drift_resolve

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinelcp_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// VersionedWriteSuccess tracks successful compare-and-swap writes.
	VersionedWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinelcp_versioned_write_success_total",
		Help: "Total number of successful versioned (CAS) writes",
	})

	// VersionedWriteConflict tracks version conflicts detected.
	VersionedWriteConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinelcp_versioned_write_conflict_total",
		Help: "Total number of version conflicts detected",
	})

	// LeaderStatus tracks current leader status for this replica.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinelcp_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// IdempotencyLockAcquired tracks idempotency locks acquired.
	IdempotencyLockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinelcp_idempotency_lock_acquired_total",
		Help: "Total number of idempotency locks acquired",
	})

	// IdempotencyLockExpired tracks idempotency locks that expired before completion.
	IdempotencyLockExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinelcp_idempotency_lock_expired_total",
		Help: "Total number of idempotency locks that expired",
	})

	// ConnectedNodes tracks the number of nodes with a recent heartbeat.
	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinelcp_connected_nodes",
		Help: "Current number of nodes with a recent heartbeat",
	})
)
