// Package jobs implements a priority job runner (heap-based priority queue,
// token-bucket limiter, circuit breaker) over named queues: default, rollouts,
// maintenance, each with its own concurrency budget, scheduled delivery, and
// a Redis-backed uniqueness window for dedup (used by the Drift Reconciler
// to prevent re-entrant scans).
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelcp/control-plane/store"
)

// Handler processes one job. Returning an error marks the job failed; the
// Runner retries up to j.MaxAttempts by re-enqueueing with a short backoff.
type Handler func(ctx context.Context, j *Job) error

// Runner owns the named queues and their worker pools.
type Runner struct {
	queues   map[string]*Queue
	breakers map[string]*CircuitBreaker
	configs  map[string]QueueConfig
	active   map[string]*int32

	coordinator store.Coordinator // nil disables the uniqueness window
	dedupWindow time.Duration

	handler Handler

	// Inline runs every enqueued job synchronously in the caller's
	// goroutine instead of dispatching to a worker pool — the direct analog
	// just without the `go`. Used by tests.
	Inline bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner with the default per-queue concurrency
// budgets. coordinator may be nil (disables dedup, useful for Inline test mode).
func NewRunner(coordinator store.Coordinator, handler Handler) *Runner {
	configs := DefaultQueueConfigs()
	r := &Runner{
		queues:      make(map[string]*Queue),
		breakers:    make(map[string]*CircuitBreaker),
		configs:     configs,
		active:      make(map[string]*int32),
		coordinator: coordinator,
		dedupWindow: 30 * time.Second,
		handler:     handler,
		stopCh:      make(chan struct{}),
	}
	for name, cfg := range configs {
		r.queues[name] = NewQueue()
		r.breakers[name] = NewCircuitBreaker(cfg.CircuitBreakerThreshold)
		zero := int32(0)
		r.active[name] = &zero
	}
	return r
}

// Start spawns the worker pool for every named queue. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	if r.Inline {
		return
	}
	for name, cfg := range r.configs {
		for i := 0; i < cfg.MaxConcurrency; i++ {
			r.wg.Add(1)
			go r.worker(ctx, name)
		}
	}
}

// Stop signals every worker to drain and exit, and waits for them.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, queue string) {
	defer r.wg.Done()
	q := r.queues[queue]
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		j := q.Pop()
		if j == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		r.dispatch(ctx, queue, j)
	}
}

func (r *Runner) dispatch(ctx context.Context, queue string, j *Job) {
	active := atomic.AddInt32(r.active[queue], 1)
	defer atomic.AddInt32(r.active[queue], -1)

	saturation := float64(active) / float64(r.configs[queue].MaxConcurrency)
	breaker := r.breakers[queue]
	if !breaker.ShouldAdmit(r.queues[queue].Len(), saturation) {
		logDecision(Decision{Queue: queue, Decision: "CIRCUIT_REJECT", JobID: j.JobID, RolloutID: j.RolloutID, Priority: j.Priority})
		r.retryOrDrop(j, "circuit_open")
		return
	}

	logDecision(Decision{Queue: queue, Decision: "DISPATCH", JobID: j.JobID, RolloutID: j.RolloutID, Priority: j.Priority})

	if err := r.handler(ctx, j); err != nil {
		breaker.RecordFailure()
		log.Printf("jobs: handler failed for %s (queue=%s kind=%s): %v", j.JobID, queue, j.Kind, err)
		r.retryOrDrop(j, err.Error())
		return
	}
	breaker.RecordSuccess()
}

func (r *Runner) retryOrDrop(j *Job, reason string) {
	j.Attempt++
	if j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts {
		log.Printf("jobs: job %s exhausted retries (attempt=%d reason=%s)", j.JobID, j.Attempt, reason)
		return
	}
	backoff := time.Duration(j.Attempt) * time.Second
	r.queues[j.Queue].PushDelayed(j, backoff)
}

// Enqueue admits a job onto its named queue. If j.UniqueKey is set and a
// coordinator is configured, a duplicate within the dedup window is silently
// skipped — this is the Drift Reconciler's re-entrant-run guard.
func (r *Runner) Enqueue(ctx context.Context, j *Job) error {
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if j.Queue == "" {
		j.Queue = QueueDefault
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	j.SubmitTime = time.Now()
	j.EnqueuedAt = time.Now()

	if j.UniqueKey != "" && r.coordinator != nil {
		ok, err := r.coordinator.SetNX(ctx, dedupKey(j.Queue, j.UniqueKey), j.JobID, r.dedupWindow)
		if err != nil {
			return fmt.Errorf("jobs: dedup check failed: %w", err)
		}
		if !ok {
			logDecision(Decision{Queue: j.Queue, Decision: "DEDUP_SKIP", JobID: j.JobID, RolloutID: j.RolloutID, Reason: "unique_key_in_window"})
			return nil
		}
	}

	if r.Inline {
		return r.handler(ctx, j)
	}

	q, ok := r.queues[j.Queue]
	if !ok {
		return fmt.Errorf("jobs: unknown queue %q", j.Queue)
	}

	var delay time.Duration
	if !j.RunAt.IsZero() {
		delay = time.Until(j.RunAt)
	}
	q.PushDelayed(j, delay)
	return nil
}

func dedupKey(queue, key string) string {
	return queue + ":" + key
}

func logDecision(d Decision) {
	b, _ := json.Marshal(d)
	log.Printf("[JOBS] %s", string(b))
}
