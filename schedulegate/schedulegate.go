// Package schedulegate implements the Schedule Gate: the only
// writer that converts a scheduled rollout into running. Shaped like the
// teacher's coordination.LockJanitor — a ticker-driven background loop.
package schedulegate

import (
	"context"
	"log"
	"time"

	"github.com/sentinelcp/control-plane/jobs"
	"github.com/sentinelcp/control-plane/store"
)

// releaser is the subset of approval.Gate the Schedule Gate needs — kept as
// an interface so this package doesn't import approval directly and the two
// can be tested independently.
type releaser interface {
	Release(ctx context.Context, r *store.Rollout) error
}

type Gate struct {
	store    store.Store
	approval releaser
	runner   *jobs.Runner
	interval time.Duration
}

func New(s store.Store, approvalGate releaser, runner *jobs.Runner, interval time.Duration) *Gate {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Gate{store: s, approval: approvalGate, runner: runner, interval: interval}
}

func (g *Gate) Start(ctx context.Context) {
	go g.loop(ctx)
}

func (g *Gate) loop(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

// sweep selects pending rollouts whose approval state allows release and
// whose scheduled_at has arrived, then releases them. This is the only
// writer that converts a scheduled rollout into running: a rollout with no
// scheduled_at was already released directly, by the Approval Gate or at
// creation time.
func (g *Gate) sweep(ctx context.Context) {
	rollouts, err := g.store.ListRollouts(ctx, store.RolloutPending)
	if err != nil {
		log.Printf("schedulegate: list pending rollouts failed: %v", err)
		return
	}

	now := time.Now()
	for _, r := range rollouts {
		if r.ScheduledAt == nil || r.ScheduledAt.After(now) {
			continue
		}
		if r.ApprovalState != store.ApprovalNotRequired && r.ApprovalState != store.ApprovalApproved {
			continue
		}
		if err := g.approval.Release(ctx, r); err != nil {
			log.Printf("schedulegate: release rollout %s failed: %v", r.RolloutID, err)
		}
	}
}
