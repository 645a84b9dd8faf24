// Package incident builds a debuggable snapshot of a rollout's state at the
// moment something went wrong: the rollout, its steps, per-node bundle
// status, and the Tick Driver's decision timeline for it.
package incident

import (
	"context"
	"time"

	"github.com/sentinelcp/control-plane/store"
	"github.com/sentinelcp/control-plane/timeline"
)

// Report represents a captured failure context for debugging a rollout.
type Report struct {
	RolloutID    string                     `json:"rollout_id"`
	Rollout      *store.Rollout             `json:"rollout"`
	Steps        []*store.RolloutStep       `json:"steps"`
	NodeStatuses []*store.NodeBundleStatus  `json:"node_statuses"`
	Events       []timeline.TickEvent       `json:"events"`
	CapturedAt   time.Time                  `json:"captured_at"`
	Analysis     string                     `json:"analysis,omitempty"`
}

// StoreInterface defines the read dependencies capture needs.
type StoreInterface interface {
	GetRollout(ctx context.Context, rolloutID string) (*store.Rollout, error)
	ListSteps(ctx context.Context, rolloutID string) ([]*store.RolloutStep, error)
	GetNodeBundleStatus(ctx context.Context, nodeID string) (*store.NodeBundleStatus, error)
}

// TimelineInterface defines the timeline dependency.
type TimelineInterface interface {
	GetEventsByRollout(rolloutID string) []timeline.TickEvent
}

// Capture gathers everything relevant to debugging one rollout's failure:
// its record, its steps, every targeted node's current bundle status, and
// the full tick decision history for it.
func Capture(ctx context.Context, s StoreInterface, tl TimelineInterface, rolloutID string) (*Report, error) {
	rollout, err := s.GetRollout(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if rollout == nil {
		return nil, nil
	}

	steps, err := s.ListSteps(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	var nodeStatuses []*store.NodeBundleStatus
	for _, step := range steps {
		for _, nodeID := range step.NodeIDs {
			st, err := s.GetNodeBundleStatus(ctx, nodeID)
			if err != nil {
				continue
			}
			if st != nil {
				nodeStatuses = append(nodeStatuses, st)
			}
		}
	}

	events := tl.GetEventsByRollout(rolloutID)

	return &Report{
		RolloutID:    rolloutID,
		Rollout:      rollout,
		Steps:        steps,
		NodeStatuses: nodeStatuses,
		Events:       events,
		CapturedAt:   time.Now(),
	}, nil
}
