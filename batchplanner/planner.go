// Package batchplanner splits a resolved target set into the ordered
// RolloutStep batches a Rollout will walk through. Like targetresolver it is
// pure: no I/O, no clock reads, so the Tick Driver and its tests can call it
// freely.
package batchplanner

import (
	"fmt"
	"math"
	"time"

	"github.com/sentinelcp/control-plane/store"
)

// Plan splits nodeIDs (already in deterministic order from targetresolver)
// into steps. strategy "all_at_once" produces a single batch of every node,
// regardless of batchSize/batchPercentage. strategy "rolling" (the default)
// chunks nodeIDs by batchSize, or by ceil(batchPercentage% of the full
// target set) when batchSize is zero. progressDeadline, if non-zero, is
// stamped onto every step as its initial deadline once it starts running
// (callers set ProgressDeadline when the step transitions to running, not
// here — Plan only decides membership and ordering).
func Plan(rolloutID string, nodeIDs []string, strategy store.RolloutStrategy, batchSize int, batchPercentage float64) ([]*store.RolloutStep, error) {
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("cannot plan a rollout with zero target nodes")
	}

	size := len(nodeIDs)
	if strategy != store.StrategyAllAtOnce {
		size = batchSize
		if size <= 0 {
			if batchPercentage <= 0 || batchPercentage > 100 {
				return nil, fmt.Errorf("rollout must set either batch_size or a valid batch_percentage")
			}
			size = int(math.Ceil(batchPercentage / 100 * float64(len(nodeIDs))))
			if size <= 0 {
				size = 1
			}
		}
		if size > len(nodeIDs) {
			size = len(nodeIDs)
		}
	}

	var steps []*store.RolloutStep
	for i, idx := 0, 0; i < len(nodeIDs); i += size {
		end := i + size
		if end > len(nodeIDs) {
			end = len(nodeIDs)
		}
		batch := make([]string, end-i)
		copy(batch, nodeIDs[i:end])

		steps = append(steps, &store.RolloutStep{
			RolloutID: rolloutID,
			StepIndex: idx,
			NodeIDs:   batch,
			Status:    store.StepPending,
			Version:   1,
		})
		idx++
	}
	return steps, nil
}

// Deadline computes the wall-clock deadline for a step once it starts,
// using the rollout's configured progress deadline in seconds. A zero
// deadline means "no deadline" and callers should not call this.
func Deadline(progressDeadlineSecs int, now time.Time) time.Time {
	return now.Add(time.Duration(progressDeadlineSecs) * time.Second)
}
