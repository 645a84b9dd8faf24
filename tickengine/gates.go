package tickengine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sentinelcp/control-plane/store"
)

// evaluateGates checks every enabled gate on r.HealthGate against the
// latest heartbeat of each node in step, plus any custom HTTP health checks.
// All enabled gates must pass for all nodes in the step; a single failing
// node fails the whole gate; all enabled gates must pass over the step's
// available nodes.
func (e *Engine) evaluateGates(ctx context.Context, r *store.Rollout, step *store.RolloutStep) (bool, string) {
	gate := r.HealthGate

	for _, nodeID := range step.NodeIDs {
		node, err := e.store.GetNode(ctx, nodeID)
		if err != nil {
			return false, fmt.Sprintf("node_lookup_error:%s", nodeID)
		}
		// max_unavailable tolerance excludes offline/unknown nodes from gate
		// evaluation once the step has already accepted their unavailability.
		if r.MaxUnavailable > 0 && node != nil && (node.Status == "offline" || node.Status == "unknown") {
			continue
		}

		hb, err := e.store.GetLatestHeartbeat(ctx, nodeID)
		if err != nil {
			return false, fmt.Sprintf("heartbeat_lookup_error:%s", nodeID)
		}
		if hb == nil {
			return false, fmt.Sprintf("no_heartbeat:%s", nodeID)
		}
		if gate.HeartbeatHealthy && hb.Status != "healthy" {
			return false, fmt.Sprintf("heartbeat_unhealthy:%s", nodeID)
		}
		if gate.MaxErrorRate > 0 && hb.ErrorRate > gate.MaxErrorRate {
			return false, fmt.Sprintf("max_error_rate_exceeded:%s", nodeID)
		}
		if gate.MaxLatencyMS > 0 && hb.LatencyP99MS > gate.MaxLatencyMS {
			return false, fmt.Sprintf("max_latency_exceeded:%s", nodeID)
		}
		if gate.MaxCPUPercent > 0 && hb.CPUPercent > gate.MaxCPUPercent {
			return false, fmt.Sprintf("max_cpu_exceeded:%s", nodeID)
		}
		if gate.MaxMemoryPercent > 0 && hb.MemoryPercent > gate.MaxMemoryPercent {
			return false, fmt.Sprintf("max_memory_exceeded:%s", nodeID)
		}
	}

	for _, check := range gate.CustomHealthChecks {
		if err := e.runCustomHealthCheck(ctx, check); err != nil {
			return false, fmt.Sprintf("custom_health_check_failed:%s:%v", check.Name, err)
		}
	}

	return true, ""
}

// runCustomHealthCheck invokes a single step-level custom endpoint once,
// using the endpoint's own timeout and expected status. This resolves Open
// Question (c): one invocation per step per listed endpoint, not per node.
func (e *Engine) runCustomHealthCheck(ctx context.Context, check store.HealthCheckSpec) error {
	timeout := time.Duration(check.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := &http.Client{Timeout: timeout}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, check.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	expected := check.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return fmt.Errorf("got status %d, expected %d", resp.StatusCode, expected)
	}
	return nil
}
