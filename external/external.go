// Package external defines the collaborators this core consumes but does not
// own: the bundle compiler/registry, notifications, and audit logging. Node
// registry and heartbeat ingestion are also out of scope, but this core reads
// their output (store.Node, store.Heartbeat) directly out of its own store
// rather than over HTTP — see store.Store.GetLatestHeartbeat — since a
// per-node HTTP round trip on every gate evaluation would blow the tick's
// bounded-work budget. HTTP calls here use a bounded-timeout client,
// fire-and-forget where the caller doesn't need the result and synchronous
// otherwise.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// BundleService reports on and assigns compiled proxy bundles. Consumed,
// never implemented by this core (bundle compilation is out of scope).
type BundleService interface {
	GetBundle(ctx context.Context, bundleID string) (*BundleInfo, error)
	AssignBundleToNodes(ctx context.Context, bundleID string, nodeIDs []string) error
}

type BundleInfo struct {
	BundleID string `json:"id"`
	Version  string `json:"version"`
	Status   string `json:"status"` // pending, compiling, compiled, failed, revoked
	Checksum string `json:"checksum"`
}

// Notifications delivers best-effort, fire-and-forget alerts.
type Notifications interface {
	NotifyDriftDetected(ctx context.Context, nodeID, driftID, severity string)
	NotifyDriftThresholdExceeded(ctx context.Context, projectID string, driftedCount, managedCount int)
}

// Audit records fire-and-forget action log entries. Never blocks control
// flow: logging is observability, not control flow.
type Audit interface {
	Log(ctx context.Context, actor, action, resourceType, resourceID string, metadata map[string]interface{})
}

// HTTPClient is the default collaborator implementation: bounded-timeout
// HTTP calls against a configured base URL.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPClient) GetBundle(ctx context.Context, bundleID string) (*BundleInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/bundles/%s", c.BaseURL, bundleID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", bundleID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get bundle %s: status %d", bundleID, resp.StatusCode)
	}
	var info BundleInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", bundleID, err)
	}
	return &info, nil
}

func (c *HTTPClient) AssignBundleToNodes(ctx context.Context, bundleID string, nodeIDs []string) error {
	payload, err := json.Marshal(map[string]interface{}{"bundle_id": bundleID, "node_ids": nodeIDs})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/bundles/assign", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("assign bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("assign bundle: status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifications is a best-effort stdout implementation of Notifications,
// used when no external notification sink is configured. Mirrors
// streaming.LogPublisher's role as the no-dependency fallback.
type LogNotifications struct{}

func (LogNotifications) NotifyDriftDetected(ctx context.Context, nodeID, driftID, severity string) {
	log.Printf("[NOTIFY] drift_detected node=%s drift=%s severity=%s", nodeID, driftID, severity)
}

func (LogNotifications) NotifyDriftThresholdExceeded(ctx context.Context, projectID string, driftedCount, managedCount int) {
	log.Printf("[NOTIFY] drift_threshold_exceeded project=%s drifted=%d managed=%d", projectID, driftedCount, managedCount)
}

// LogAudit is a best-effort stdout implementation of Audit.
type LogAudit struct{}

func (LogAudit) Log(ctx context.Context, actor, action, resourceType, resourceID string, metadata map[string]interface{}) {
	b, _ := json.Marshal(metadata)
	log.Printf("[AUDIT] actor=%s action=%s resource=%s/%s metadata=%s", actor, action, resourceType, resourceID, string(b))
}
