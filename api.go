package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelcp/control-plane/apierrors"
	"github.com/sentinelcp/control-plane/approval"
	"github.com/sentinelcp/control-plane/coordination"
	"github.com/sentinelcp/control-plane/drift"
	"github.com/sentinelcp/control-plane/idempotency"
	"github.com/sentinelcp/control-plane/incident"
	"github.com/sentinelcp/control-plane/middleware"
	"github.com/sentinelcp/control-plane/observability"
	"github.com/sentinelcp/control-plane/rollout"
	"github.com/sentinelcp/control-plane/store"
	"github.com/sentinelcp/control-plane/tickengine"
)

// API wires the rollout HTTP surface to its collaborators, composing
// directly into the store and services rather than a separate
// controller layer.
type API struct {
	store    store.Store
	rollouts *rollout.Service
	gate     *approval.Gate
	engine   *tickengine.Engine
	drift    *drift.Reconciler
	elector  *coordination.LeaderElector
	wsHub    *WSHub

	idempotency *idempotency.Store

	// Storm Protection
	actionLimiter *rate.Limiter
}

func NewAPI(s store.Store, rollouts *rollout.Service, gate *approval.Gate, engine *tickengine.Engine, driftReconciler *drift.Reconciler, elector *coordination.LeaderElector, idempotencyStore *idempotency.Store, wsHub *WSHub) *API {
	return &API{
		store:       s,
		rollouts:    rollouts,
		gate:        gate,
		engine:      engine,
		drift:       driftReconciler,
		elector:     elector,
		idempotency: idempotencyStore,
		wsHub:       wsHub,
		// Allow 20 lifecycle actions/sec, burst 40 — approve/reject/pause/resume/cancel/rollback/drift-resolve.
		actionLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	writeAPIError(w, apierrors.New(apierrors.Internal, "too many requests (storm protection active)"))
}

// writeAPIError writes the {"error": {"code": ..., "message": ...}} shape
// every non-2xx response uses, deriving the status from the error code.
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierrors.Error)
	if !ok {
		apiErr = apierrors.New(apierrors.Internal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierrors.Status(apiErr.Code))
	json.NewEncoder(w).Encode(map[string]*apierrors.Error{"error": apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// -- Rollout lifecycle --

func (a *API) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	projectID, err := middleware.GetProjectFromContext(r.Context())
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.NotAuthorized, "missing project scope"))
		return
	}
	actorID, err := middleware.GetActorFromContext(r.Context())
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.NotAuthorized, "missing actor identity"))
		return
	}

	var req struct {
		BundleID             string                `json:"bundle_id"`
		TargetSelector       store.Selector        `json:"target_selector"`
		Strategy             store.RolloutStrategy `json:"strategy"`
		BatchSize            int                   `json:"batch_size"`
		BatchPercentage      float64               `json:"batch_percentage"`
		MaxUnavailable       int                   `json:"max_unavailable"`
		HealthGates          store.HealthGate      `json:"health_gates"`
		ScheduledAt          *time.Time            `json:"scheduled_at"`
		RequiresApproval     bool                  `json:"requires_approval"`
		ApprovalsNeeded      int                   `json:"approvals_needed"`
		ProgressDeadlineSecs int                   `json:"progress_deadline_seconds"`
		AutoRollback         bool                  `json:"auto_rollback"`
		RollbackThreshold    int                   `json:"rollback_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "invalid request body"))
		return
	}
	if req.BundleID == "" {
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "bundle_id is required"))
		return
	}

	r2, err := a.rollouts.Create(r.Context(), rollout.CreateInput{
		ProjectID:            projectID,
		BundleID:             req.BundleID,
		Selector:             req.TargetSelector,
		Strategy:             req.Strategy,
		BatchSize:            req.BatchSize,
		BatchPercentage:      req.BatchPercentage,
		MaxUnavailable:       req.MaxUnavailable,
		HealthGate:           req.HealthGates,
		ScheduledAt:          req.ScheduledAt,
		RequiresApproval:     req.RequiresApproval,
		ApprovalsNeeded:      req.ApprovalsNeeded,
		ProgressDeadlineSecs: req.ProgressDeadlineSecs,
		AutoRollback:         req.AutoRollback,
		RollbackThreshold:    req.RollbackThreshold,
		CreatedBy:            actorID,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, r2)
}

func (a *API) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := store.RolloutStatus(r.URL.Query().Get("state"))
	rollouts, err := a.store.ListRollouts(r.Context(), status)
	if err != nil {
		writeAPIError(w, fmt.Errorf("list rollouts: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, rollouts)
}

// rolloutDetail is the eager-loaded response body for GET .../rollouts/{id}.
type rolloutDetail struct {
	*store.Rollout
	Steps        []*store.RolloutStep      `json:"steps"`
	NodeStatuses []*store.NodeBundleStatus `json:"node_statuses"`
}

func (a *API) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rolloutID := pathSegment(r.URL.Path, 2)
	if rolloutID == "" {
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "rollout id is required"))
		return
	}

	ro, err := a.store.GetRollout(r.Context(), rolloutID)
	if err != nil {
		writeAPIError(w, fmt.Errorf("get rollout %s: %w", rolloutID, err))
		return
	}
	if ro == nil {
		writeAPIError(w, apierrors.New(apierrors.NotFound, "rollout not found"))
		return
	}

	steps, err := a.store.ListSteps(r.Context(), rolloutID)
	if err != nil {
		writeAPIError(w, fmt.Errorf("list steps for %s: %w", rolloutID, err))
		return
	}

	var nodeStatuses []*store.NodeBundleStatus
	for _, step := range steps {
		for _, nodeID := range step.NodeIDs {
			st, err := a.store.GetNodeBundleStatus(r.Context(), nodeID)
			if err != nil || st == nil {
				continue
			}
			nodeStatuses = append(nodeStatuses, st)
		}
	}

	writeJSON(w, http.StatusOK, rolloutDetail{Rollout: ro, Steps: steps, NodeStatuses: nodeStatuses})
}

// handleRolloutAction dispatches POST .../rollouts/{id}/{action}.
func (a *API) handleRolloutAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rolloutID := pathSegment(r.URL.Path, 2)
	action := pathSegment(r.URL.Path, 3)
	if rolloutID == "" || action == "" {
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "rollout id and action are required"))
		return
	}

	if !a.actionLimiter.Allow() {
		a.writeRateLimitError(w, action)
		return
	}

	switch action {
	case "pause":
		a.doAction(w, r, action, func() error { return a.rollouts.Pause(r.Context(), rolloutID) })
	case "resume":
		a.doAction(w, r, action, func() error { return a.rollouts.Resume(r.Context(), rolloutID) })
	case "cancel":
		reason := reasonFromBody(r)
		a.doAction(w, r, action, func() error { return a.rollouts.Cancel(r.Context(), rolloutID, reason) })
	case "rollback":
		reason := reasonFromBody(r)
		a.doAction(w, r, action, func() error { return a.rollouts.Rollback(r.Context(), rolloutID, reason) })
	case "approve":
		a.handleApproval(w, r, rolloutID, "approved")
	case "reject":
		a.handleApproval(w, r, rolloutID, "rejected")
	default:
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "unknown rollout action: "+action))
	}
}

func (a *API) doAction(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if err := fn(); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": action + "d"})
}

func reasonFromBody(r *http.Request) string {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	return body.Reason
}

func (a *API) handleApproval(w http.ResponseWriter, r *http.Request, rolloutID, decision string) {
	actorID, err := middleware.GetActorFromContext(r.Context())
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.NotAuthorized, "missing actor identity"))
		return
	}
	role, err := middleware.GetRoleFromContext(r.Context())
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.NotAuthorized, "missing actor role"))
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if err := a.gate.Record(r.Context(), rolloutID, actorID, role, decision, body.Comment); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": decision})
}

// -- Drift --

func (a *API) handleListDrift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := a.store.ListUnresolvedDrift(r.Context())
	if err != nil {
		writeAPIError(w, fmt.Errorf("list unresolved drift: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleResolveDrift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.actionLimiter.Allow() {
		a.writeRateLimitError(w, "drift_resolve")
		return
	}

	driftID := pathSegment(r.URL.Path, 2)
	if driftID == "" {
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "drift id is required"))
		return
	}
	if err := a.store.ResolveDriftEvent(r.Context(), driftID, "manual"); err != nil {
		writeAPIError(w, fmt.Errorf("resolve drift %s: %w", driftID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// -- Incident capture --

func (a *API) handleCaptureIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rolloutID := r.URL.Query().Get("rollout_id")
	if rolloutID == "" {
		writeAPIError(w, apierrors.New(apierrors.InvalidState, "rollout_id is required"))
		return
	}

	report, err := incident.Capture(r.Context(), a.store, a.engine.Timeline, rolloutID)
	if err != nil {
		log.Printf("incident capture failed for %s: %v", rolloutID, err)
		writeAPIError(w, fmt.Errorf("capture incident: %w", err))
		return
	}
	if report == nil {
		writeAPIError(w, apierrors.New(apierrors.NotFound, "rollout not found"))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", rolloutID))
	writeJSON(w, http.StatusOK, report)
}

// pathSegment returns the i-th "/"-separated segment of path, or "" if short.
func pathSegment(path string, i int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}
