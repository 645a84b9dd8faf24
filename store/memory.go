package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used by tests and
// local/dev mode. It is not durable and does not shard.
type MemoryStore struct {
	mu sync.RWMutex

	rollouts   map[string]*Rollout
	steps      map[string]map[int]*RolloutStep // rolloutID -> stepIndex -> step
	approvals  map[string][]*RolloutApproval    // rolloutID:stepIndex -> approvals
	bundles    map[string]*Bundle
	nodes      map[string]*Node
	heartbeats map[string]*Heartbeat
	nbs        map[string]*NodeBundleStatus
	drift      map[string]*DriftEvent
	jobs       map[string]*RolloutJob
	epochs     map[string]int64
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollouts:   make(map[string]*Rollout),
		steps:      make(map[string]map[int]*RolloutStep),
		approvals:  make(map[string][]*RolloutApproval),
		bundles:    make(map[string]*Bundle),
		nodes:      make(map[string]*Node),
		heartbeats: make(map[string]*Heartbeat),
		nbs:        make(map[string]*NodeBundleStatus),
		drift:      make(map[string]*DriftEvent),
		jobs:       make(map[string]*RolloutJob),
		epochs:     make(map[string]int64),
	}
}

// SeedBundle and SeedNode let tests populate the externally-owned records
// this store only reads/partially writes.
func (s *MemoryStore) SeedBundle(b *Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.BundleID] = b
}

func (s *MemoryStore) SeedNode(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.NodeID] = n
}

func (s *MemoryStore) SeedHeartbeat(h *Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[h.NodeID] = h
}

// --- Rollout operations ---

func (s *MemoryStore) CreateRollout(ctx context.Context, r *Rollout, steps []*RolloutStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rollouts[r.RolloutID]; exists {
		return ErrVersionConflict
	}
	r.Version = 1
	rCopy := *r
	s.rollouts[r.RolloutID] = &rCopy

	byIndex := make(map[int]*RolloutStep, len(steps))
	for _, st := range steps {
		st.Version = 1
		stCopy := *st
		byIndex[st.StepIndex] = &stCopy
	}
	s.steps[r.RolloutID] = byIndex
	return nil
}

func (s *MemoryStore) GetRollout(ctx context.Context, rolloutID string) (*Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rollouts[rolloutID]
	if !ok {
		return nil, nil
	}
	rCopy := *r
	return &rCopy, nil
}

func (s *MemoryStore) ListRollouts(ctx context.Context, status RolloutStatus) ([]*Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Rollout, 0)
	for _, r := range s.rollouts {
		if status == "" || r.Status == status {
			rCopy := *r
			result = append(result, &rCopy)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateRolloutStatus(ctx context.Context, rolloutID string, status RolloutStatus, lastError string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[rolloutID]
	if !ok {
		return ErrNotFound
	}
	if r.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.Status = status
	r.LastError = lastError
	r.UpdatedAt = time.Now()
	r.Version++
	return nil
}

func (s *MemoryStore) UpdateApprovalState(ctx context.Context, rolloutID string, state ApprovalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rollouts[rolloutID]
	if !ok {
		return ErrNotFound
	}
	r.ApprovalState = state
	return nil
}

// --- Step operations ---

func (s *MemoryStore) GetStep(ctx context.Context, rolloutID string, stepIndex int) (*RolloutStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byIndex, ok := s.steps[rolloutID]
	if !ok {
		return nil, nil
	}
	st, ok := byIndex[stepIndex]
	if !ok {
		return nil, nil
	}
	stCopy := *st
	return &stCopy, nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, rolloutID string) ([]*RolloutStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byIndex, ok := s.steps[rolloutID]
	if !ok {
		return nil, nil
	}
	result := make([]*RolloutStep, 0, len(byIndex))
	for _, st := range byIndex {
		stCopy := *st
		result = append(result, &stCopy)
	}
	return result, nil
}

func (s *MemoryStore) UpdateStepStatus(ctx context.Context, rolloutID string, stepIndex int, status StepStatus, lastError string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.steps[rolloutID]
	if !ok {
		return ErrNotFound
	}
	st, ok := byIndex[stepIndex]
	if !ok {
		return ErrNotFound
	}
	if st.Version != expectedVersion {
		return ErrVersionConflict
	}

	st.Status = status
	st.LastError = lastError
	now := time.Now()
	switch status {
	case StepRunning:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
	case StepCompleted, StepFailed, StepSkipped:
		st.CompletedAt = &now
	}
	st.Version++
	return nil
}

func (s *MemoryStore) IncrementStepFailedNodeCount(ctx context.Context, rolloutID string, stepIndex int, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.steps[rolloutID]
	if !ok {
		return ErrNotFound
	}
	st, ok := byIndex[stepIndex]
	if !ok {
		return ErrNotFound
	}
	st.FailedNodeCount += delta
	return nil
}

// CompleteStep is the single-transaction write resolving Open Question (a):
// step -> completed, rollout current_step_index advanced (or rollout
// completed), NodeBundleStatus -> active, and node.expected_bundle_id set,
// all under one critical section.
func (s *MemoryStore) CompleteStep(ctx context.Context, rolloutID string, stepIndex int, bundleID string, nodeIDs []string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIndex, ok := s.steps[rolloutID]
	if !ok {
		return ErrNotFound
	}
	st, ok := byIndex[stepIndex]
	if !ok {
		return ErrNotFound
	}
	if st.Version != expectedVersion {
		return ErrVersionConflict
	}
	r, ok := s.rollouts[rolloutID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	st.Status = StepCompleted
	st.CompletedAt = &now
	st.Version++

	for _, nodeID := range nodeIDs {
		s.nbs[nodeID] = &NodeBundleStatus{
			NodeID:       nodeID,
			BundleID:     bundleID,
			RolloutID:    rolloutID,
			State:        "active",
			ActivatedAt:  &now,
			VerifiedAt:   &now,
			LastReportAt: &now,
		}
		if n, ok := s.nodes[nodeID]; ok {
			n.ExpectedBundleID = bundleID
		}
	}

	isLast := true
	for idx := range byIndex {
		if idx > stepIndex {
			isLast = false
			break
		}
	}
	if isLast {
		r.Status = RolloutCompleted
	} else {
		r.CurrentStepIndex = stepIndex + 1
	}
	r.UpdatedAt = now
	r.Version++
	return nil
}

// --- Approval operations ---

func (s *MemoryStore) RecordApproval(ctx context.Context, a *RolloutApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := approvalKey(a.RolloutID, a.StepIndex)
	aCopy := *a
	if aCopy.DecidedAt.IsZero() {
		aCopy.DecidedAt = time.Now()
	}
	s.approvals[key] = append(s.approvals[key], &aCopy)
	return nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, rolloutID string, stepIndex int) ([]*RolloutApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := approvalKey(rolloutID, stepIndex)
	result := make([]*RolloutApproval, len(s.approvals[key]))
	copy(result, s.approvals[key])
	return result, nil
}

func approvalKey(rolloutID string, stepIndex int) string {
	return rolloutID + ":" + strconv.Itoa(stepIndex)
}

// --- Bundle operations ---

func (s *MemoryStore) GetBundle(ctx context.Context, bundleID string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[bundleID]
	if !ok {
		return nil, nil
	}
	bCopy := *b
	return &bCopy, nil
}

// --- Node operations ---

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	nCopy := *n
	return &nCopy, nil
}

func (s *MemoryStore) ListNodesByProject(ctx context.Context, projectID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Node, 0)
	for _, n := range s.nodes {
		if n.ProjectID == projectID {
			nCopy := *n
			result = append(result, &nCopy)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListAllNodes(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nCopy := *n
		result = append(result, &nCopy)
	}
	return result, nil
}

func (s *MemoryStore) SetExpectedBundle(ctx context.Context, nodeID string, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.ExpectedBundleID = bundleID
	return nil
}

func (s *MemoryStore) SetStagedBundle(ctx context.Context, nodeID string, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.StagedBundleID = bundleID
	return nil
}

func (s *MemoryStore) ClearStagedBundle(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.StagedBundleID == bundleID {
			n.StagedBundleID = ""
		}
	}
	return nil
}

func (s *MemoryStore) GetLatestHeartbeat(ctx context.Context, nodeID string) (*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.heartbeats[nodeID]
	if !ok {
		return nil, nil
	}
	hCopy := *h
	return &hCopy, nil
}

// --- NodeBundleStatus operations ---

func (s *MemoryStore) GetNodeBundleStatus(ctx context.Context, nodeID string) (*NodeBundleStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.nbs[nodeID]
	if !ok {
		return nil, nil
	}
	stCopy := *st
	return &stCopy, nil
}

func (s *MemoryStore) UpsertNodeBundleStatus(ctx context.Context, st *NodeBundleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stCopy := *st
	s.nbs[st.NodeID] = &stCopy
	return nil
}

// --- Drift operations ---

func (s *MemoryStore) CreateDriftEvent(ctx context.Context, d *DriftEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dCopy := *d
	s.drift[d.DriftID] = &dCopy
	return nil
}

func (s *MemoryStore) ListUnresolvedDrift(ctx context.Context) ([]*DriftEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*DriftEvent, 0)
	for _, d := range s.drift {
		if d.ResolvedAt == nil {
			dCopy := *d
			result = append(result, &dCopy)
		}
	}
	return result, nil
}

func (s *MemoryStore) ResolveDriftEvent(ctx context.Context, driftID string, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drift[driftID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	d.ResolvedAt = &now
	d.Resolution = resolution
	return nil
}

// --- Job history ---

func (s *MemoryStore) CreateJob(ctx context.Context, j *RolloutJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jCopy := *j
	s.jobs[j.JobID] = &jCopy
	return nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status string, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.Detail = detail
	now := time.Now()
	switch status {
	case "running":
		j.StartedAt = &now
	case "completed", "failed":
		j.FinishedAt = &now
	}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*RolloutJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	jCopy := *j
	return &jCopy, nil
}

// --- Coordination ---

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
