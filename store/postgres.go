package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over a pgx connection pool. Row versioning
// follows an `UPDATE ... WHERE version = $expected` compare-and-swap pattern
// for rollout/step state transitions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres using the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Rollout operations ---

func (s *PostgresStore) CreateRollout(ctx context.Context, r *Rollout, steps []*RolloutStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	selectorJSON, _ := json.Marshal(r.Selector)
	gateJSON, _ := json.Marshal(r.HealthGate)

	_, err = tx.Exec(ctx, `
		INSERT INTO rollouts (
			rollout_id, project_id, bundle_id, selector, strategy, batch_size, batch_percentage,
			max_unavailable, health_gate, scheduled_at, requires_approval, approvals_needed,
			approval_state, progress_deadline_seconds, auto_rollback, rollback_threshold, status,
			current_step_index, created_at, updated_at, created_by, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,1)
	`, r.RolloutID, r.ProjectID, r.BundleID, selectorJSON, r.Strategy, r.BatchSize, r.BatchPercentage,
		r.MaxUnavailable, gateJSON, r.ScheduledAt, r.RequiresApproval, r.ApprovalsNeeded,
		r.ApprovalState, r.ProgressDeadlineSecs, r.AutoRollback, r.RollbackThreshold, r.Status,
		r.CurrentStepIndex, r.CreatedAt, r.UpdatedAt, r.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert rollout: %w", err)
	}

	for _, st := range steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO rollout_steps (rollout_id, step_index, node_ids, status, progress_deadline, version)
			VALUES ($1,$2,$3,$4,$5,1)
		`, st.RolloutID, st.StepIndex, st.NodeIDs, st.Status, st.ProgressDeadline)
		if err != nil {
			return fmt.Errorf("insert rollout step %d: %w", st.StepIndex, err)
		}
	}

	return tx.Commit(ctx)
}

const rolloutColumns = `rollout_id, project_id, bundle_id, selector, strategy, batch_size, batch_percentage,
	max_unavailable, health_gate, scheduled_at, requires_approval, approvals_needed,
	approval_state, progress_deadline_seconds, auto_rollback, rollback_threshold, status,
	current_step_index, created_at, updated_at, created_by, version, last_error`

func (s *PostgresStore) GetRollout(ctx context.Context, rolloutID string) (*Rollout, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE rollout_id = $1`, rolloutID)
	return scanRollout(row)
}

func (s *PostgresStore) ListRollouts(ctx context.Context, status RolloutStatus) ([]*Rollout, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+rolloutColumns+` FROM rollouts ORDER BY created_at DESC`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE status = $1 ORDER BY created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	var result []*Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRollout(row rowScanner) (*Rollout, error) {
	var r Rollout
	var selectorJSON, gateJSON []byte
	err := row.Scan(&r.RolloutID, &r.ProjectID, &r.BundleID, &selectorJSON, &r.Strategy, &r.BatchSize,
		&r.BatchPercentage, &r.MaxUnavailable, &gateJSON, &r.ScheduledAt, &r.RequiresApproval,
		&r.ApprovalsNeeded, &r.ApprovalState, &r.ProgressDeadlineSecs, &r.AutoRollback,
		&r.RollbackThreshold, &r.Status, &r.CurrentStepIndex, &r.CreatedAt, &r.UpdatedAt,
		&r.CreatedBy, &r.Version, &r.LastError)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan rollout: %w", err)
	}
	json.Unmarshal(selectorJSON, &r.Selector)
	json.Unmarshal(gateJSON, &r.HealthGate)
	return &r, nil
}

// UpdateRolloutStatus performs the compare-and-swap update; 0 rows affected
// means the version no longer matches.
func (s *PostgresStore) UpdateRolloutStatus(ctx context.Context, rolloutID string, status RolloutStatus, lastError string, expectedVersion int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rollouts SET status = $1, last_error = $2, updated_at = now(), version = version + 1
		WHERE rollout_id = $3 AND version = $4
	`, status, lastError, rolloutID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update rollout status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) UpdateApprovalState(ctx context.Context, rolloutID string, state ApprovalState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rollouts SET approval_state = $1 WHERE rollout_id = $2`, state, rolloutID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Step operations ---

func (s *PostgresStore) GetStep(ctx context.Context, rolloutID string, stepIndex int) (*RolloutStep, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT rollout_id, step_index, node_ids, status, started_at, completed_at,
			progress_deadline, failed_node_count, last_error, version
		FROM rollout_steps WHERE rollout_id = $1 AND step_index = $2
	`, rolloutID, stepIndex)
	return scanStep(row)
}

func (s *PostgresStore) ListSteps(ctx context.Context, rolloutID string) ([]*RolloutStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rollout_id, step_index, node_ids, status, started_at, completed_at,
			progress_deadline, failed_node_count, last_error, version
		FROM rollout_steps WHERE rollout_id = $1 ORDER BY step_index ASC
	`, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var result []*RolloutStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func scanStep(row rowScanner) (*RolloutStep, error) {
	var st RolloutStep
	err := row.Scan(&st.RolloutID, &st.StepIndex, &st.NodeIDs, &st.Status, &st.StartedAt,
		&st.CompletedAt, &st.ProgressDeadline, &st.FailedNodeCount, &st.LastError, &st.Version)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) UpdateStepStatus(ctx context.Context, rolloutID string, stepIndex int, status StepStatus, lastError string, expectedVersion int) error {
	var startedSet, completedSet string
	switch status {
	case StepRunning:
		startedSet = ", started_at = COALESCE(started_at, now())"
	case StepCompleted, StepFailed, StepSkipped:
		completedSet = ", completed_at = now()"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE rollout_steps SET status = $1, last_error = $2, version = version + 1 %s %s
		WHERE rollout_id = $3 AND step_index = $4 AND version = $5
	`, startedSet, completedSet), status, lastError, rolloutID, stepIndex, expectedVersion)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) IncrementStepFailedNodeCount(ctx context.Context, rolloutID string, stepIndex int, delta int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rollout_steps SET failed_node_count = failed_node_count + $1
		WHERE rollout_id = $2 AND step_index = $3
	`, delta, rolloutID, stepIndex)
	if err != nil {
		return fmt.Errorf("increment failed node count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteStep resolves Open Question (a): one transaction writes the step's
// completed transition, advances (or completes) the rollout, and writes
// NodeBundleStatus=active plus node.expected_bundle_id for every node.
func (s *PostgresStore) CompleteStep(ctx context.Context, rolloutID string, stepIndex int, bundleID string, nodeIDs []string, expectedVersion int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rollout_steps SET status = $1, completed_at = now(), version = version + 1
		WHERE rollout_id = $2 AND step_index = $3 AND version = $4
	`, StepCompleted, rolloutID, stepIndex, expectedVersion)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	var maxIndex int
	if err := tx.QueryRow(ctx, `SELECT max(step_index) FROM rollout_steps WHERE rollout_id = $1`, rolloutID).Scan(&maxIndex); err != nil {
		return fmt.Errorf("lookup max step index: %w", err)
	}

	now := time.Now()
	if stepIndex >= maxIndex {
		if _, err := tx.Exec(ctx, `UPDATE rollouts SET status = $1, updated_at = $2, version = version + 1 WHERE rollout_id = $3`, RolloutCompleted, now, rolloutID); err != nil {
			return fmt.Errorf("complete rollout: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `UPDATE rollouts SET current_step_index = $1, updated_at = $2, version = version + 1 WHERE rollout_id = $3`, stepIndex+1, now, rolloutID); err != nil {
			return fmt.Errorf("advance rollout step index: %w", err)
		}
	}

	for _, nodeID := range nodeIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO node_bundle_status (node_id, bundle_id, rollout_id, state, activated_at, verified_at, last_report_at)
			VALUES ($1,$2,$3,'active',$4,$4,$4)
			ON CONFLICT (node_id) DO UPDATE SET bundle_id = $2, rollout_id = $3, state = 'active', activated_at = $4, verified_at = $4, last_report_at = $4
		`, nodeID, bundleID, rolloutID, now); err != nil {
			return fmt.Errorf("upsert node bundle status for %s: %w", nodeID, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE nodes SET expected_bundle_id = $1 WHERE node_id = $2`, bundleID, nodeID); err != nil {
			return fmt.Errorf("set expected bundle for %s: %w", nodeID, err)
		}
	}

	return tx.Commit(ctx)
}

// --- Approval operations ---

func (s *PostgresStore) RecordApproval(ctx context.Context, a *RolloutApproval) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rollout_approvals (rollout_id, step_index, approver_id, decision, comment, decided_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, a.RolloutID, a.StepIndex, a.ApproverID, a.Decision, a.Comment, a.DecidedAt)
	return err
}

func (s *PostgresStore) ListApprovals(ctx context.Context, rolloutID string, stepIndex int) ([]*RolloutApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rollout_id, step_index, approver_id, decision, comment, decided_at
		FROM rollout_approvals WHERE rollout_id = $1 AND step_index = $2
	`, rolloutID, stepIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RolloutApproval
	for rows.Next() {
		var a RolloutApproval
		if err := rows.Scan(&a.RolloutID, &a.StepIndex, &a.ApproverID, &a.Decision, &a.Comment, &a.DecidedAt); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// --- Bundle operations ---

func (s *PostgresStore) GetBundle(ctx context.Context, bundleID string) (*Bundle, error) {
	var b Bundle
	err := s.pool.QueryRow(ctx, `
		SELECT bundle_id, version, artifact, checksum, created_at FROM bundles WHERE bundle_id = $1
	`, bundleID).Scan(&b.BundleID, &b.Version, &b.Artifact, &b.Checksum, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// --- Node operations ---

const nodeColumns = `node_id, project_id, labels, group_ids, status, expected_bundle_id, staged_bundle_id, active_bundle_id, last_heartbeat_at`

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1`, nodeID)
	return scanNode(row)
}

func (s *PostgresStore) ListNodesByProject(ctx context.Context, projectID string) ([]*Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) ListAllNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var labelsJSON []byte
	err := row.Scan(&n.NodeID, &n.ProjectID, &labelsJSON, &n.GroupIDs, &n.Status, &n.ExpectedBundleID,
		&n.StagedBundleID, &n.ActiveBundleID, &n.LastHeartbeatAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(labelsJSON, &n.Labels)
	return &n, nil
}

func scanNodes(rows pgx.Rows) ([]*Node, error) {
	var result []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetExpectedBundle(ctx context.Context, nodeID string, bundleID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET expected_bundle_id = $1 WHERE node_id = $2`, bundleID, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetStagedBundle(ctx context.Context, nodeID string, bundleID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET staged_bundle_id = $1 WHERE node_id = $2`, bundleID, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearStagedBundle(ctx context.Context, bundleID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE nodes SET staged_bundle_id = '' WHERE staged_bundle_id = $1`, bundleID)
	return err
}

func (s *PostgresStore) GetLatestHeartbeat(ctx context.Context, nodeID string) (*Heartbeat, error) {
	var h Heartbeat
	err := s.pool.QueryRow(ctx, `
		SELECT node_id, bundle_id, status, error_rate, latency_p99_ms, cpu_percent, memory_percent, received_at
		FROM heartbeats WHERE node_id = $1 ORDER BY received_at DESC LIMIT 1
	`, nodeID).Scan(&h.NodeID, &h.BundleID, &h.Status, &h.ErrorRate, &h.LatencyP99MS, &h.CPUPercent, &h.MemoryPercent, &h.ReceivedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// --- NodeBundleStatus operations ---

func (s *PostgresStore) GetNodeBundleStatus(ctx context.Context, nodeID string) (*NodeBundleStatus, error) {
	var st NodeBundleStatus
	err := s.pool.QueryRow(ctx, `
		SELECT node_id, bundle_id, rollout_id, state, staged_at, activated_at, verified_at, last_report_at, error
		FROM node_bundle_status WHERE node_id = $1
	`, nodeID).Scan(&st.NodeID, &st.BundleID, &st.RolloutID, &st.State, &st.StagedAt, &st.ActivatedAt, &st.VerifiedAt, &st.LastReportAt, &st.Error)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) UpsertNodeBundleStatus(ctx context.Context, st *NodeBundleStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_bundle_status (node_id, bundle_id, rollout_id, state, staged_at, activated_at, verified_at, last_report_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (node_id) DO UPDATE SET bundle_id = $2, rollout_id = $3, state = $4,
			staged_at = COALESCE($5, node_bundle_status.staged_at),
			activated_at = COALESCE($6, node_bundle_status.activated_at),
			verified_at = COALESCE($7, node_bundle_status.verified_at),
			last_report_at = COALESCE($8, node_bundle_status.last_report_at),
			error = $9
	`, st.NodeID, st.BundleID, st.RolloutID, st.State, st.StagedAt, st.ActivatedAt, st.VerifiedAt, st.LastReportAt, st.Error)
	return err
}

// --- Drift operations ---

func (s *PostgresStore) CreateDriftEvent(ctx context.Context, d *DriftEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_events (drift_id, node_id, project_id, expected_bundle, actual_bundle, severity, detected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, d.DriftID, d.NodeID, d.ProjectID, d.ExpectedBundle, d.ActualBundle, d.Severity, d.DetectedAt)
	return err
}

func (s *PostgresStore) ListUnresolvedDrift(ctx context.Context) ([]*DriftEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT drift_id, node_id, project_id, expected_bundle, actual_bundle, severity, detected_at, resolved_at, resolution
		FROM drift_events WHERE resolved_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DriftEvent
	for rows.Next() {
		var d DriftEvent
		if err := rows.Scan(&d.DriftID, &d.NodeID, &d.ProjectID, &d.ExpectedBundle, &d.ActualBundle, &d.Severity, &d.DetectedAt, &d.ResolvedAt, &d.Resolution); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ResolveDriftEvent(ctx context.Context, driftID string, resolution string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drift_events SET resolved_at = now(), resolution = $1 WHERE drift_id = $2
	`, resolution, driftID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Job history ---

func (s *PostgresStore) CreateJob(ctx context.Context, j *RolloutJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rollout_jobs (job_id, rollout_id, step_index, node_id, kind, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, j.JobID, j.RolloutID, j.StepIndex, j.NodeID, j.Kind, j.Status, j.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status string, detail string) error {
	var timeCol string
	switch status {
	case "running":
		timeCol = ", started_at = COALESCE(started_at, now())"
	case "completed", "failed":
		timeCol = ", finished_at = now()"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE rollout_jobs SET status = $1, detail = $2 %s WHERE job_id = $3
	`, timeCol), status, detail, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*RolloutJob, error) {
	var j RolloutJob
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, rollout_id, step_index, node_id, kind, status, detail, created_at, started_at, finished_at
		FROM rollout_jobs WHERE job_id = $1
	`, jobID).Scan(&j.JobID, &j.RolloutID, &j.StepIndex, &j.NodeID, &j.Kind, &j.Status, &j.Detail, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Coordination: durable epoch ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO durable_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = durable_epochs.epoch + 1
		RETURNING epoch
	`, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM durable_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return epoch, err
}
