package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type rolloutRow struct {
	ID                      string     `db:"id"`
	ProjectID               string     `db:"project_id"`
	BundleID                string     `db:"bundle_id"`
	State                   string     `db:"state"`
	Strategy                string     `db:"strategy"`
	TargetSelector          []byte     `db:"target_selector"`
	BatchSize               int        `db:"batch_size"`
	BatchPercentage         int        `db:"batch_percentage"`
	MaxUnavailable          int        `db:"max_unavailable"`
	ProgressDeadlineSeconds int        `db:"progress_deadline_seconds"`
	HealthGates             []byte     `db:"health_gates"`
	CustomHealthChecks      []byte     `db:"custom_health_checks"`
	ApprovalState           string     `db:"approval_state"`
	ApprovalsNeeded         int        `db:"approvals_needed"`
	AutoRollback            bool       `db:"auto_rollback"`
	ScheduledAt             *time.Time `db:"scheduled_at"`
	CurrentStep             int        `db:"current_step"`
	StepsTotal              int        `db:"steps_total"`
	PauseReason             string     `db:"pause_reason"`
	Error                   []byte     `db:"error"`
	RollbackOf              string     `db:"rollback_of"`
	CreatedBy               string     `db:"created_by"`
	CreatedAt               time.Time  `db:"created_at"`
	StartedAt               *time.Time `db:"started_at"`
	CompletedAt             *time.Time `db:"completed_at"`
}

const rolloutColumns = `id, project_id, bundle_id, state, strategy, target_selector, batch_size,
	batch_percentage, max_unavailable, progress_deadline_seconds, health_gates,
	custom_health_checks, approval_state, approvals_needed, auto_rollback, scheduled_at,
	current_step, steps_total, pause_reason, error, rollback_of, created_by, created_at,
	started_at, completed_at`

func (r *rolloutRow) toRollout() (*v1.Rollout, error) {
	out := &v1.Rollout{
		ID:                      r.ID,
		ProjectID:               r.ProjectID,
		BundleID:                r.BundleID,
		State:                   v1.RolloutState(r.State),
		Strategy:                v1.Strategy(r.Strategy),
		BatchSize:               r.BatchSize,
		BatchPercentage:         r.BatchPercentage,
		MaxUnavailable:          r.MaxUnavailable,
		ProgressDeadlineSeconds: r.ProgressDeadlineSeconds,
		ApprovalState:           v1.ApprovalState(r.ApprovalState),
		ApprovalsNeeded:         r.ApprovalsNeeded,
		AutoRollback:            r.AutoRollback,
		ScheduledAt:             r.ScheduledAt,
		CurrentStep:             r.CurrentStep,
		StepsTotal:              r.StepsTotal,
		PauseReason:             r.PauseReason,
		RollbackOf:              r.RollbackOf,
		CreatedBy:               r.CreatedBy,
		CreatedAt:               r.CreatedAt.UTC(),
		StartedAt:               r.StartedAt,
		CompletedAt:             r.CompletedAt,
	}
	if err := fromJSON(r.TargetSelector, &out.Target); err != nil {
		return nil, err
	}
	if err := fromJSON(r.HealthGates, &out.Gates); err != nil {
		return nil, err
	}
	if err := fromJSON(r.CustomHealthChecks, &out.CustomHealthChecks); err != nil {
		return nil, err
	}
	if err := fromJSON(r.Error, &out.Failure); err != nil {
		return nil, err
	}
	return out, nil
}

func rolloutArgs(r *v1.Rollout) ([]any, error) {
	target, err := jsonOf(r.Target)
	if err != nil {
		return nil, err
	}
	gates, err := jsonOf(r.Gates)
	if err != nil {
		return nil, err
	}
	checks, err := jsonOf(r.CustomHealthChecks)
	if err != nil {
		return nil, err
	}
	var failure any
	if r.Failure != nil {
		failure, err = jsonOf(*r.Failure)
		if err != nil {
			return nil, err
		}
	}
	return []any{
		r.ID, r.ProjectID, r.BundleID, string(r.State), string(r.Strategy), target,
		r.BatchSize, r.BatchPercentage, r.MaxUnavailable, r.ProgressDeadlineSeconds,
		gates, checks, string(r.ApprovalState), r.ApprovalsNeeded, r.AutoRollback,
		r.ScheduledAt, r.CurrentStep, r.StepsTotal, r.PauseReason, failure,
		r.RollbackOf, r.CreatedBy, r.CreatedAt, r.StartedAt, r.CompletedAt,
	}, nil
}

func (s *Store) CreateRollout(ctx context.Context, r *v1.Rollout) error {
	args, err := rolloutArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollouts (`+rolloutColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		args...)
	return toErr(err)
}

func (s *Store) GetRollout(ctx context.Context, id string) (*v1.Rollout, error) {
	var row rolloutRow
	err := s.db.GetContext(ctx, &row, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toRollout()
}

func (s *Store) ListRollouts(ctx context.Context, f store.RolloutFilter) ([]*v1.Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM rollouts WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.BundleID != "" {
		query += ` AND bundle_id = ?`
		args = append(args, f.BundleID)
	}
	if len(f.States) > 0 {
		states := make([]string, 0, len(f.States))
		for _, st := range f.States {
			states = append(states, string(st))
		}
		query += ` AND state IN (?)`
		args = append(args, states)
	}
	query += ` ORDER BY created_at DESC`
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []rolloutRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Rollout, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRollout()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// updateRolloutGuarded writes every mutable rollout column iff the stored
// state equals expect.
func updateRolloutGuarded(ctx context.Context, tx sqlx.ExtContext, r *v1.Rollout, expect v1.RolloutState) error {
	gates, err := jsonOf(r.Gates)
	if err != nil {
		return err
	}
	var failure any
	if r.Failure != nil {
		failure, err = jsonOf(*r.Failure)
		if err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE rollouts SET state = $2, approval_state = $3, health_gates = $4, current_step = $5,
		        steps_total = $6, pause_reason = $7, error = $8, scheduled_at = $9,
		        started_at = $10, completed_at = $11
		 WHERE id = $1 AND state = $12`,
		r.ID, string(r.State), string(r.ApprovalState), gates, r.CurrentStep,
		r.StepsTotal, r.PauseReason, failure, r.ScheduledAt,
		r.StartedAt, r.CompletedAt, string(expect))
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, tx, res, `SELECT EXISTS (SELECT 1 FROM rollouts WHERE id = $1)`, r.ID)
}

func (s *Store) UpdateRollout(ctx context.Context, r *v1.Rollout, expect v1.RolloutState) error {
	return updateRolloutGuarded(ctx, s.db, r, expect)
}

const stepColumns = `id, rollout_id, step_index, node_ids, state, error, started_at, completed_at`

func insertStep(ctx context.Context, tx sqlx.ExtContext, st *v1.RolloutStep) error {
	nodeIDs, err := jsonOf(st.NodeIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollout_steps (`+stepColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.ID, st.RolloutID, st.StepIndex, nodeIDs, string(st.State), st.Error, st.StartedAt, st.CompletedAt)
	return toErr(err)
}

// updateStepGuarded writes the step iff its stored state equals expect.
func updateStepGuarded(ctx context.Context, tx sqlx.ExtContext, st *v1.RolloutStep, expect v1.StepState) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE rollout_steps SET state = $2, error = $3, started_at = $4, completed_at = $5
		 WHERE rollout_id = $6 AND step_index = $7 AND state = $1`,
		string(expect), string(st.State), st.Error, st.StartedAt, st.CompletedAt,
		st.RolloutID, st.StepIndex)
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, tx, res,
		`SELECT EXISTS (SELECT 1 FROM rollout_steps WHERE rollout_id = $1 AND step_index = $2)`,
		st.RolloutID, st.StepIndex)
}

func insertStatus(ctx context.Context, tx sqlx.ExtContext, ns *v1.NodeBundleStatus) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO node_bundle_statuses (rollout_id, node_id, bundle_id, state, detail, staged_at, activated_at, verified_at, last_report_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ns.RolloutID, ns.NodeID, ns.BundleID, string(ns.State), ns.Detail,
		ns.StagedAt, ns.ActivatedAt, ns.VerifiedAt, ns.LastReportAt, ns.UpdatedAt)
	return toErr(err)
}

func (s *Store) SavePlan(ctx context.Context, r *v1.Rollout, expect v1.RolloutState, steps []*v1.RolloutStep, statuses []*v1.NodeBundleStatus) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateRolloutGuarded(ctx, tx, r, expect); err != nil {
			return err
		}
		for _, st := range steps {
			if err := insertStep(ctx, tx, st); err != nil {
				return err
			}
		}
		for _, ns := range statuses {
			if err := insertStatus(ctx, tx, ns); err != nil {
				return err
			}
		}
		return nil
	})
}

// advanceStatusesTx force-writes the engine-driven state for the step's rows.
func advanceStatusesTx(ctx context.Context, tx *sqlx.Tx, st *v1.RolloutStep, update string, args ...any) error {
	if len(st.NodeIDs) == 0 {
		return nil
	}
	query, inArgs, err := sqlx.In(update, append(args, st.RolloutID, st.NodeIDs)...)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), inArgs...)
	return toErr(err)
}

func (s *Store) StartStep(ctx context.Context, step *v1.RolloutStep, bundleID string, now time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateStepGuarded(ctx, tx, step, v1.StepPending); err != nil {
			return err
		}
		query, args, err := sqlx.In(`UPDATE nodes SET staged_bundle_id = ? WHERE id IN (?)`, bundleID, step.NodeIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return toErr(err)
		}
		return advanceStatusesTx(ctx, tx, step,
			`UPDATE node_bundle_statuses SET state = ?, bundle_id = ?, staged_at = ?, updated_at = ?
			 WHERE rollout_id = ? AND node_id IN (?)`,
			string(v1.NodeBundleStaging), bundleID, now, now)
	})
}

func (s *Store) CompleteStep(ctx context.Context, step *v1.RolloutStep, bundleID string, now time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateStepGuarded(ctx, tx, step, v1.StepVerifying); err != nil {
			return err
		}
		query, args, err := sqlx.In(`UPDATE nodes SET expected_bundle_id = ? WHERE id IN (?)`, bundleID, step.NodeIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return toErr(err)
		}
		return advanceStatusesTx(ctx, tx, step,
			`UPDATE node_bundle_statuses SET state = ?, bundle_id = ?, activated_at = ?, verified_at = ?, updated_at = ?
			 WHERE rollout_id = ? AND node_id IN (?)`,
			string(v1.NodeBundleActive), bundleID, now, now, now)
	})
}

func (s *Store) UpdateStep(ctx context.Context, step *v1.RolloutStep, expect v1.StepState) error {
	return updateStepGuarded(ctx, s.db, step, expect)
}

func (s *Store) ListSteps(ctx context.Context, rolloutID string) ([]*v1.RolloutStep, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+stepColumns+` FROM rollout_steps WHERE rollout_id = $1 ORDER BY step_index`, rolloutID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.RolloutStep
	for rows.Next() {
		var st v1.RolloutStep
		var nodeIDs []byte
		var state string
		if err := rows.Scan(&st.ID, &st.RolloutID, &st.StepIndex, &nodeIDs, &state, &st.Error, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, err
		}
		st.State = v1.StepState(state)
		if err := fromJSON(nodeIDs, &st.NodeIDs); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func skipPendingStepsTx(ctx context.Context, tx *sqlx.Tx, rolloutID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE rollout_steps SET state = $2 WHERE rollout_id = $1 AND state = $3`,
		rolloutID, string(v1.StepSkipped), string(v1.StepPending))
	return toErr(err)
}

func (s *Store) FailRollout(ctx context.Context, r *v1.Rollout, failedStep *v1.RolloutStep, now time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateRolloutGuarded(ctx, tx, r, v1.RolloutRunning); err != nil {
			return err
		}
		if failedStep != nil {
			_, err := tx.ExecContext(ctx,
				`UPDATE rollout_steps SET state = $3, error = $4, completed_at = $5
				 WHERE rollout_id = $1 AND step_index = $2`,
				failedStep.RolloutID, failedStep.StepIndex, string(failedStep.State),
				failedStep.Error, failedStep.CompletedAt)
			if err != nil {
				return toErr(err)
			}
			if err := advanceStatusesTx(ctx, tx, failedStep,
				`UPDATE node_bundle_statuses SET state = ?, updated_at = ?
				 WHERE rollout_id = ? AND node_id IN (?)`,
				string(v1.NodeBundleFailed), now); err != nil {
				return err
			}
		}
		return skipPendingStepsTx(ctx, tx, r.ID)
	})
}

func (s *Store) TerminateRollout(ctx context.Context, r *v1.Rollout, expect v1.RolloutState, resetStaged bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateRolloutGuarded(ctx, tx, r, expect); err != nil {
			return err
		}
		if err := skipPendingStepsTx(ctx, tx, r.ID); err != nil {
			return err
		}
		if resetStaged {
			_, err := tx.ExecContext(ctx,
				`UPDATE nodes SET staged_bundle_id = '' WHERE staged_bundle_id = $1`, r.BundleID)
			if err != nil {
				return toErr(err)
			}
		}
		return nil
	})
}

// stateRank mirrors v1.NodeBundleStateRank for the forward-only guard.
func stateRank(s v1.NodeBundleState) int {
	return v1.NodeBundleStateRank[s]
}

func (s *Store) UpsertNodeBundleStatus(ctx context.Context, ns *v1.NodeBundleStatus) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.QueryRowxContext(ctx,
			`SELECT state FROM node_bundle_statuses WHERE rollout_id = $1 AND node_id = $2 FOR UPDATE`,
			ns.RolloutID, ns.NodeID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return insertStatus(ctx, tx, ns)
		}
		if err != nil {
			return toErr(err)
		}
		if stateRank(ns.State) < stateRank(v1.NodeBundleState(current)) {
			// Stale report: remember we heard from the node, keep the row.
			_, err = tx.ExecContext(ctx,
				`UPDATE node_bundle_statuses SET last_report_at = $3, updated_at = $4
				 WHERE rollout_id = $1 AND node_id = $2`,
				ns.RolloutID, ns.NodeID, ns.LastReportAt, ns.UpdatedAt)
			return toErr(err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE node_bundle_statuses SET bundle_id = $3, state = $4, detail = $5,
			        staged_at = COALESCE($6, staged_at), activated_at = COALESCE($7, activated_at),
			        verified_at = COALESCE($8, verified_at), last_report_at = $9, updated_at = $10
			 WHERE rollout_id = $1 AND node_id = $2`,
			ns.RolloutID, ns.NodeID, ns.BundleID, string(ns.State), ns.Detail,
			ns.StagedAt, ns.ActivatedAt, ns.VerifiedAt, ns.LastReportAt, ns.UpdatedAt)
		return toErr(err)
	})
}

const statusColumns = `rollout_id, node_id, bundle_id, state, detail, staged_at, activated_at, verified_at, last_report_at, updated_at`

func scanStatus(scan func(...any) error) (*v1.NodeBundleStatus, error) {
	var ns v1.NodeBundleStatus
	var state string
	if err := scan(&ns.RolloutID, &ns.NodeID, &ns.BundleID, &state, &ns.Detail,
		&ns.StagedAt, &ns.ActivatedAt, &ns.VerifiedAt, &ns.LastReportAt, &ns.UpdatedAt); err != nil {
		return nil, toErr(err)
	}
	ns.State = v1.NodeBundleState(state)
	ns.UpdatedAt = ns.UpdatedAt.UTC()
	return &ns, nil
}

func (s *Store) GetNodeBundleStatus(ctx context.Context, rolloutID, nodeID string) (*v1.NodeBundleStatus, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT `+statusColumns+` FROM node_bundle_statuses WHERE rollout_id = $1 AND node_id = $2`,
		rolloutID, nodeID)
	return scanStatus(row.Scan)
}

func (s *Store) ListNodeBundleStatuses(ctx context.Context, rolloutID string) ([]*v1.NodeBundleStatus, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+statusColumns+` FROM node_bundle_statuses WHERE rollout_id = $1 ORDER BY node_id`, rolloutID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.NodeBundleStatus
	for rows.Next() {
		ns, err := scanStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *Store) CreateApproval(ctx context.Context, a *v1.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, rollout_id, user_id, decision, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RolloutID, a.UserID, a.Decision, a.Comment, a.CreatedAt)
	return toErr(err)
}

func (s *Store) ListApprovals(ctx context.Context, rolloutID string) ([]*v1.Approval, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, rollout_id, user_id, decision, comment, created_at
		 FROM approvals WHERE rollout_id = $1 ORDER BY created_at`, rolloutID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.Approval
	for rows.Next() {
		var a v1.Approval
		if err := rows.Scan(&a.ID, &a.RolloutID, &a.UserID, &a.Decision, &a.Comment, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) ListDueScheduled(ctx context.Context, now time.Time) ([]*v1.Rollout, error) {
	var rows []rolloutRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+rolloutColumns+` FROM rollouts
		 WHERE state = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		 ORDER BY scheduled_at`, string(v1.RolloutPending), now)
	if err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Rollout, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRollout()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
