package sqlstore

import (
	"context"
	"time"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

const driftColumns = `id, node_id, project_id, expected_bundle_id, actual_bundle_id,
	detected_at, resolved_at, resolution, resolved_by, auto_cleared, remediation_rollout_id`

func scanDrift(scan func(...any) error) (*v1.DriftEvent, error) {
	var d v1.DriftEvent
	var resolution string
	if err := scan(&d.ID, &d.NodeID, &d.ProjectID, &d.ExpectedBundleID, &d.ActualBundleID,
		&d.DetectedAt, &d.ResolvedAt, &resolution, &d.ResolvedBy, &d.AutoCleared,
		&d.RemediationRolloutID); err != nil {
		return nil, toErr(err)
	}
	d.Resolution = v1.DriftResolution(resolution)
	d.DetectedAt = d.DetectedAt.UTC()
	return &d, nil
}

// CreateDriftEvent relies on the drift_events_one_open partial index for the
// one-unresolved-event-per-node invariant.
func (s *Store) CreateDriftEvent(ctx context.Context, d *v1.DriftEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drift_events (`+driftColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.NodeID, d.ProjectID, d.ExpectedBundleID, d.ActualBundleID,
		d.DetectedAt, d.ResolvedAt, string(d.Resolution), d.ResolvedBy, d.AutoCleared,
		d.RemediationRolloutID)
	return toErr(err)
}

func (s *Store) GetDriftEvent(ctx context.Context, id string) (*v1.DriftEvent, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+driftColumns+` FROM drift_events WHERE id = $1`, id)
	return scanDrift(row.Scan)
}

func (s *Store) OpenDriftEvent(ctx context.Context, nodeID string) (*v1.DriftEvent, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT `+driftColumns+` FROM drift_events WHERE node_id = $1 AND resolved_at IS NULL`, nodeID)
	return scanDrift(row.Scan)
}

func (s *Store) ListDriftEvents(ctx context.Context, f store.DriftFilter) ([]*v1.DriftEvent, error) {
	query := `SELECT ` + driftColumns + ` FROM drift_events WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, f.NodeID)
	}
	if f.Open != nil {
		if *f.Open {
			query += ` AND resolved_at IS NULL`
		} else {
			query += ` AND resolved_at IS NOT NULL`
		}
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.DriftEvent
	for rows.Next() {
		d, err := scanDrift(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ResolveDriftEvent(ctx context.Context, id string, res v1.DriftResolution, resolvedBy string, autoCleared bool, now time.Time) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE drift_events SET resolved_at = $2, resolution = $3, resolved_by = $4, auto_cleared = $5
		 WHERE id = $1 AND resolved_at IS NULL`,
		id, now, string(res), resolvedBy, autoCleared)
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, r, `SELECT EXISTS (SELECT 1 FROM drift_events WHERE id = $1)`, id)
}

func (s *Store) ResolveProjectDrift(ctx context.Context, projectID string, res v1.DriftResolution, resolvedBy string, now time.Time) (int, error) {
	r, err := s.db.ExecContext(ctx,
		`UPDATE drift_events SET resolved_at = $2, resolution = $3, resolved_by = $4
		 WHERE project_id = $1 AND resolved_at IS NULL`,
		projectID, now, string(res), resolvedBy)
	if err != nil {
		return 0, toErr(err)
	}
	n, err := r.RowsAffected()
	return int(n), err
}

func (s *Store) SetRemediation(ctx context.Context, eventID, rolloutID string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE drift_events SET remediation_rollout_id = $2, resolution = $3 WHERE id = $1`,
		eventID, rolloutID, string(v1.DriftResolvedRolloutStarted))
	if err != nil {
		return toErr(err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DriftStats(ctx context.Context, projectID string) (*v1.DriftStats, error) {
	stats := &v1.DriftStats{ProjectID: projectID}
	err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE resolved_at IS NULL),
		        COUNT(*) FILTER (WHERE resolved_at IS NOT NULL),
		        MIN(detected_at) FILTER (WHERE resolved_at IS NULL)
		 FROM drift_events WHERE project_id = $1`, projectID).
		Scan(&stats.OpenTotal, &stats.ResolvedTotal, &stats.OldestOpenAt)
	if err != nil {
		return nil, toErr(err)
	}
	rows, err := s.db.QueryxContext(ctx,
		`SELECT expected_bundle_id, COUNT(*) FROM drift_events
		 WHERE project_id = $1 AND resolved_at IS NULL GROUP BY expected_bundle_id`, projectID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var bundleID string
		var count int
		if err := rows.Scan(&bundleID, &count); err != nil {
			return nil, err
		}
		if stats.OpenByExpected == nil {
			stats.OpenByExpected = map[string]int{}
		}
		stats.OpenByExpected[bundleID] = count
	}
	return stats, rows.Err()
}
