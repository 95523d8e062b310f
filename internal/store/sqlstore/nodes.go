package sqlstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type nodeRow struct {
	ID                     string     `db:"id"`
	ProjectID              string     `db:"project_id"`
	EnvironmentID          string     `db:"environment_id"`
	Name                   string     `db:"name"`
	Labels                 []byte     `db:"labels"`
	Capabilities           []byte     `db:"capabilities"`
	Status                 string     `db:"status"`
	IP                     string     `db:"ip"`
	Hostname               string     `db:"hostname"`
	ActiveBundleID         string     `db:"active_bundle_id"`
	StagedBundleID         string     `db:"staged_bundle_id"`
	ExpectedBundleID       string     `db:"expected_bundle_id"`
	PinnedBundleID         string     `db:"pinned_bundle_id"`
	MinBundleVersion       string     `db:"min_bundle_version"`
	MaxBundleVersion       string     `db:"max_bundle_version"`
	AgentVersion           string     `db:"agent_version"`
	LastSeenAt             *time.Time `db:"last_seen_at"`
	RegisteredAt           time.Time  `db:"registered_at"`
	KeyHash                string     `db:"key_hash"`
	RuntimeConfigHash      string     `db:"runtime_config_hash"`
	RuntimeConfigSize      int64      `db:"runtime_config_size"`
	RuntimeConfigUpdatedAt *time.Time `db:"runtime_config_updated_at"`
}

const nodeColumns = `id, project_id, environment_id, name, labels, capabilities, status, ip, hostname,
	active_bundle_id, staged_bundle_id, expected_bundle_id, pinned_bundle_id,
	min_bundle_version, max_bundle_version, agent_version, last_seen_at, registered_at,
	key_hash, runtime_config_hash, runtime_config_size, runtime_config_updated_at`

func (r *nodeRow) toNode() (*v1.Node, error) {
	n := &v1.Node{
		ID:                     r.ID,
		ProjectID:              r.ProjectID,
		EnvironmentID:          r.EnvironmentID,
		Name:                   r.Name,
		Status:                 v1.NodeStatus(r.Status),
		IP:                     r.IP,
		Hostname:               r.Hostname,
		ActiveBundleID:         r.ActiveBundleID,
		StagedBundleID:         r.StagedBundleID,
		ExpectedBundleID:       r.ExpectedBundleID,
		PinnedBundleID:         r.PinnedBundleID,
		MinBundleVersion:       r.MinBundleVersion,
		MaxBundleVersion:       r.MaxBundleVersion,
		AgentVersion:           r.AgentVersion,
		LastSeenAt:             r.LastSeenAt,
		RegisteredAt:           r.RegisteredAt.UTC(),
		KeyHash:                r.KeyHash,
		RuntimeConfigHash:      r.RuntimeConfigHash,
		RuntimeConfigSize:      r.RuntimeConfigSize,
		RuntimeConfigUpdatedAt: r.RuntimeConfigUpdatedAt,
	}
	if err := fromJSON(r.Labels, &n.Labels); err != nil {
		return nil, err
	}
	if err := fromJSON(r.Capabilities, &n.Capabilities); err != nil {
		return nil, err
	}
	return n, nil
}

func nodeArgs(n *v1.Node) ([]any, error) {
	labels, err := jsonOf(n.Labels)
	if err != nil {
		return nil, err
	}
	capabilities, err := jsonOf(n.Capabilities)
	if err != nil {
		return nil, err
	}
	return []any{
		n.ID, n.ProjectID, n.EnvironmentID, n.Name, labels, capabilities, string(n.Status),
		n.IP, n.Hostname, n.ActiveBundleID, n.StagedBundleID, n.ExpectedBundleID,
		n.PinnedBundleID, n.MinBundleVersion, n.MaxBundleVersion, n.AgentVersion,
		n.LastSeenAt, n.RegisteredAt, n.KeyHash, n.RuntimeConfigHash, n.RuntimeConfigSize,
		n.RuntimeConfigUpdatedAt,
	}, nil
}

func (s *Store) CreateNode(ctx context.Context, n *v1.Node) error {
	args, err := nodeArgs(n)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		args...)
	return toErr(err)
}

func (s *Store) getNode(ctx context.Context, where string, args ...any) (*v1.Node, error) {
	var row nodeRow
	err := s.db.GetContext(ctx, &row, `SELECT `+nodeColumns+` FROM nodes WHERE `+where, args...)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toNode()
}

func (s *Store) GetNode(ctx context.Context, id string) (*v1.Node, error) {
	return s.getNode(ctx, `id = $1`, id)
}

func (s *Store) GetNodeByName(ctx context.Context, projectID, name string) (*v1.Node, error) {
	return s.getNode(ctx, `project_id = $1 AND name = $2`, projectID, name)
}

func (s *Store) GetNodeByKeyHash(ctx context.Context, keyHash string) (*v1.Node, error) {
	return s.getNode(ctx, `key_hash = $1`, keyHash)
}

func (s *Store) ListNodes(ctx context.Context, f store.NodeFilter) ([]*v1.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		query += ` AND status IN (?)`
		args = append(args, statuses)
	}
	if len(f.IDs) > 0 {
		query += ` AND id IN (?)`
		args = append(args, f.IDs)
	}
	if len(f.Labels) > 0 {
		labels, err := jsonOf(f.Labels)
		if err != nil {
			return nil, err
		}
		query += ` AND labels @> ?`
		args = append(args, labels)
	}
	query += ` ORDER BY name`
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Node, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) UpdateNode(ctx context.Context, n *v1.Node) error {
	labels, err := jsonOf(n.Labels)
	if err != nil {
		return err
	}
	capabilities, err := jsonOf(n.Capabilities)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET environment_id = $2, name = $3, labels = $4, capabilities = $5,
		        status = $6, ip = $7, hostname = $8, active_bundle_id = $9, staged_bundle_id = $10,
		        expected_bundle_id = $11, pinned_bundle_id = $12, min_bundle_version = $13,
		        max_bundle_version = $14, agent_version = $15, last_seen_at = $16,
		        runtime_config_hash = $17, runtime_config_size = $18, runtime_config_updated_at = $19
		 WHERE id = $1`,
		n.ID, n.EnvironmentID, n.Name, labels, capabilities, string(n.Status), n.IP, n.Hostname,
		n.ActiveBundleID, n.StagedBundleID, n.ExpectedBundleID, n.PinnedBundleID,
		n.MinBundleVersion, n.MaxBundleVersion, n.AgentVersion, n.LastSeenAt,
		n.RuntimeConfigHash, n.RuntimeConfigSize, n.RuntimeConfigUpdatedAt)
	if err != nil {
		return toErr(err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetExpectedBundle(ctx context.Context, nodeIDs []string, bundleID string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE nodes SET expected_bundle_id = ? WHERE id IN (?)`, bundleID, nodeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return toErr(err)
}

func (s *Store) ResetStagedForBundle(ctx context.Context, bundleID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET staged_bundle_id = '' WHERE staged_bundle_id = $1`, bundleID)
	if err != nil {
		return 0, toErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]*v1.Node, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows,
		`UPDATE nodes SET status = $1
		 WHERE status = $2 AND (last_seen_at IS NULL OR last_seen_at < $3)
		 RETURNING `+nodeColumns,
		string(v1.NodeOffline), string(v1.NodeOnline), cutoff)
	if err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Node, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) InsertHeartbeat(ctx context.Context, hb *v1.Heartbeat) error {
	health, err := jsonOf(hb.Health)
	if err != nil {
		return err
	}
	metrics, err := jsonOf(hb.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (id, node_id, health, metrics, active_bundle_id, staged_bundle_id, agent_version, inserted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		hb.ID, hb.NodeID, health, metrics, hb.ActiveBundleID, hb.StagedBundleID, hb.AgentVersion, hb.InsertedAt)
	return toErr(err)
}

type heartbeatRow struct {
	ID             string    `db:"id"`
	NodeID         string    `db:"node_id"`
	Health         []byte    `db:"health"`
	Metrics        []byte    `db:"metrics"`
	ActiveBundleID string    `db:"active_bundle_id"`
	StagedBundleID string    `db:"staged_bundle_id"`
	AgentVersion   string    `db:"agent_version"`
	InsertedAt     time.Time `db:"inserted_at"`
}

func (r *heartbeatRow) toHeartbeat() (*v1.Heartbeat, error) {
	hb := &v1.Heartbeat{
		ID:             r.ID,
		NodeID:         r.NodeID,
		ActiveBundleID: r.ActiveBundleID,
		StagedBundleID: r.StagedBundleID,
		AgentVersion:   r.AgentVersion,
		InsertedAt:     r.InsertedAt.UTC(),
	}
	if err := fromJSON(r.Health, &hb.Health); err != nil {
		return nil, err
	}
	if err := fromJSON(r.Metrics, &hb.Metrics); err != nil {
		return nil, err
	}
	return hb, nil
}

const heartbeatColumns = `id, node_id, health, metrics, active_bundle_id, staged_bundle_id, agent_version, inserted_at`

func (s *Store) LatestHeartbeat(ctx context.Context, nodeID string) (*v1.Heartbeat, error) {
	var row heartbeatRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+heartbeatColumns+` FROM heartbeats WHERE node_id = $1 ORDER BY inserted_at DESC LIMIT 1`,
		nodeID)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toHeartbeat()
}

func (s *Store) ListHeartbeats(ctx context.Context, nodeID string, limit int) ([]*v1.Heartbeat, error) {
	query := `SELECT ` + heartbeatColumns + ` FROM heartbeats WHERE node_id = $1 ORDER BY inserted_at DESC`
	args := []any{nodeID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	var rows []heartbeatRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Heartbeat, 0, len(rows))
	for i := range rows {
		hb, err := rows[i].toHeartbeat()
		if err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, nil
}

func (s *Store) PruneHeartbeats(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM heartbeats WHERE id IN (
		   SELECT id FROM (
		     SELECT id, row_number() OVER (PARTITION BY node_id ORDER BY inserted_at DESC) AS rn
		     FROM heartbeats
		   ) ranked WHERE rn > $1
		 )`, keep)
	if err != nil {
		return 0, toErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) InsertNodeEvents(ctx context.Context, events []*v1.NodeEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range events {
			metadata, err := jsonOf(e.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO node_events (id, node_id, project_id, event_type, severity, message, metadata, bundle_id, inserted_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				e.ID, e.NodeID, e.ProjectID, e.EventType, e.Severity, e.Message, metadata, e.BundleID, e.InsertedAt)
			if err != nil {
				return toErr(err)
			}
		}
		return nil
	})
}

func (s *Store) ListNodeEvents(ctx context.Context, nodeID string, limit int) ([]*v1.NodeEvent, error) {
	query := `SELECT id, node_id, project_id, event_type, severity, message, metadata, bundle_id, inserted_at
	          FROM node_events WHERE node_id = $1 ORDER BY inserted_at DESC`
	args := []any{nodeID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.NodeEvent
	for rows.Next() {
		var e v1.NodeEvent
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.NodeID, &e.ProjectID, &e.EventType, &e.Severity, &e.Message, &metadata, &e.BundleID, &e.InsertedAt); err != nil {
			return nil, err
		}
		if err := fromJSON(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		e.InsertedAt = e.InsertedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) PruneNodeEvents(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM node_events WHERE id IN (
		   SELECT id FROM (
		     SELECT id, row_number() OVER (PARTITION BY node_id ORDER BY inserted_at DESC) AS rn
		     FROM node_events
		   ) ranked WHERE rn > $1
		 )`, keep)
	if err != nil {
		return 0, toErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CreateGroup(ctx context.Context, g *v1.NodeGroup) error {
	nodeIDs, err := jsonOf(g.NodeIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_groups (id, project_id, name, node_ids, created_at) VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.ProjectID, g.Name, nodeIDs, g.CreatedAt)
	return toErr(err)
}

func scanGroup(scan func(...any) error) (*v1.NodeGroup, error) {
	var g v1.NodeGroup
	var nodeIDs []byte
	if err := scan(&g.ID, &g.ProjectID, &g.Name, &nodeIDs, &g.CreatedAt); err != nil {
		return nil, toErr(err)
	}
	if err := fromJSON(nodeIDs, &g.NodeIDs); err != nil {
		return nil, err
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return &g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (*v1.NodeGroup, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT id, project_id, name, node_ids, created_at FROM node_groups WHERE id = $1`, id)
	return scanGroup(row.Scan)
}

func (s *Store) ListGroups(ctx context.Context, projectID string) ([]*v1.NodeGroup, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, project_id, name, node_ids, created_at FROM node_groups WHERE project_id = $1 ORDER BY name`,
		projectID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.NodeGroup
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) UpdateGroup(ctx context.Context, g *v1.NodeGroup) error {
	nodeIDs, err := jsonOf(g.NodeIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_groups SET name = $2, node_ids = $3 WHERE id = $1`, g.ID, g.Name, nodeIDs)
	if err != nil {
		return toErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_groups WHERE id = $1`, id)
	return toErr(err)
}
