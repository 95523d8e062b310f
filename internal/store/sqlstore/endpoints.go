package sqlstore

import (
	"context"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Store) CreateService(ctx context.Context, svc *v1.ServiceEndpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_endpoints (id, project_id, name, url, method, expect_status, timeout_s, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		svc.ID, svc.ProjectID, svc.Name, svc.URL, svc.Method, svc.ExpectStatus,
		svc.TimeoutSeconds, svc.CreatedAt)
	return toErr(err)
}

func scanService(scan func(...any) error) (*v1.ServiceEndpoint, error) {
	var svc v1.ServiceEndpoint
	if err := scan(&svc.ID, &svc.ProjectID, &svc.Name, &svc.URL, &svc.Method,
		&svc.ExpectStatus, &svc.TimeoutSeconds, &svc.CreatedAt); err != nil {
		return nil, toErr(err)
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	return &svc, nil
}

func (s *Store) GetService(ctx context.Context, id string) (*v1.ServiceEndpoint, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT id, project_id, name, url, method, expect_status, timeout_s, created_at
		 FROM service_endpoints WHERE id = $1`, id)
	return scanService(row.Scan)
}

func (s *Store) ListServices(ctx context.Context, projectID string) ([]*v1.ServiceEndpoint, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, project_id, name, url, method, expect_status, timeout_s, created_at
		 FROM service_endpoints WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.ServiceEndpoint
	for rows.Next() {
		svc, err := scanService(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *Store) DeleteService(ctx context.Context, id string) error {
	return deleteByID(ctx, s, `DELETE FROM service_endpoints WHERE id = $1`, id)
}

func (s *Store) CreateRule(ctx context.Context, r *v1.ValidationRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_rules (id, project_id, kind, value, severity, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ProjectID, string(r.Kind), r.Value, string(r.Severity), r.Enabled, r.CreatedAt)
	return toErr(err)
}

func (s *Store) ListRules(ctx context.Context, projectID string) ([]*v1.ValidationRule, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, project_id, kind, value, severity, enabled, created_at
		 FROM validation_rules WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.ValidationRule
	for rows.Next() {
		var r v1.ValidationRule
		var kind, severity string
		if err := rows.Scan(&r.ID, &r.ProjectID, &kind, &r.Value, &severity, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = v1.RuleKind(kind)
		r.Severity = v1.RuleSeverity(severity)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRule(ctx context.Context, r *v1.ValidationRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_rules SET kind = $2, value = $3, severity = $4, enabled = $5
		 WHERE id = $1`,
		r.ID, string(r.Kind), r.Value, string(r.Severity), r.Enabled)
	if err != nil {
		return toErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return deleteByID(ctx, s, `DELETE FROM validation_rules WHERE id = $1`, id)
}

func (s *Store) CreateWebhook(ctx context.Context, w *v1.WebhookEndpoint) error {
	events, err := jsonOf(w.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, project_id, url, secret, events, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.ProjectID, w.URL, w.Secret, events, w.Active, w.CreatedAt)
	return toErr(err)
}

func scanWebhook(scan func(...any) error) (*v1.WebhookEndpoint, error) {
	var w v1.WebhookEndpoint
	var events []byte
	if err := scan(&w.ID, &w.ProjectID, &w.URL, &w.Secret, &events, &w.Active, &w.CreatedAt); err != nil {
		return nil, toErr(err)
	}
	if err := fromJSON(events, &w.Events); err != nil {
		return nil, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}

func (s *Store) GetWebhook(ctx context.Context, id string) (*v1.WebhookEndpoint, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT id, project_id, url, secret, events, active, created_at
		 FROM webhook_endpoints WHERE id = $1`, id)
	return scanWebhook(row.Scan)
}

func (s *Store) ListWebhooks(ctx context.Context, projectID string) ([]*v1.WebhookEndpoint, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, project_id, url, secret, events, active, created_at
		 FROM webhook_endpoints WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.WebhookEndpoint
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return deleteByID(ctx, s, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
}

func deleteByID(ctx context.Context, s *Store, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return toErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
