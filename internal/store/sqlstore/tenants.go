package sqlstore

import (
	"context"
	"time"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Store) CreateOrganization(ctx context.Context, org *v1.Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, slug, created_at) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Name, org.Slug, org.CreatedAt)
	return toErr(err)
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*v1.Organization, error) {
	var org v1.Organization
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, name, slug, created_at FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err != nil {
		return nil, toErr(err)
	}
	org.CreatedAt = org.CreatedAt.UTC()
	return &org, nil
}

type projectRow struct {
	ID        string    `db:"id"`
	OrgID     string    `db:"org_id"`
	Name      string    `db:"name"`
	Slug      string    `db:"slug"`
	Settings  []byte    `db:"settings"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *projectRow) toProject() (*v1.Project, error) {
	p := &v1.Project{ID: r.ID, OrgID: r.OrgID, Name: r.Name, Slug: r.Slug, CreatedAt: r.CreatedAt.UTC()}
	if err := fromJSON(r.Settings, &p.Settings); err != nil {
		return nil, err
	}
	return p, nil
}

const projectColumns = `id, org_id, name, slug, settings, created_at`

func (s *Store) CreateProject(ctx context.Context, p *v1.Project) error {
	settings, err := jsonOf(p.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, org_id, name, slug, settings, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrgID, p.Name, p.Slug, settings, p.CreatedAt)
	return toErr(err)
}

func (s *Store) getProject(ctx context.Context, where string, arg any) (*v1.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, `SELECT `+projectColumns+` FROM projects WHERE `+where, arg)
	if err != nil {
		return nil, toErr(err)
	}
	return row.toProject()
}

func (s *Store) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	return s.getProject(ctx, `id = $1`, id)
}

func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*v1.Project, error) {
	return s.getProject(ctx, `slug = $1`, slug)
}

func (s *Store) ListProjects(ctx context.Context, orgID string) ([]*v1.Project, error) {
	var rows []projectRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+projectColumns+` FROM projects WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, toErr(err)
	}
	out := make([]*v1.Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toProject()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) UpdateProjectSettings(ctx context.Context, projectID string, settings v1.ProjectSettings) error {
	data, err := jsonOf(settings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET settings = $2 WHERE id = $1`, projectID, data)
	if err != nil {
		return toErr(err)
	}
	return guarded(ctx, s.db, res, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, projectID)
}

func (s *Store) CreateEnvironment(ctx context.Context, e *v1.Environment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (id, project_id, name, ordinal) VALUES ($1, $2, $3, $4)`,
		e.ID, e.ProjectID, e.Name, e.Ordinal)
	return toErr(err)
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (*v1.Environment, error) {
	var e v1.Environment
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, project_id, name, ordinal FROM environments WHERE id = $1`, id).
		Scan(&e.ID, &e.ProjectID, &e.Name, &e.Ordinal)
	if err != nil {
		return nil, toErr(err)
	}
	return &e, nil
}

func (s *Store) ListEnvironments(ctx context.Context, projectID string) ([]*v1.Environment, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, project_id, name, ordinal FROM environments WHERE project_id = $1 ORDER BY ordinal`, projectID)
	if err != nil {
		return nil, toErr(err)
	}
	defer rows.Close()
	var out []*v1.Environment
	for rows.Next() {
		var e v1.Environment
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u *v1.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Email, u.CreatedAt)
	return toErr(err)
}

func (s *Store) GetUser(ctx context.Context, id string) (*v1.User, error) {
	var u v1.User
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, name, email, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, toErr(err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) SetMembership(ctx context.Context, m *v1.OrgMembership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_memberships (org_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.OrgID, m.UserID, m.Role)
	return toErr(err)
}

func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*v1.OrgMembership, error) {
	var m v1.OrgMembership
	err := s.db.QueryRowxContext(ctx,
		`SELECT org_id, user_id, role FROM org_memberships WHERE org_id = $1 AND user_id = $2`,
		orgID, userID).Scan(&m.OrgID, &m.UserID, &m.Role)
	if err != nil {
		return nil, toErr(err)
	}
	return &m, nil
}
