package bolt

import (
	"context"
	"sort"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Store) CreateOrganization(_ context.Context, org *v1.Organization) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketOrgs), key(org.ID), org)
	})
}

func (s *Store) GetOrganization(_ context.Context, id string) (*v1.Organization, error) {
	var org v1.Organization
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketOrgs), key(id), &org)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *Store) CreateProject(_ context.Context, p *v1.Project) error {
	return s.update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(idxProjectSlug)
		if idx.Get(key(p.Slug)) != nil {
			return store.ErrConflict
		}
		if err := idx.Put(key(p.Slug), key(p.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketProjects), key(p.ID), p)
	})
}

func (s *Store) GetProject(_ context.Context, id string) (*v1.Project, error) {
	var p v1.Project
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketProjects), key(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProjectBySlug(_ context.Context, slug string) (*v1.Project, error) {
	var p v1.Project
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(idxProjectSlug).Get(key(slug))
		if id == nil {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketProjects), id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects(_ context.Context, orgID string) ([]*v1.Project, error) {
	var out []*v1.Project
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketProjects), func(p *v1.Project) error {
			if orgID == "" || p.OrgID == orgID {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateProjectSettings(_ context.Context, projectID string, settings v1.ProjectSettings) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		var p v1.Project
		if err := getJSON(b, key(projectID), &p); err != nil {
			return err
		}
		p.Settings = settings
		return putJSON(b, key(projectID), &p)
	})
}

func (s *Store) CreateEnvironment(_ context.Context, e *v1.Environment) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEnvs)
		var conflict bool
		err := forEachJSON(b, func(other *v1.Environment) error {
			if other.ProjectID == e.ProjectID && (other.Ordinal == e.Ordinal || other.Name == e.Name) {
				conflict = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflict {
			return store.ErrConflict
		}
		return putJSON(b, key(e.ID), e)
	})
}

func (s *Store) GetEnvironment(_ context.Context, id string) (*v1.Environment, error) {
	var e v1.Environment
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketEnvs), key(id), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListEnvironments(_ context.Context, projectID string) ([]*v1.Environment, error) {
	var out []*v1.Environment
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketEnvs), func(e *v1.Environment) error {
			if e.ProjectID == projectID {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, u *v1.User) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketUsers), key(u.ID), u)
	})
}

func (s *Store) GetUser(_ context.Context, id string) (*v1.User, error) {
	var u v1.User
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), key(id), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SetMembership(_ context.Context, m *v1.OrgMembership) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketMemberships), key(m.OrgID, m.UserID), m)
	})
}

func (s *Store) GetMembership(_ context.Context, orgID, userID string) (*v1.OrgMembership, error) {
	var m v1.OrgMembership
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketMemberships), key(orgID, userID), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}
