package bolt

import (
	"context"
	"sort"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// webhookRow persists the signing secret alongside the entity.
type webhookRow struct {
	v1.WebhookEndpoint
	Secret string `json:"secret"`
}

func (s *Store) CreateService(_ context.Context, svc *v1.ServiceEndpoint) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketServices), key(svc.ID), svc)
	})
}

func (s *Store) GetService(_ context.Context, id string) (*v1.ServiceEndpoint, error) {
	var svc v1.ServiceEndpoint
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketServices), key(id), &svc)
	})
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *Store) ListServices(_ context.Context, projectID string) ([]*v1.ServiceEndpoint, error) {
	var out []*v1.ServiceEndpoint
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketServices), func(svc *v1.ServiceEndpoint) error {
			if svc.ProjectID == projectID {
				out = append(out, svc)
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

func (s *Store) DeleteService(_ context.Context, id string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketServices).Delete(key(id))
	})
}

func (s *Store) CreateRule(_ context.Context, r *v1.ValidationRule) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRules), key(r.ID), r)
	})
}

func (s *Store) ListRules(_ context.Context, projectID string) ([]*v1.ValidationRule, error) {
	var out []*v1.ValidationRule
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketRules), func(r *v1.ValidationRule) error {
			if r.ProjectID == projectID {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateRule(_ context.Context, r *v1.ValidationRule) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketRules)
		if bk.Get(key(r.ID)) == nil {
			return store.ErrNotFound
		}
		return putJSON(bk, key(r.ID), r)
	})
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRules).Delete(key(id))
	})
}

func (s *Store) CreateWebhook(_ context.Context, w *v1.WebhookEndpoint) error {
	row := webhookRow{WebhookEndpoint: *w, Secret: w.Secret}
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketWebhooks), key(w.ID), &row)
	})
}

func (s *Store) GetWebhook(_ context.Context, id string) (*v1.WebhookEndpoint, error) {
	var row webhookRow
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketWebhooks), key(id), &row)
	})
	if err != nil {
		return nil, err
	}
	w := row.WebhookEndpoint
	w.Secret = row.Secret
	return &w, nil
}

func (s *Store) ListWebhooks(_ context.Context, projectID string) ([]*v1.WebhookEndpoint, error) {
	var out []*v1.WebhookEndpoint
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketWebhooks), func(row *webhookRow) error {
			if row.ProjectID != projectID {
				return nil
			}
			w := row.WebhookEndpoint
			w.Secret = row.Secret
			out = append(out, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteWebhook(_ context.Context, id string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWebhooks).Delete(key(id))
	})
}
