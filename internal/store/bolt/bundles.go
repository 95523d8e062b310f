package bolt

import (
	"context"
	"slices"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Store) CreateBundle(_ context.Context, b *v1.Bundle) error {
	return s.update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(idxBundleVersion)
		vk := key(b.ProjectID, b.Version)
		if idx.Get(vk) != nil {
			return store.ErrConflict
		}
		if err := idx.Put(vk, key(b.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketBundles), key(b.ID), b)
	})
}

func (s *Store) GetBundle(_ context.Context, id string) (*v1.Bundle, error) {
	var b v1.Bundle
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketBundles), key(id), &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBundles(_ context.Context, f store.BundleFilter) ([]*v1.Bundle, error) {
	var out []*v1.Bundle
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketBundles), func(b *v1.Bundle) error {
			if f.ProjectID != "" && b.ProjectID != f.ProjectID {
				return nil
			}
			if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, b.Status) {
				return nil
			}
			out = append(out, b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ClaimBundleForCompile(_ context.Context, id string) (*v1.Bundle, error) {
	var b v1.Bundle
	err := s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBundles)
		if err := getJSON(bk, key(id), &b); err != nil {
			return err
		}
		if b.Status != v1.BundlePending {
			return store.ErrConflict
		}
		b.Status = v1.BundleCompiling
		return putJSON(bk, key(id), &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) FinishCompile(_ context.Context, b *v1.Bundle) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBundles)
		var current v1.Bundle
		if err := getJSON(bk, key(b.ID), &current); err != nil {
			return err
		}
		if current.Status != v1.BundleCompiling {
			return store.ErrConflict
		}
		return putJSON(bk, key(b.ID), b)
	})
}

func (s *Store) SupersedeOthers(_ context.Context, projectID, keepBundleID string) ([]string, error) {
	var touched []string
	err := s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBundles)
		var rows []*v1.Bundle
		err := forEachJSON(bk, func(b *v1.Bundle) error {
			if b.ProjectID == projectID && b.ID != keepBundleID && b.Status == v1.BundleCompiled {
				rows = append(rows, b)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, b := range rows {
			b.Status = v1.BundleSuperseded
			if err := putJSON(bk, key(b.ID), b); err != nil {
				return err
			}
			touched = append(touched, b.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

func (s *Store) RevokeBundle(_ context.Context, id string, now time.Time) (*v1.Bundle, error) {
	var b v1.Bundle
	err := s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBundles)
		if err := getJSON(bk, key(id), &b); err != nil {
			return err
		}
		if !b.Status.Distributable() {
			return store.ErrConflict
		}
		b.Status = v1.BundleRevoked
		b.RevokedAt = &now
		return putJSON(bk, key(id), &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetLatestCompiled(_ context.Context, projectID string) (*v1.Bundle, error) {
	var best *v1.Bundle
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketBundles), func(b *v1.Bundle) error {
			if b.ProjectID != projectID || b.Status != v1.BundleCompiled {
				return nil
			}
			if best == nil || b.CreatedAt.After(best.CreatedAt) {
				best = b
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) DeleteBundle(_ context.Context, id string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketBundles)
		var b v1.Bundle
		if err := getJSON(bk, key(id), &b); err != nil {
			return err
		}
		if err := tx.Bucket(idxBundleVersion).Delete(key(b.ProjectID, b.Version)); err != nil {
			return err
		}
		return bk.Delete(key(id))
	})
}

func (s *Store) CreatePromotion(_ context.Context, p *v1.Promotion) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketPromotions)
		pk := key(p.BundleID, p.EnvironmentID)
		if bk.Get(pk) != nil {
			return store.ErrConflict
		}
		return putJSON(bk, pk, p)
	})
}

func (s *Store) ListPromotions(_ context.Context, bundleID string) ([]*v1.Promotion, error) {
	var out []*v1.Promotion
	err := s.view(func(tx *bbolt.Tx) error {
		return prefixScan(tx.Bucket(bucketPromotions), key(bundleID, ""), func(_, v []byte) error {
			var p v1.Promotion
			if err := decodeJSON(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
