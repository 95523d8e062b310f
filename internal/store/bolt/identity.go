package bolt

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// signingKeyRow keeps the private key out of the entity's JSON tags while
// still persisting it.
type signingKeyRow struct {
	v1.SigningKey
	PrivateKey []byte `json:"private_key"`
}

func (s *Store) CreateSigningKey(_ context.Context, k *v1.SigningKey) error {
	row := signingKeyRow{SigningKey: *k, PrivateKey: k.PrivateKey}
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketSigningKeys), key(k.ID), &row)
	})
}

func (s *Store) GetSigningKey(_ context.Context, id string) (*v1.SigningKey, error) {
	var row signingKeyRow
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketSigningKeys), key(id), &row)
	})
	if err != nil {
		return nil, err
	}
	k := row.SigningKey
	k.PrivateKey = row.PrivateKey
	return &k, nil
}

func (s *Store) ActiveSigningKey(_ context.Context, orgID string, now time.Time) (*v1.SigningKey, error) {
	var best *v1.SigningKey
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSigningKeys).ForEach(func(_, v []byte) error {
			var row signingKeyRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			k := row.SigningKey
			k.PrivateKey = row.PrivateKey
			if k.OrgID != orgID || !k.Usable(now) {
				return nil
			}
			if best == nil || k.CreatedAt.After(best.CreatedAt) {
				best = &k
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

func (s *Store) ListSigningKeys(_ context.Context, orgID string) ([]*v1.SigningKey, error) {
	var out []*v1.SigningKey
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSigningKeys).ForEach(func(_, v []byte) error {
			var row signingKeyRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.OrgID == orgID {
				k := row.SigningKey
				k.PrivateKey = row.PrivateKey
				out = append(out, &k)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeactivateSigningKey(_ context.Context, id string, now time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSigningKeys)
		var row signingKeyRow
		if err := getJSON(b, key(id), &row); err != nil {
			return err
		}
		row.Active = false
		row.DeactivatedAt = &now
		return putJSON(b, key(id), &row)
	})
}

// apiKeyRow persists the hash alongside the entity.
type apiKeyRow struct {
	v1.APIKey
	KeyHash string `json:"key_hash"`
}

func (s *Store) CreateAPIKey(_ context.Context, k *v1.APIKey) error {
	row := apiKeyRow{APIKey: *k, KeyHash: k.KeyHash}
	return s.update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(idxAPIKeyHash)
		if idx.Get(key(k.KeyHash)) != nil {
			return store.ErrConflict
		}
		if err := idx.Put(key(k.KeyHash), key(k.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketAPIKeys), key(k.ID), &row)
	})
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*v1.APIKey, error) {
	var row apiKeyRow
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(idxAPIKeyHash).Get(key(hash))
		if id == nil {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketAPIKeys), id, &row)
	})
	if err != nil {
		return nil, err
	}
	k := row.APIKey
	k.KeyHash = row.KeyHash
	return &k, nil
}

func (s *Store) ListAPIKeys(_ context.Context, orgID string) ([]*v1.APIKey, error) {
	var out []*v1.APIKey
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketAPIKeys), func(row *apiKeyRow) error {
			if row.OrgID == orgID {
				k := row.APIKey
				k.KeyHash = row.KeyHash
				out = append(out, &k)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id string, now time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		var row apiKeyRow
		if err := getJSON(b, key(id), &row); err != nil {
			return err
		}
		row.RevokedAt = &now
		return putJSON(b, key(id), &row)
	})
}
