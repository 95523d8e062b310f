// Package bolt implements the store contract on an embedded bbolt database.
// Rows are JSON-encoded; secondary indexes are plain buckets mapping a
// composite key to the row id. Every conditional operation runs inside one
// Update transaction, which is what gives the engines their CAS guarantees.
package bolt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
)

var (
	bucketOrgs         = []byte("organizations")
	bucketProjects     = []byte("projects")
	bucketEnvs         = []byte("environments")
	bucketUsers        = []byte("users")
	bucketMemberships  = []byte("memberships")
	bucketSigningKeys  = []byte("signing_keys")
	bucketAPIKeys      = []byte("api_keys")
	bucketBundles      = []byte("bundles")
	bucketPromotions   = []byte("promotions")
	bucketNodes        = []byte("nodes")
	bucketHeartbeats   = []byte("heartbeats")
	bucketNodeEvents   = []byte("node_events")
	bucketGroups       = []byte("groups")
	bucketRollouts     = []byte("rollouts")
	bucketSteps        = []byte("rollout_steps")
	bucketNodeStatuses = []byte("node_bundle_statuses")
	bucketApprovals    = []byte("approvals")
	bucketDrift        = []byte("drift_events")
	bucketJobs         = []byte("jobs")
	bucketServices     = []byte("services")
	bucketRules        = []byte("validation_rules")
	bucketWebhooks     = []byte("webhooks")

	idxProjectSlug   = []byte("idx_project_slug")
	idxBundleVersion = []byte("idx_bundle_project_version")
	idxNodeName      = []byte("idx_node_project_name")
	idxNodeKeyHash   = []byte("idx_node_key_hash")
	idxAPIKeyHash    = []byte("idx_api_key_hash")
	idxDriftOpen     = []byte("idx_drift_open_node")
	idxJobDedup      = []byte("idx_job_dedup")
)

var allBuckets = [][]byte{
	bucketOrgs, bucketProjects, bucketEnvs, bucketUsers, bucketMemberships,
	bucketSigningKeys, bucketAPIKeys, bucketBundles, bucketPromotions,
	bucketNodes, bucketHeartbeats, bucketNodeEvents, bucketGroups,
	bucketRollouts, bucketSteps, bucketNodeStatuses, bucketApprovals,
	bucketDrift, bucketJobs, bucketServices, bucketRules, bucketWebhooks,
	idxProjectSlug, idxBundleVersion, idxNodeName, idxNodeKeyHash,
	idxAPIKeyHash, idxDriftOpen, idxJobDedup,
}

// Store is the embedded implementation of store.Interface.
type Store struct {
	db *bbolt.DB
}

var _ store.Interface = (*Store)(nil)

// Open opens or creates the database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// key joins parts into a composite bucket key.
func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

func putJSON(b *bbolt.Bucket, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(k, data)
}

func getJSON(b *bbolt.Bucket, k []byte, out any) error {
	data := b.Get(k)
	if data == nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

// forEachJSON decodes every row in the bucket into fresh values of T and
// hands them to fn. Sub-buckets are skipped.
func forEachJSON[T any](b *bbolt.Bucket, fn func(*T) error) error {
	return b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		var row T
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		return fn(&row)
	})
}

// view/update shrink the ctx-free bbolt signatures at call sites.
func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	return s.db.Update(fn)
}

// prefixScan iterates rows whose key starts with prefix.
func prefixScan(b *bbolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
