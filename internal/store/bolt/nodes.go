package bolt

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// nodeRow persists the key hash alongside the entity.
type nodeRow struct {
	v1.Node
	KeyHash string `json:"key_hash"`
}

func nodeFromRow(row *nodeRow) *v1.Node {
	n := row.Node
	n.KeyHash = row.KeyHash
	return &n
}

func (s *Store) CreateNode(_ context.Context, n *v1.Node) error {
	row := nodeRow{Node: *n, KeyHash: n.KeyHash}
	return s.update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(idxNodeName)
		nk := key(n.ProjectID, n.Name)
		if idx.Get(nk) != nil {
			return store.ErrConflict
		}
		if err := idx.Put(nk, key(n.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(idxNodeKeyHash).Put(key(n.KeyHash), key(n.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketNodes), key(n.ID), &row)
	})
}

func (s *Store) GetNode(_ context.Context, id string) (*v1.Node, error) {
	var row nodeRow
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketNodes), key(id), &row)
	})
	if err != nil {
		return nil, err
	}
	return nodeFromRow(&row), nil
}

func (s *Store) GetNodeByName(_ context.Context, projectID, name string) (*v1.Node, error) {
	var row nodeRow
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(idxNodeName).Get(key(projectID, name))
		if id == nil {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketNodes), id, &row)
	})
	if err != nil {
		return nil, err
	}
	return nodeFromRow(&row), nil
}

func (s *Store) GetNodeByKeyHash(_ context.Context, keyHash string) (*v1.Node, error) {
	var row nodeRow
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(idxNodeKeyHash).Get(key(keyHash))
		if id == nil {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketNodes), id, &row)
	})
	if err != nil {
		return nil, err
	}
	return nodeFromRow(&row), nil
}

func (s *Store) ListNodes(_ context.Context, f store.NodeFilter) ([]*v1.Node, error) {
	var out []*v1.Node
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketNodes), func(row *nodeRow) error {
			n := nodeFromRow(row)
			if f.ProjectID != "" && n.ProjectID != f.ProjectID {
				return nil
			}
			if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, n.Status) {
				return nil
			}
			if len(f.IDs) > 0 && !slices.Contains(f.IDs, n.ID) {
				return nil
			}
			if len(f.Labels) > 0 && !store.MatchLabels(f.Labels, n.Labels) {
				return nil
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateNode(_ context.Context, n *v1.Node) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketNodes)
		var current nodeRow
		if err := getJSON(bk, key(n.ID), &current); err != nil {
			return err
		}
		row := nodeRow{Node: *n, KeyHash: current.KeyHash}
		if n.KeyHash != "" {
			row.KeyHash = n.KeyHash
		}
		return putJSON(bk, key(n.ID), &row)
	})
}

func (s *Store) SetExpectedBundle(_ context.Context, nodeIDs []string, bundleID string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketNodes)
		for _, id := range nodeIDs {
			var row nodeRow
			if err := getJSON(bk, key(id), &row); err != nil {
				return err
			}
			row.ExpectedBundleID = bundleID
			if err := putJSON(bk, key(id), &row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ResetStagedForBundle(_ context.Context, bundleID string) (int, error) {
	count := 0
	err := s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketNodes)
		var rows []*nodeRow
		err := forEachJSON(bk, func(row *nodeRow) error {
			if row.StagedBundleID == bundleID {
				rows = append(rows, row)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			row.StagedBundleID = ""
			if err := putJSON(bk, key(row.ID), row); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) MarkStaleOffline(_ context.Context, cutoff time.Time) ([]*v1.Node, error) {
	var flipped []*v1.Node
	err := s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketNodes)
		var rows []*nodeRow
		err := forEachJSON(bk, func(row *nodeRow) error {
			if row.Status != v1.NodeOnline {
				return nil
			}
			if row.LastSeenAt == nil || row.LastSeenAt.Before(cutoff) {
				rows = append(rows, row)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			row.Status = v1.NodeOffline
			if err := putJSON(bk, key(row.ID), row); err != nil {
				return err
			}
			flipped = append(flipped, nodeFromRow(row))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flipped, nil
}

// Heartbeats live in one sub-bucket per node, keyed by zero-padded
// insert-time nanos so the cursor's last entry is the newest.
func timeSeriesKey(t time.Time, id string) []byte {
	return key(fmt.Sprintf("%020d", t.UnixNano()), id)
}

func (s *Store) InsertHeartbeat(_ context.Context, hb *v1.Heartbeat) error {
	return s.update(func(tx *bbolt.Tx) error {
		nb, err := tx.Bucket(bucketHeartbeats).CreateBucketIfNotExists(key(hb.NodeID))
		if err != nil {
			return err
		}
		return putJSON(nb, timeSeriesKey(hb.InsertedAt, hb.ID), hb)
	})
}

func (s *Store) LatestHeartbeat(_ context.Context, nodeID string) (*v1.Heartbeat, error) {
	var hb v1.Heartbeat
	err := s.view(func(tx *bbolt.Tx) error {
		nb := tx.Bucket(bucketHeartbeats).Bucket(key(nodeID))
		if nb == nil {
			return store.ErrNotFound
		}
		k, v := nb.Cursor().Last()
		if k == nil {
			return store.ErrNotFound
		}
		return decodeJSON(v, &hb)
	})
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func (s *Store) ListHeartbeats(_ context.Context, nodeID string, limit int) ([]*v1.Heartbeat, error) {
	var out []*v1.Heartbeat
	err := s.view(func(tx *bbolt.Tx) error {
		nb := tx.Bucket(bucketHeartbeats).Bucket(key(nodeID))
		if nb == nil {
			return nil
		}
		c := nb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var hb v1.Heartbeat
			if err := decodeJSON(v, &hb); err != nil {
				return err
			}
			out = append(out, &hb)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PruneHeartbeats(_ context.Context, keep int) (int, error) {
	return s.pruneCapped(bucketHeartbeats, keep)
}

func (s *Store) InsertNodeEvents(_ context.Context, events []*v1.NodeEvent) error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, e := range events {
			nb, err := tx.Bucket(bucketNodeEvents).CreateBucketIfNotExists(key(e.NodeID))
			if err != nil {
				return err
			}
			if err := putJSON(nb, timeSeriesKey(e.InsertedAt, e.ID), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListNodeEvents(_ context.Context, nodeID string, limit int) ([]*v1.NodeEvent, error) {
	var out []*v1.NodeEvent
	err := s.view(func(tx *bbolt.Tx) error {
		nb := tx.Bucket(bucketNodeEvents).Bucket(key(nodeID))
		if nb == nil {
			return nil
		}
		c := nb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e v1.NodeEvent
			if err := decodeJSON(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PruneNodeEvents(_ context.Context, keep int) (int, error) {
	return s.pruneCapped(bucketNodeEvents, keep)
}

// pruneCapped trims every node sub-bucket of a time-keyed bucket down to
// keep rows, deleting from the oldest end.
func (s *Store) pruneCapped(bucket []byte, keep int) (int, error) {
	removed := 0
	err := s.update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucket)
		c := root.Cursor()
		for name, v := c.First(); name != nil; name, v = c.Next() {
			if v != nil {
				continue
			}
			nb := root.Bucket(name)
			total := nb.Stats().KeyN
			excess := total - keep
			if excess <= 0 {
				continue
			}
			var victims [][]byte
			ic := nb.Cursor()
			for k, _ := ic.First(); k != nil && len(victims) < excess; k, _ = ic.Next() {
				victims = append(victims, append([]byte(nil), k...))
			}
			for _, k := range victims {
				if err := nb.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) CreateGroup(_ context.Context, g *v1.NodeGroup) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketGroups), key(g.ID), g)
	})
}

func (s *Store) GetGroup(_ context.Context, id string) (*v1.NodeGroup, error) {
	var g v1.NodeGroup
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketGroups), key(id), &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) ListGroups(_ context.Context, projectID string) ([]*v1.NodeGroup, error) {
	var out []*v1.NodeGroup
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketGroups), func(g *v1.NodeGroup) error {
			if g.ProjectID == projectID {
				out = append(out, g)
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

func (s *Store) UpdateGroup(_ context.Context, g *v1.NodeGroup) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketGroups)
		if bk.Get(key(g.ID)) == nil {
			return store.ErrNotFound
		}
		return putJSON(bk, key(g.ID), g)
	})
}

func (s *Store) DeleteGroup(_ context.Context, id string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).Delete(key(id))
	})
}
