package bolt

import (
	"context"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Store) CreateDriftEvent(_ context.Context, d *v1.DriftEvent) error {
	return s.update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(idxDriftOpen)
		if idx.Get(key(d.NodeID)) != nil {
			return store.ErrConflict
		}
		if err := idx.Put(key(d.NodeID), key(d.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketDrift), key(d.ID), d)
	})
}

func (s *Store) GetDriftEvent(_ context.Context, id string) (*v1.DriftEvent, error) {
	var d v1.DriftEvent
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketDrift), key(id), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) OpenDriftEvent(_ context.Context, nodeID string) (*v1.DriftEvent, error) {
	var d v1.DriftEvent
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(idxDriftOpen).Get(key(nodeID))
		if id == nil {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketDrift), id, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDriftEvents(_ context.Context, f store.DriftFilter) ([]*v1.DriftEvent, error) {
	var out []*v1.DriftEvent
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketDrift), func(d *v1.DriftEvent) error {
			if f.ProjectID != "" && d.ProjectID != f.ProjectID {
				return nil
			}
			if f.NodeID != "" && d.NodeID != f.NodeID {
				return nil
			}
			if f.Open != nil && d.Resolved() == *f.Open {
				return nil
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func resolveDrift(tx *bbolt.Tx, d *v1.DriftEvent, res v1.DriftResolution, resolvedBy string, autoCleared bool, now time.Time) error {
	if d.Resolved() {
		return store.ErrConflict
	}
	d.ResolvedAt = &now
	d.Resolution = res
	d.ResolvedBy = resolvedBy
	d.AutoCleared = autoCleared
	if err := tx.Bucket(idxDriftOpen).Delete(key(d.NodeID)); err != nil {
		return err
	}
	return putJSON(tx.Bucket(bucketDrift), key(d.ID), d)
}

func (s *Store) ResolveDriftEvent(_ context.Context, id string, res v1.DriftResolution, resolvedBy string, autoCleared bool, now time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		var d v1.DriftEvent
		if err := getJSON(tx.Bucket(bucketDrift), key(id), &d); err != nil {
			return err
		}
		return resolveDrift(tx, &d, res, resolvedBy, autoCleared, now)
	})
}

func (s *Store) ResolveProjectDrift(_ context.Context, projectID string, res v1.DriftResolution, resolvedBy string, now time.Time) (int, error) {
	count := 0
	err := s.update(func(tx *bbolt.Tx) error {
		var open []*v1.DriftEvent
		err := forEachJSON(tx.Bucket(bucketDrift), func(d *v1.DriftEvent) error {
			if d.ProjectID == projectID && !d.Resolved() {
				open = append(open, d)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, d := range open {
			if err := resolveDrift(tx, d, res, resolvedBy, false, now); err != nil {
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

func (s *Store) SetRemediation(_ context.Context, eventID, rolloutID string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketDrift)
		var d v1.DriftEvent
		if err := getJSON(bk, key(eventID), &d); err != nil {
			return err
		}
		d.RemediationRolloutID = rolloutID
		d.Resolution = v1.DriftResolvedRolloutStarted
		return putJSON(bk, key(eventID), &d)
	})
}

func (s *Store) DriftStats(_ context.Context, projectID string) (*v1.DriftStats, error) {
	stats := &v1.DriftStats{ProjectID: projectID, OpenByExpected: map[string]int{}}
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketDrift), func(d *v1.DriftEvent) error {
			if d.ProjectID != projectID {
				return nil
			}
			if d.Resolved() {
				stats.ResolvedTotal++
				return nil
			}
			stats.OpenTotal++
			stats.OpenByExpected[d.ExpectedBundleID]++
			if stats.OldestOpenAt == nil || d.DetectedAt.Before(*stats.OldestOpenAt) {
				t := d.DetectedAt
				stats.OldestOpenAt = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if stats.OpenTotal == 0 {
		stats.OpenByExpected = nil
	}
	return stats, nil
}
