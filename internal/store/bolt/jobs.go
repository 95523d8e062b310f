package bolt

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// The dedup index holds pending jobs only: the slot is released when the job
// is claimed so handlers can re-enqueue their own kind while still running.

func (s *Store) EnqueueJob(_ context.Context, j *v1.Job) error {
	return s.update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(idxJobDedup)
		if j.DedupKey != "" {
			if idx.Get(key(j.DedupKey)) != nil {
				return store.ErrConflict
			}
			if err := idx.Put(key(j.DedupKey), key(j.ID)); err != nil {
				return err
			}
		}
		return putJSON(tx.Bucket(bucketJobs), key(j.ID), j)
	})
}

func (s *Store) ClaimDueJob(_ context.Context, now time.Time) (*v1.Job, error) {
	var claimed *v1.Job
	err := s.update(func(tx *bbolt.Tx) error {
		var due *v1.Job
		err := forEachJSON(tx.Bucket(bucketJobs), func(j *v1.Job) error {
			if j.State != v1.JobPending || j.RunAt.After(now) {
				return nil
			}
			if due == nil || j.RunAt.Before(due.RunAt) ||
				(j.RunAt.Equal(due.RunAt) && j.CreatedAt.Before(due.CreatedAt)) {
				due = j
			}
			return nil
		})
		if err != nil {
			return err
		}
		if due == nil {
			return store.ErrNotFound
		}
		due.State = v1.JobRunning
		due.Attempts++
		due.UpdatedAt = now
		if due.DedupKey != "" {
			idx := tx.Bucket(idxJobDedup)
			if bytes.Equal(idx.Get(key(due.DedupKey)), key(due.ID)) {
				if err := idx.Delete(key(due.DedupKey)); err != nil {
					return err
				}
			}
		}
		if err := putJSON(tx.Bucket(bucketJobs), key(due.ID), due); err != nil {
			return err
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompleteJob(_ context.Context, id string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(key(id))
	})
}

func (s *Store) RetryJob(_ context.Context, j *v1.Job, runAt time.Time, lastErr string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketJobs)
		var current v1.Job
		if err := getJSON(bk, key(j.ID), &current); err != nil {
			return err
		}
		if current.State != v1.JobRunning {
			return store.ErrConflict
		}
		j.State = v1.JobPending
		j.RunAt = runAt
		j.LastError = lastErr
		if j.DedupKey != "" {
			idx := tx.Bucket(idxJobDedup)
			// A fresh duplicate may already hold the slot; the retried
			// row runs alongside it, which idempotent handlers absorb.
			if idx.Get(key(j.DedupKey)) == nil {
				if err := idx.Put(key(j.DedupKey), key(j.ID)); err != nil {
					return err
				}
			}
		}
		return putJSON(bk, key(j.ID), j)
	})
}

func (s *Store) FailJob(_ context.Context, j *v1.Job, lastErr string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketJobs)
		var current v1.Job
		if err := getJSON(bk, key(j.ID), &current); err != nil {
			return err
		}
		if current.State != v1.JobRunning {
			return store.ErrConflict
		}
		j.State = v1.JobFailed
		j.LastError = lastErr
		return putJSON(bk, key(j.ID), j)
	})
}

func (s *Store) RequeueStuckJobs(_ context.Context, cutoff time.Time) (int, error) {
	count := 0
	err := s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketJobs)
		var stuck []*v1.Job
		err := forEachJSON(bk, func(j *v1.Job) error {
			if j.State == v1.JobRunning && j.UpdatedAt.Before(cutoff) {
				stuck = append(stuck, j)
			}
			return nil
		})
		if err != nil {
			return err
		}
		idx := tx.Bucket(idxJobDedup)
		for _, j := range stuck {
			j.State = v1.JobPending
			if j.DedupKey != "" && idx.Get(key(j.DedupKey)) == nil {
				if err := idx.Put(key(j.DedupKey), key(j.ID)); err != nil {
					return err
				}
			}
			if err := putJSON(bk, key(j.ID), j); err != nil {
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

func (s *Store) ListJobs(_ context.Context, states []v1.JobState, limit int) ([]*v1.Job, error) {
	var out []*v1.Job
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketJobs), func(j *v1.Job) error {
			if len(states) > 0 && !slices.Contains(states, j.State) {
				return nil
			}
			out = append(out, j)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
