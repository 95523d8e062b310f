package bolt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func stepKey(rolloutID string, index int) []byte {
	return key(rolloutID, fmt.Sprintf("%05d", index))
}

func (s *Store) CreateRollout(_ context.Context, r *v1.Rollout) error {
	return s.update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRollouts), key(r.ID), r)
	})
}

func (s *Store) GetRollout(_ context.Context, id string) (*v1.Rollout, error) {
	var r v1.Rollout
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketRollouts), key(id), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRollouts(_ context.Context, f store.RolloutFilter) ([]*v1.Rollout, error) {
	var out []*v1.Rollout
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketRollouts), func(r *v1.Rollout) error {
			if f.ProjectID != "" && r.ProjectID != f.ProjectID {
				return nil
			}
			if f.BundleID != "" && r.BundleID != f.BundleID {
				return nil
			}
			if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// casRollout writes r iff the stored row's state equals expect.
func casRollout(tx *bbolt.Tx, r *v1.Rollout, expect v1.RolloutState) error {
	bk := tx.Bucket(bucketRollouts)
	var current v1.Rollout
	if err := getJSON(bk, key(r.ID), &current); err != nil {
		return err
	}
	if current.State != expect {
		return store.ErrConflict
	}
	return putJSON(bk, key(r.ID), r)
}

func (s *Store) UpdateRollout(_ context.Context, r *v1.Rollout, expect v1.RolloutState) error {
	return s.update(func(tx *bbolt.Tx) error {
		return casRollout(tx, r, expect)
	})
}

func (s *Store) SavePlan(_ context.Context, r *v1.Rollout, expect v1.RolloutState, steps []*v1.RolloutStep, statuses []*v1.NodeBundleStatus) error {
	return s.update(func(tx *bbolt.Tx) error {
		if err := casRollout(tx, r, expect); err != nil {
			return err
		}
		sb := tx.Bucket(bucketSteps)
		for _, st := range steps {
			if err := putJSON(sb, stepKey(st.RolloutID, st.StepIndex), st); err != nil {
				return err
			}
		}
		nb := tx.Bucket(bucketNodeStatuses)
		for _, ns := range statuses {
			if err := putJSON(nb, key(ns.RolloutID, ns.NodeID), ns); err != nil {
				return err
			}
		}
		return nil
	})
}

// casStep writes step iff the stored row's state equals expect.
func casStep(tx *bbolt.Tx, step *v1.RolloutStep, expect v1.StepState) error {
	bk := tx.Bucket(bucketSteps)
	k := stepKey(step.RolloutID, step.StepIndex)
	var current v1.RolloutStep
	if err := getJSON(bk, k, &current); err != nil {
		return err
	}
	if current.State != expect {
		return store.ErrConflict
	}
	return putJSON(bk, k, step)
}

func (s *Store) StartStep(_ context.Context, step *v1.RolloutStep, bundleID string, now time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		if err := casStep(tx, step, v1.StepPending); err != nil {
			return err
		}
		nodes := tx.Bucket(bucketNodes)
		for _, nodeID := range step.NodeIDs {
			var row nodeRow
			if err := getJSON(nodes, key(nodeID), &row); err != nil {
				return err
			}
			row.StagedBundleID = bundleID
			if err := putJSON(nodes, key(nodeID), &row); err != nil {
				return err
			}
		}
		return advanceStatuses(tx, step, bundleID, v1.NodeBundleStaging, func(ns *v1.NodeBundleStatus) {
			ns.StagedAt = &now
			ns.UpdatedAt = now
		})
	})
}

func (s *Store) CompleteStep(_ context.Context, step *v1.RolloutStep, bundleID string, now time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		if err := casStep(tx, step, v1.StepVerifying); err != nil {
			return err
		}
		nodes := tx.Bucket(bucketNodes)
		for _, nodeID := range step.NodeIDs {
			var row nodeRow
			if err := getJSON(nodes, key(nodeID), &row); err != nil {
				return err
			}
			row.ExpectedBundleID = bundleID
			if err := putJSON(nodes, key(nodeID), &row); err != nil {
				return err
			}
		}
		return advanceStatuses(tx, step, bundleID, v1.NodeBundleActive, func(ns *v1.NodeBundleStatus) {
			ns.ActivatedAt = &now
			ns.VerifiedAt = &now
			ns.UpdatedAt = now
		})
	})
}

// advanceStatuses force-writes the engine-driven state on every status row of
// the step. Engine writes are authoritative, so no rank check here.
func advanceStatuses(tx *bbolt.Tx, step *v1.RolloutStep, bundleID string, state v1.NodeBundleState, mutate func(*v1.NodeBundleStatus)) error {
	bk := tx.Bucket(bucketNodeStatuses)
	for _, nodeID := range step.NodeIDs {
		k := key(step.RolloutID, nodeID)
		var ns v1.NodeBundleStatus
		if err := getJSON(bk, k, &ns); err != nil {
			return err
		}
		ns.State = state
		ns.BundleID = bundleID
		if mutate != nil {
			mutate(&ns)
		}
		if err := putJSON(bk, k, &ns); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpdateStep(_ context.Context, step *v1.RolloutStep, expect v1.StepState) error {
	return s.update(func(tx *bbolt.Tx) error {
		return casStep(tx, step, expect)
	})
}

func (s *Store) ListSteps(_ context.Context, rolloutID string) ([]*v1.RolloutStep, error) {
	var out []*v1.RolloutStep
	err := s.view(func(tx *bbolt.Tx) error {
		return prefixScan(tx.Bucket(bucketSteps), key(rolloutID, ""), func(_, v []byte) error {
			var st v1.RolloutStep
			if err := decodeJSON(v, &st); err != nil {
				return err
			}
			out = append(out, &st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FailRollout(_ context.Context, r *v1.Rollout, failedStep *v1.RolloutStep, now time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		if err := casRollout(tx, r, v1.RolloutRunning); err != nil {
			return err
		}
		if failedStep != nil {
			bk := tx.Bucket(bucketSteps)
			if err := putJSON(bk, stepKey(failedStep.RolloutID, failedStep.StepIndex), failedStep); err != nil {
				return err
			}
			if err := advanceStatuses(tx, failedStep, r.BundleID, v1.NodeBundleFailed, func(ns *v1.NodeBundleStatus) {
				ns.UpdatedAt = now
			}); err != nil {
				return err
			}
		}
		return skipPendingSteps(tx, r.ID)
	})
}

func (s *Store) TerminateRollout(_ context.Context, r *v1.Rollout, expect v1.RolloutState, resetStaged bool) error {
	return s.update(func(tx *bbolt.Tx) error {
		if err := casRollout(tx, r, expect); err != nil {
			return err
		}
		if err := skipPendingSteps(tx, r.ID); err != nil {
			return err
		}
		if !resetStaged {
			return nil
		}
		nodes := tx.Bucket(bucketNodes)
		var rows []*nodeRow
		err := forEachJSON(nodes, func(row *nodeRow) error {
			if row.StagedBundleID == r.BundleID {
				rows = append(rows, row)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			row.StagedBundleID = ""
			if err := putJSON(nodes, key(row.ID), row); err != nil {
				return err
			}
		}
		return nil
	})
}

func skipPendingSteps(tx *bbolt.Tx, rolloutID string) error {
	bk := tx.Bucket(bucketSteps)
	var pending []*v1.RolloutStep
	err := prefixScan(bk, key(rolloutID, ""), func(_, v []byte) error {
		var st v1.RolloutStep
		if err := decodeJSON(v, &st); err != nil {
			return err
		}
		if st.State == v1.StepPending {
			pending = append(pending, &st)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, st := range pending {
		st.State = v1.StepSkipped
		if err := putJSON(bk, stepKey(st.RolloutID, st.StepIndex), st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertNodeBundleStatus(_ context.Context, ns *v1.NodeBundleStatus) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketNodeStatuses)
		k := key(ns.RolloutID, ns.NodeID)
		var current v1.NodeBundleStatus
		err := getJSON(bk, k, &current)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return putJSON(bk, k, ns)
		case err != nil:
			return err
		}
		if v1.NodeBundleStateRank[ns.State] < v1.NodeBundleStateRank[current.State] {
			// Stale report; keep the row but remember we heard from
			// the node.
			current.LastReportAt = ns.LastReportAt
			current.UpdatedAt = ns.UpdatedAt
			return putJSON(bk, k, &current)
		}
		return putJSON(bk, k, ns)
	})
}

func (s *Store) GetNodeBundleStatus(_ context.Context, rolloutID, nodeID string) (*v1.NodeBundleStatus, error) {
	var ns v1.NodeBundleStatus
	err := s.view(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketNodeStatuses), key(rolloutID, nodeID), &ns)
	})
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *Store) ListNodeBundleStatuses(_ context.Context, rolloutID string) ([]*v1.NodeBundleStatus, error) {
	var out []*v1.NodeBundleStatus
	err := s.view(func(tx *bbolt.Tx) error {
		return prefixScan(tx.Bucket(bucketNodeStatuses), key(rolloutID, ""), func(_, v []byte) error {
			var ns v1.NodeBundleStatus
			if err := decodeJSON(v, &ns); err != nil {
				return err
			}
			out = append(out, &ns)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateApproval(_ context.Context, a *v1.Approval) error {
	return s.update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketApprovals)
		k := key(a.RolloutID, a.UserID)
		if bk.Get(k) != nil {
			return store.ErrConflict
		}
		return putJSON(bk, k, a)
	})
}

func (s *Store) ListApprovals(_ context.Context, rolloutID string) ([]*v1.Approval, error) {
	var out []*v1.Approval
	err := s.view(func(tx *bbolt.Tx) error {
		return prefixScan(tx.Bucket(bucketApprovals), key(rolloutID, ""), func(_, v []byte) error {
			var a v1.Approval
			if err := decodeJSON(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDueScheduled(_ context.Context, now time.Time) ([]*v1.Rollout, error) {
	var out []*v1.Rollout
	err := s.view(func(tx *bbolt.Tx) error {
		return forEachJSON(tx.Bucket(bucketRollouts), func(r *v1.Rollout) error {
			if r.State != v1.RolloutPending || r.ScheduledAt == nil {
				return nil
			}
			if r.ScheduledAt.After(now) {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}
