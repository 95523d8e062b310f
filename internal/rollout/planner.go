package rollout

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// HandlePlan resolves the rollout's target selector into dense steps and
// per-node status rows, moves the rollout to running and arms the first
// tick. The whole plan lands in one transaction guarded on the rollout still
// being pending, so a duplicate delivery is a no-op.
func (s *Service) HandlePlan(ctx context.Context, job *v1.Job) error {
	args, err := dispatcher.Args[dispatcher.PlanArgs](job)
	if err != nil {
		return err
	}
	r, err := s.store.GetRollout(ctx, args.RolloutID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if r.State != v1.RolloutPending {
		// Planned by an earlier delivery, or terminated meanwhile.
		return nil
	}
	if r.ApprovalState != v1.ApprovalNotRequired && r.ApprovalState != v1.ApprovalApproved {
		s.log.V(1).Info("plan refused, approval gate closed", "rollout", r.ID, "approval", r.ApprovalState)
		return nil
	}
	if r.ScheduledAt != nil && r.ScheduledAt.After(s.clock.Now()) {
		// The scheduled scan re-enqueues once the time comes.
		return nil
	}

	b, err := s.store.GetBundle(ctx, r.BundleID)
	if err != nil {
		return err
	}

	nodes, err := s.resolveTargets(ctx, r.ProjectID, b, r.Target)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		// The selector resolved non-empty at create time, so the fleet
		// changed underneath us. Record why and leave the rollout pending
		// for the operator to retarget or cancel.
		r.Failure = &v1.FailureDetail{
			Reason:  string(errutil.KindNoTargetNodes),
			Message: "target selector resolved to zero nodes at plan time",
		}
		if err := s.store.UpdateRollout(ctx, r, v1.RolloutPending); err != nil && err != store.ErrConflict {
			return err
		}
		s.log.Info("plan found no target nodes", "rollout", r.ID)
		return nil
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	batches := partition(ids, r)

	now := v1.Now(s.clock)
	steps := make([]*v1.RolloutStep, len(batches))
	for i, batch := range batches {
		steps[i] = &v1.RolloutStep{
			ID:        v1.NewID(),
			RolloutID: r.ID,
			StepIndex: i,
			NodeIDs:   batch,
			State:     v1.StepPending,
		}
	}
	statuses := make([]*v1.NodeBundleStatus, len(ids))
	for i, id := range ids {
		statuses[i] = &v1.NodeBundleStatus{
			RolloutID: r.ID,
			NodeID:    id,
			BundleID:  r.BundleID,
			State:     v1.NodeBundlePending,
			UpdatedAt: now,
		}
	}

	r.State = v1.RolloutRunning
	r.StartedAt = &now
	r.StepsTotal = len(steps)
	r.CurrentStep = -1
	r.Failure = nil
	if err := s.store.SavePlan(ctx, r, v1.RolloutPending, steps, statuses); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}

	s.metrics.RolloutsActive.WithLabelValues(r.ProjectID).Inc()
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutRunning)).Inc()
	s.log.Info("rollout planned", "rollout", r.ID, "bundle", r.BundleID, "nodes", len(ids), "steps", len(steps))
	s.notifier.Publish(ctx, v1.EventRolloutStarted, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID, "nodes": len(ids), "steps": len(steps),
	})
	return s.enqueueTick(ctx, r.ID, now)
}

// resolveTargets expands the selector into concrete nodes in the order the
// plan consumes them: name order for all/labels/groups, caller order for an
// explicit id list. Decommissioned nodes never participate; pins and semver
// bounds narrow the set further.
func (s *Service) resolveTargets(ctx context.Context, projectID string, b *v1.Bundle, t v1.TargetSelector) ([]*v1.Node, error) {
	var nodes []*v1.Node
	switch t.Kind {
	case v1.TargetAll:
		listed, err := s.store.ListNodes(ctx, store.NodeFilter{ProjectID: projectID})
		if err != nil {
			return nil, err
		}
		nodes = listed
	case v1.TargetLabels:
		listed, err := s.store.ListNodes(ctx, store.NodeFilter{ProjectID: projectID, Labels: t.Labels})
		if err != nil {
			return nil, err
		}
		nodes = listed
	case v1.TargetGroups:
		var memberIDs []string
		for _, gid := range t.GroupIDs {
			g, err := s.store.GetGroup(ctx, gid)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return nil, err
			}
			if g.ProjectID != projectID {
				continue
			}
			memberIDs = append(memberIDs, g.NodeIDs...)
		}
		fetched, err := s.nodesByID(ctx, projectID, lo.Uniq(memberIDs))
		if err != nil {
			return nil, err
		}
		sort.Slice(fetched, func(i, j int) bool { return fetched[i].Name < fetched[j].Name })
		nodes = fetched
	case v1.TargetNodes:
		fetched, err := s.nodesByID(ctx, projectID, lo.Uniq(t.NodeIDs))
		if err != nil {
			return nil, err
		}
		nodes = fetched
	default:
		return nil, errutil.New(errutil.KindInvalidArgument, "unknown target kind %q", t.Kind)
	}

	version, err := semver.NewVersion(b.Version)
	if err != nil {
		// Unparseable bundle version: version bounds cannot be evaluated
		// and are ignored for every node.
		version = nil
	}

	out := make([]*v1.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == v1.NodeDecommissioned {
			continue
		}
		if n.PinnedBundleID != "" && n.PinnedBundleID != b.ID {
			continue
		}
		if !versionInBounds(version, n) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// nodesByID fetches nodes preserving id order, silently dropping unknown ids
// and nodes from other projects.
func (s *Service) nodesByID(ctx context.Context, projectID string, ids []string) ([]*v1.Node, error) {
	out := make([]*v1.Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		if n.ProjectID != projectID {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// versionInBounds applies the node's optional semver window to the bundle
// version. A nil version or an unparseable bound disables that check.
func versionInBounds(version *semver.Version, n *v1.Node) bool {
	if version == nil {
		return true
	}
	if n.MinBundleVersion != "" {
		if min, err := semver.NewVersion(n.MinBundleVersion); err == nil && version.LessThan(min) {
			return false
		}
	}
	if n.MaxBundleVersion != "" {
		if max, err := semver.NewVersion(n.MaxBundleVersion); err == nil && version.GreaterThan(max) {
			return false
		}
	}
	return true
}

// partition chunks ids into planned batches, preserving resolution order.
// A percentage computes the batch size from the resolved total, never below
// one node per batch.
func partition(ids []string, r *v1.Rollout) [][]string {
	if r.Strategy == v1.StrategyAllAtOnce {
		return [][]string{ids}
	}
	size := r.BatchSize
	if r.BatchPercentage > 0 {
		size = len(ids) * r.BatchPercentage / 100
	}
	if size < 1 {
		size = 1
	}
	return lo.Chunk(ids, size)
}
