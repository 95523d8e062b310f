package rollout

import (
	"context"
	"sort"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// autoRollback creates the reverting rollout after a step deadline failure.
// The target is every node a started step touched; the bundle is the one
// most of those nodes still run.
func (s *Service) autoRollback(ctx context.Context, failed *v1.Rollout, steps []*v1.RolloutStep, failedStep *v1.RolloutStep) error {
	var affected []string
	seen := map[string]bool{}
	for _, st := range steps {
		touched := st.StepIndex == failedStep.StepIndex ||
			st.State == v1.StepCompleted || st.State == v1.StepRunning ||
			st.State == v1.StepVerifying || st.State == v1.StepFailed
		if !touched {
			continue
		}
		for _, id := range st.NodeIDs {
			if !seen[id] {
				seen[id] = true
				affected = append(affected, id)
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	nodes, err := s.nodesByID(ctx, failed.ProjectID, affected)
	if err != nil {
		return err
	}
	candidate := electRollbackBundle(nodes, failed.BundleID)
	if candidate == "" {
		s.log.Info("auto-rollback skipped, no previous bundle to return to", "rollout", failed.ID)
		return nil
	}

	rb := &v1.Rollout{
		ID:                      v1.NewID(),
		ProjectID:               failed.ProjectID,
		BundleID:                candidate,
		State:                   v1.RolloutPending,
		Strategy:                v1.StrategyAllAtOnce,
		Target:                  v1.TargetSelector{Kind: v1.TargetNodes, NodeIDs: affected},
		MaxUnavailable:          failed.MaxUnavailable,
		ProgressDeadlineSeconds: failed.ProgressDeadlineSeconds,
		ApprovalState:           v1.ApprovalNotRequired,
		CurrentStep:             -1,
		RollbackOf:              failed.ID,
		CreatedBy:               failed.CreatedBy,
		CreatedAt:               v1.Now(s.clock),
	}
	if err := s.store.CreateRollout(ctx, rb); err != nil {
		return err
	}
	if err := s.jobs.Enqueue(ctx, dispatcher.KindPlanRollout, dispatcher.PlanArgs{RolloutID: rb.ID}); err != nil {
		return err
	}
	s.log.Info("auto-rollback created", "rollout", failed.ID, "rollback", rb.ID,
		"bundle", candidate, "nodes", len(affected))
	return nil
}

// electRollbackBundle picks the bundle the most affected nodes still run,
// excluding nodes without one and the failed bundle itself. The highest
// count wins; ties break to the lexicographically smallest id, so the
// election is deterministic.
func electRollbackBundle(nodes []*v1.Node, exclude string) string {
	counts := map[string]int{}
	for _, n := range nodes {
		if n.ActiveBundleID == "" || n.ActiveBundleID == exclude {
			continue
		}
		counts[n.ActiveBundleID]++
	}
	if len(counts) == 0 {
		return ""
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ids[0]
	for _, id := range ids[1:] {
		if counts[id] > counts[best] {
			best = id
		}
	}
	return best
}
