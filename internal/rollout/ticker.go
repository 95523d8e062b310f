package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// HandleTick advances one rollout by a single turn of its state machine.
// The dedup key keeps at most one tick job in flight per rollout, and every
// write below is guarded on the state this tick read, so a duplicate
// delivery after a crash re-applies nothing.
func (s *Service) HandleTick(ctx context.Context, job *v1.Job) error {
	args, err := dispatcher.Args[dispatcher.TickArgs](job)
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
	if r.State != v1.RolloutRunning {
		return nil
	}
	steps, err := s.store.ListSteps(ctx, r.ID)
	if err != nil {
		return err
	}
	again, err := s.tick(ctx, r, steps)
	if err != nil {
		return err
	}
	if again {
		return s.enqueueTick(ctx, r.ID, s.clock.Now().Add(s.opts.TickInterval))
	}
	return nil
}

// tick runs one turn and reports whether the rollout still wants another.
// A step moves through running and verifying within the same turn when the
// activation threshold and the gates are both already satisfied, so a
// healthy step costs one tick, not two.
func (s *Service) tick(ctx context.Context, r *v1.Rollout, steps []*v1.RolloutStep) (bool, error) {
	now := v1.Now(s.clock)

	var active *v1.RolloutStep
	for _, st := range steps {
		if st.State == v1.StepRunning || st.State == v1.StepVerifying {
			active = st
			break
		}
	}
	if active == nil {
		var next *v1.RolloutStep
		for _, st := range steps {
			if st.State == v1.StepPending {
				next = st
				break
			}
		}
		if next == nil {
			return false, s.complete(ctx, r, steps, now)
		}
		return s.startStep(ctx, r, steps, next, now)
	}

	nodes, err := s.stepNodes(ctx, active)
	if err != nil {
		return false, err
	}
	unavailable := 0
	for _, n := range nodes {
		if !n.Status.Available() {
			unavailable++
		}
	}

	if active.State == v1.StepRunning {
		if r.MaxUnavailable > 0 && unavailable > r.MaxUnavailable {
			return false, s.pauseUnavailable(ctx, r, active, unavailable, now)
		}
		activated := 0
		for _, n := range nodes {
			if n.ActiveBundleID == r.BundleID {
				activated++
			}
		}
		required := s.required(len(nodes), unavailable, r.MaxUnavailable)
		if activated < required || activated == 0 {
			return s.checkDeadline(ctx, r, steps, active, now)
		}
		if err := s.stepVerifying(ctx, active, now); err != nil {
			return false, err
		}
	}

	evalNodes := nodes
	if r.MaxUnavailable > 0 || s.opts.RelaxedZeroUnavailable {
		evalNodes = make([]*v1.Node, 0, len(nodes))
		for _, n := range nodes {
			if n.Status.Available() {
				evalNodes = append(evalNodes, n)
			}
		}
	}
	ok, reason, err := s.evaluateGates(ctx, r, evalNodes)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.V(1).Info("verification gates not met", "rollout", r.ID, "step", active.StepIndex, "reason", reason)
		return s.checkDeadline(ctx, r, steps, active, now)
	}
	if err := s.completeStep(ctx, r, active, now); err != nil {
		return false, err
	}
	return true, nil
}

// required is how many activations the step needs before verification may
// begin. Zero tolerance demands the whole step, or only its online part
// when the relaxed option is on.
func (s *Service) required(total, unavailable, maxUnavailable int) int {
	if maxUnavailable == 0 {
		if s.opts.RelaxedZeroUnavailable {
			return total - unavailable
		}
		return total
	}
	req := total - maxUnavailable
	if req < 0 {
		req = 0
	}
	return req
}

func (s *Service) stepNodes(ctx context.Context, step *v1.RolloutStep) ([]*v1.Node, error) {
	out := make([]*v1.Node, 0, len(step.NodeIDs))
	for _, id := range step.NodeIDs {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// startStep re-checks that the bundle is still distributable, then stages it
// on the step's nodes in one transaction.
func (s *Service) startStep(ctx context.Context, r *v1.Rollout, steps []*v1.RolloutStep, step *v1.RolloutStep, now time.Time) (bool, error) {
	b, err := s.store.GetBundle(ctx, r.BundleID)
	if err != nil && err != store.ErrNotFound {
		return false, err
	}
	if err != nil || !b.Status.Distributable() {
		status := "missing"
		if b != nil {
			status = string(b.Status)
		}
		msg := fmt.Sprintf("bundle %s is %s", r.BundleID, status)
		return false, s.failRollout(ctx, r, steps, step, now, &v1.FailureDetail{
			Reason:    v1.ReasonBundleRevoked,
			StepIndex: intPtr(step.StepIndex),
			Message:   msg,
		}, msg)
	}

	step.State = v1.StepRunning
	step.StartedAt = &now
	if err := s.store.StartStep(ctx, step, r.BundleID, now); err != nil {
		if err == store.ErrConflict {
			return false, nil
		}
		return false, err
	}
	r.CurrentStep = step.StepIndex
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutRunning); err != nil && err != store.ErrConflict {
		return false, err
	}
	s.log.Info("step started", "rollout", r.ID, "step", step.StepIndex, "nodes", len(step.NodeIDs))
	return true, nil
}

// stepVerifying moves the step to verifying and force-advances its status
// rows to activating. Rows an agent already reported active stay active
// thanks to the rank guard.
func (s *Service) stepVerifying(ctx context.Context, step *v1.RolloutStep, now time.Time) error {
	step.State = v1.StepVerifying
	if err := s.store.UpdateStep(ctx, step, v1.StepRunning); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	statuses, err := s.store.ListNodeBundleStatuses(ctx, step.RolloutID)
	if err != nil {
		return err
	}
	inStep := make(map[string]bool, len(step.NodeIDs))
	for _, id := range step.NodeIDs {
		inStep[id] = true
	}
	for _, ns := range statuses {
		if !inStep[ns.NodeID] {
			continue
		}
		ns.State = v1.NodeBundleActivating
		ns.UpdatedAt = now
		if err := s.store.UpsertNodeBundleStatus(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) pauseUnavailable(ctx context.Context, r *v1.Rollout, step *v1.RolloutStep, unavailable int, now time.Time) error {
	idx := step.StepIndex
	r.State = v1.RolloutPaused
	r.PauseReason = v1.ReasonMaxUnavailableTripped
	r.Failure = &v1.FailureDetail{
		Reason:    v1.ReasonMaxUnavailableTripped,
		StepIndex: &idx,
		Message:   fmt.Sprintf("%d of %d step nodes unavailable, tolerance %d", unavailable, len(step.NodeIDs), r.MaxUnavailable),
	}
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutRunning); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutPaused)).Inc()
	s.log.Info("rollout paused, too many nodes unavailable", "rollout", r.ID,
		"step", idx, "unavailable", unavailable, "tolerance", r.MaxUnavailable)
	s.notifier.Publish(ctx, v1.EventRolloutPausedName, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "reason": v1.ReasonMaxUnavailableTripped,
		"step_index": idx, "unavailable": unavailable,
	})
	return nil
}

func (s *Service) completeStep(ctx context.Context, r *v1.Rollout, step *v1.RolloutStep, now time.Time) error {
	step.State = v1.StepCompleted
	step.CompletedAt = &now
	if err := s.store.CompleteStep(ctx, step, r.BundleID, now); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	s.log.Info("step completed", "rollout", r.ID, "step", step.StepIndex, "nodes", len(step.NodeIDs))
	s.notifier.Publish(ctx, v1.EventRolloutStepDone, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "step_index": step.StepIndex, "nodes": len(step.NodeIDs),
	})
	return nil
}

// complete finishes the rollout and closes any drift the convergence
// answered: a node whose open event expected this bundle now runs it.
func (s *Service) complete(ctx context.Context, r *v1.Rollout, steps []*v1.RolloutStep, now time.Time) error {
	r.State = v1.RolloutCompleted
	r.CompletedAt = &now
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutRunning); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	s.metrics.RolloutsActive.WithLabelValues(r.ProjectID).Dec()
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutCompleted)).Inc()
	s.log.Info("rollout completed", "rollout", r.ID, "bundle", r.BundleID, "steps", len(steps))
	s.notifier.Publish(ctx, v1.EventRolloutCompleted, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID,
	})
	s.resolveDrift(ctx, r, steps, now)
	return nil
}

// resolveDrift closes open drift events of the rollout's nodes that expected
// exactly this bundle. Failures only log; the next heartbeat reconcile
// closes anything missed here.
func (s *Service) resolveDrift(ctx context.Context, r *v1.Rollout, steps []*v1.RolloutStep, now time.Time) {
	resolved := 0
	for _, st := range steps {
		for _, nodeID := range st.NodeIDs {
			ev, err := s.store.OpenDriftEvent(ctx, nodeID)
			if err != nil {
				if err != store.ErrNotFound {
					s.log.Error(err, "looking up open drift event", "node", nodeID)
				}
				continue
			}
			if ev.ExpectedBundleID != r.BundleID {
				continue
			}
			err = s.store.ResolveDriftEvent(ctx, ev.ID, v1.DriftResolvedRolloutCompleted, "", false, now)
			if err != nil {
				if err != store.ErrConflict {
					s.log.Error(err, "resolving drift event", "event", ev.ID)
				}
				continue
			}
			resolved++
			s.metrics.DriftEventsTotal.WithLabelValues(r.ProjectID, "resolved").Inc()
			payload := any(ev)
			if updated, err := s.store.GetDriftEvent(ctx, ev.ID); err == nil {
				payload = updated
			}
			s.notifier.Publish(ctx, v1.EventDriftResolvedName, r.ProjectID, payload)
		}
	}
	if resolved > 0 {
		if stats, err := s.store.DriftStats(ctx, r.ProjectID); err == nil {
			s.metrics.DriftOpen.WithLabelValues(r.ProjectID).Set(float64(stats.OpenTotal))
		}
	}
}

// checkDeadline fails the rollout when the active step has exceeded the
// progress deadline; otherwise the rollout just waits for the next tick.
func (s *Service) checkDeadline(ctx context.Context, r *v1.Rollout, steps []*v1.RolloutStep, step *v1.RolloutStep, now time.Time) (bool, error) {
	if step.StartedAt == nil {
		return true, nil
	}
	elapsed := now.Sub(*step.StartedAt)
	if elapsed <= time.Duration(r.ProgressDeadlineSeconds)*time.Second {
		return true, nil
	}
	elapsedSec := int64(elapsed / time.Second)
	detail := &v1.FailureDetail{
		Reason:         v1.ReasonStepDeadlineExceeded,
		StepIndex:      intPtr(step.StepIndex),
		ElapsedSeconds: elapsedSec,
	}
	stepErr := fmt.Sprintf("%s: no progress after %ds", v1.ReasonDeadlineExceeded, elapsedSec)
	if err := s.failRollout(ctx, r, steps, step, now, detail, stepErr); err != nil {
		return false, err
	}
	return false, nil
}

// failRollout writes the terminal failure transactionally, then runs the
// auto-rollback election when the rollout asked for it.
func (s *Service) failRollout(ctx context.Context, r *v1.Rollout, steps []*v1.RolloutStep, step *v1.RolloutStep, now time.Time, detail *v1.FailureDetail, stepErr string) error {
	step.State = v1.StepFailed
	step.Error = stepErr
	step.CompletedAt = &now
	r.State = v1.RolloutFailed
	r.CompletedAt = &now
	r.CurrentStep = step.StepIndex
	r.Failure = detail
	if err := s.store.FailRollout(ctx, r, step, now); err != nil {
		if err == store.ErrConflict {
			return nil
		}
		return err
	}
	s.metrics.RolloutsActive.WithLabelValues(r.ProjectID).Dec()
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutFailed)).Inc()
	s.log.Info("rollout failed", "rollout", r.ID, "step", step.StepIndex, "reason", detail.Reason)
	s.notifier.Publish(ctx, v1.EventRolloutFailedName, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID, "reason": detail.Reason,
		"step_index": step.StepIndex, "elapsed_seconds": detail.ElapsedSeconds,
	})

	if r.AutoRollback && detail.Reason == v1.ReasonStepDeadlineExceeded {
		if err := s.autoRollback(ctx, r, steps, step); err != nil {
			s.log.Error(err, "auto-rollback failed", "rollout", r.ID)
		}
	}
	return nil
}

func intPtr(i int) *int { return &i }
