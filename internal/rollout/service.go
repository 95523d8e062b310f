// Package rollout drives bundles onto node sets in gated steps. A rollout is
// planned into dense steps by a dispatcher job, then advanced one tick at a
// time by a single-writer ticker that stages bundles, counts activations,
// verifies health gates and enforces the per-step progress deadline. All
// state transitions go through conditional store writes, so duplicate job
// delivery never double-applies an effect.
package rollout

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// Publisher fans an event out to subscribers and webhook deliveries.
type Publisher interface {
	Publish(ctx context.Context, event, projectID string, data any)
}

const (
	decisionApproved = "approved"
	decisionRejected = "rejected"
)

// Options tune the engine; zero values fall back to the server defaults.
type Options struct {
	// TickInterval is the delay between consecutive ticks of a running
	// rollout.
	TickInterval time.Duration
	// DefaultStepDeadline is applied when a rollout is created without an
	// explicit progress deadline.
	DefaultStepDeadline time.Duration
	// RelaxedZeroUnavailable makes max_unavailable == 0 require only the
	// currently online step nodes to activate, instead of every node.
	RelaxedZeroUnavailable bool
	// SystemUserID owns remediation and auto-rollback rollouts.
	SystemUserID string
}

func (o *Options) defaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = durations.RolloutTickInterval
	}
	if o.DefaultStepDeadline <= 0 {
		o.DefaultStepDeadline = durations.DefaultStepDeadline
	}
	if o.SystemUserID == "" {
		o.SystemUserID = "system"
	}
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store    store.Interface
	Jobs     dispatcher.Enqueuer
	Notifier Publisher
	Prober   Prober
	Metrics  *metrics.Metrics
	Clock    clock.PassiveClock
	Log      logr.Logger
}

// Service owns rollout lifecycle: operator verbs here, planning in
// planner.go, the tick state machine in ticker.go.
type Service struct {
	store    store.Interface
	jobs     dispatcher.Enqueuer
	notifier Publisher
	prober   Prober
	metrics  *metrics.Metrics
	clock    clock.PassiveClock
	log      logr.Logger
	opts     Options
}

func New(d Deps, opts Options) *Service {
	opts.defaults()
	return &Service{
		store:    d.Store,
		jobs:     d.Jobs,
		notifier: d.Notifier,
		prober:   d.Prober,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      d.Log.WithName("rollout"),
		opts:     opts,
	}
}

// CreateParams describes a rollout to be created. Zero
// ProgressDeadlineSeconds picks the server default.
type CreateParams struct {
	BundleID                string            `json:"bundle_id"`
	Strategy                v1.Strategy       `json:"strategy"`
	Target                  v1.TargetSelector `json:"target_selector"`
	BatchSize               int               `json:"batch_size,omitempty"`
	BatchPercentage         int               `json:"batch_percentage,omitempty"`
	MaxUnavailable          int               `json:"max_unavailable,omitempty"`
	ProgressDeadlineSeconds int               `json:"progress_deadline_seconds,omitempty"`
	Gates                   v1.HealthGates    `json:"health_gates,omitempty"`
	CustomHealthChecks      []string          `json:"custom_health_checks,omitempty"`
	AutoRollback            bool              `json:"auto_rollback,omitempty"`
	ScheduledAt             *time.Time        `json:"scheduled_at,omitempty"`
	CreatedBy               string            `json:"-"`
}

// Create validates the request, snapshots the project's approval policy onto
// the rollout and, when nothing gates it, enqueues planning. The target set
// is resolved once here so an empty selector fails synchronously; planning
// resolves it again against the nodes of that moment.
func (s *Service) Create(ctx context.Context, projectID string, p CreateParams) (*v1.Rollout, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errutil.New(errutil.KindNotFound, "project %q not found", projectID)
		}
		return nil, err
	}

	b, err := s.store.GetBundle(ctx, p.BundleID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errutil.New(errutil.KindBundleNotFound, "bundle %q not found", p.BundleID)
		}
		return nil, err
	}
	if b.ProjectID != projectID {
		return nil, errutil.New(errutil.KindInvalidArgument, "bundle %q belongs to another project", p.BundleID)
	}
	if b.Status == v1.BundleRevoked {
		return nil, errutil.New(errutil.KindBundleRevoked, "bundle %q is revoked", p.BundleID)
	}
	if !b.Status.Distributable() {
		return nil, errutil.New(errutil.KindBundleNotCompiled, "bundle %q is %s, not compiled", p.BundleID, b.Status)
	}

	if err := p.Target.Validate(); err != nil {
		return nil, errutil.Wrap(errutil.KindInvalidArgument, err, "invalid target selector")
	}
	switch p.Strategy {
	case v1.StrategyAllAtOnce:
	case v1.StrategyRolling:
		if p.BatchPercentage == 0 && p.BatchSize <= 0 {
			return nil, errutil.New(errutil.KindInvalidArgument, "rolling strategy needs batch_size or batch_percentage")
		}
		if p.BatchPercentage < 0 || p.BatchPercentage > 100 {
			return nil, errutil.New(errutil.KindInvalidArgument, "batch_percentage must be between 1 and 100")
		}
	default:
		return nil, errutil.New(errutil.KindInvalidArgument, "unknown strategy %q", p.Strategy)
	}
	if p.MaxUnavailable < 0 {
		return nil, errutil.New(errutil.KindInvalidArgument, "max_unavailable cannot be negative")
	}
	for _, id := range p.CustomHealthChecks {
		ep, err := s.store.GetService(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, errutil.New(errutil.KindNotFound, "service endpoint %q not found", id)
			}
			return nil, err
		}
		if ep.ProjectID != projectID {
			return nil, errutil.New(errutil.KindNotFound, "service endpoint %q not found", id)
		}
	}

	targets, err := s.resolveTargets(ctx, projectID, b, p.Target)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errutil.New(errutil.KindNoTargetNodes, "no nodes match the target selector")
	}

	now := v1.Now(s.clock)
	deadline := p.ProgressDeadlineSeconds
	if deadline <= 0 {
		deadline = int(s.opts.DefaultStepDeadline.Seconds())
	}

	r := &v1.Rollout{
		ID:                      v1.NewID(),
		ProjectID:               projectID,
		BundleID:                p.BundleID,
		State:                   v1.RolloutPending,
		Strategy:                p.Strategy,
		Target:                  p.Target,
		BatchSize:               p.BatchSize,
		BatchPercentage:         p.BatchPercentage,
		MaxUnavailable:          p.MaxUnavailable,
		ProgressDeadlineSeconds: deadline,
		Gates:                   p.Gates,
		CustomHealthChecks:      p.CustomHealthChecks,
		ApprovalState:           v1.ApprovalNotRequired,
		AutoRollback:            p.AutoRollback,
		ScheduledAt:             p.ScheduledAt,
		CurrentStep:             -1,
		CreatedBy:               p.CreatedBy,
		CreatedAt:               now,
	}
	if project.Settings.RequireApproval {
		r.ApprovalState = v1.ApprovalPending
		r.ApprovalsNeeded = project.Settings.ApprovalsNeeded
		if r.ApprovalsNeeded < 1 {
			r.ApprovalsNeeded = 1
		}
	}

	if err := s.store.CreateRollout(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("rollout created", "rollout", r.ID, "bundle", r.BundleID,
		"strategy", r.Strategy, "targets", len(targets), "approval", r.ApprovalState)

	if err := s.enqueuePlanIfReady(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Plan submits a pending rollout for planning on operator request. It is the
// synchronous counterpart of the enqueue that Create and Approve perform: the
// approval gate and the schedule must already be open, and a closed gate is
// reported instead of silently ignored.
func (s *Service) Plan(ctx context.Context, rolloutID, userID string) (*v1.Rollout, error) {
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutPending {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is %s; only a pending rollout can be planned", r.State)
	}
	switch r.ApprovalState {
	case v1.ApprovalNotRequired, v1.ApprovalApproved:
	case v1.ApprovalRejected:
		return nil, errutil.New(errutil.KindInvalidState, "rollout was rejected")
	default:
		return nil, errutil.New(errutil.KindApprovalRequired, "rollout needs %d approvals before planning", r.ApprovalsNeeded)
	}
	if r.ScheduledAt != nil && r.ScheduledAt.After(s.clock.Now()) {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is scheduled for %s", r.ScheduledAt.Format(time.RFC3339))
	}
	if err := s.jobs.Enqueue(ctx, dispatcher.KindPlanRollout, dispatcher.PlanArgs{RolloutID: r.ID}); err != nil {
		return nil, err
	}
	s.log.Info("rollout plan requested", "rollout", r.ID, "by", userID)
	return r, nil
}

// enqueuePlanIfReady submits the planning job unless an approval gate or a
// future schedule still holds the rollout back.
func (s *Service) enqueuePlanIfReady(ctx context.Context, r *v1.Rollout) error {
	if r.ApprovalState != v1.ApprovalNotRequired && r.ApprovalState != v1.ApprovalApproved {
		return nil
	}
	if r.ScheduledAt != nil && r.ScheduledAt.After(s.clock.Now()) {
		return nil
	}
	return s.jobs.Enqueue(ctx, dispatcher.KindPlanRollout, dispatcher.PlanArgs{RolloutID: r.ID})
}

func (s *Service) enqueueTick(ctx context.Context, rolloutID string, runAt time.Time) error {
	return s.jobs.Enqueue(ctx, dispatcher.KindTickRollout, dispatcher.TickArgs{RolloutID: rolloutID},
		dispatcher.WithDedupKey(dispatcher.TickKey(rolloutID)), dispatcher.WithRunAt(runAt))
}

// Get returns one rollout.
func (s *Service) Get(ctx context.Context, id string) (*v1.Rollout, error) {
	r, err := s.store.GetRollout(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errutil.New(errutil.KindNotFound, "rollout %q not found", id)
		}
		return nil, err
	}
	return r, nil
}

// List returns the project's rollouts, newest first.
func (s *Service) List(ctx context.Context, f store.RolloutFilter) ([]*v1.Rollout, error) {
	return s.store.ListRollouts(ctx, f)
}

// Steps returns the rollout's planned steps in index order.
func (s *Service) Steps(ctx context.Context, rolloutID string) ([]*v1.RolloutStep, error) {
	if _, err := s.Get(ctx, rolloutID); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, rolloutID)
}

// NodeStatuses returns the per-node progress rows of the rollout.
func (s *Service) NodeStatuses(ctx context.Context, rolloutID string) ([]*v1.NodeBundleStatus, error) {
	if _, err := s.Get(ctx, rolloutID); err != nil {
		return nil, err
	}
	return s.store.ListNodeBundleStatuses(ctx, rolloutID)
}

// Approvals returns the recorded decisions on the rollout.
func (s *Service) Approvals(ctx context.Context, rolloutID string) ([]*v1.Approval, error) {
	if _, err := s.Get(ctx, rolloutID); err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, rolloutID)
}

// requireOperator checks that userID holds at least the operator role in the
// project's organization.
func (s *Service) requireOperator(ctx context.Context, projectID, userID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	m, err := s.store.GetMembership(ctx, project.OrgID, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return errutil.New(errutil.KindNotAuthorized, "user is not a member of the organization")
		}
		return err
	}
	if !m.Role.AtLeast(v1.RoleOperator) {
		return errutil.New(errutil.KindNotAuthorized, "approval decisions need the operator role")
	}
	return nil
}

// Approve records one approval. When the count reaches the snapshot taken at
// creation time the gate opens and planning is enqueued.
func (s *Service) Approve(ctx context.Context, rolloutID, userID, comment string) (*v1.Rollout, error) {
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutPending {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is %s; only a pending rollout can be approved", r.State)
	}
	switch r.ApprovalState {
	case v1.ApprovalPending:
	case v1.ApprovalNotRequired:
		return nil, errutil.New(errutil.KindInvalidState, "rollout does not require approval")
	case v1.ApprovalApproved:
		return nil, errutil.New(errutil.KindInvalidState, "rollout is already approved")
	case v1.ApprovalRejected:
		return nil, errutil.New(errutil.KindInvalidState, "rollout has been rejected")
	}
	if userID == r.CreatedBy {
		return nil, errutil.New(errutil.KindSelfApproval, "a rollout cannot be approved by its creator")
	}
	if err := s.requireOperator(ctx, r.ProjectID, userID); err != nil {
		return nil, err
	}

	a := &v1.Approval{
		ID:        v1.NewID(),
		RolloutID: r.ID,
		UserID:    userID,
		Decision:  decisionApproved,
		Comment:   comment,
		CreatedAt: v1.Now(s.clock),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.New(errutil.KindAlreadyApproved, "user already recorded a decision on this rollout")
		}
		return nil, err
	}

	all, err := s.store.ListApprovals(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	granted := 0
	for _, got := range all {
		if got.Decision == decisionApproved {
			granted++
		}
	}
	if granted < r.ApprovalsNeeded {
		s.log.Info("approval recorded", "rollout", r.ID, "granted", granted, "needed", r.ApprovalsNeeded)
		return r, nil
	}

	r.ApprovalState = v1.ApprovalApproved
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutPending); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.Wrap(errutil.KindConflict, err, "rollout changed state concurrently")
		}
		return nil, err
	}
	s.log.Info("rollout approved", "rollout", r.ID, "approvals", granted)
	s.notifier.Publish(ctx, v1.EventRolloutApproved, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID, "approved_by": userID,
	})
	if err := s.enqueuePlanIfReady(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reject records a rejection; the comment is mandatory. The rollout stays
// pending so an operator can still cancel it explicitly.
func (s *Service) Reject(ctx context.Context, rolloutID, userID, comment string) (*v1.Rollout, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, errutil.New(errutil.KindCommentRequired, "rejection requires a comment")
	}
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutPending {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is %s; only a pending rollout can be rejected", r.State)
	}
	switch r.ApprovalState {
	case v1.ApprovalPending:
	case v1.ApprovalNotRequired:
		return nil, errutil.New(errutil.KindInvalidState, "rollout does not require approval")
	case v1.ApprovalApproved:
		return nil, errutil.New(errutil.KindInvalidState, "rollout is already approved")
	case v1.ApprovalRejected:
		return nil, errutil.New(errutil.KindInvalidState, "rollout has already been rejected")
	}
	if err := s.requireOperator(ctx, r.ProjectID, userID); err != nil {
		return nil, err
	}

	a := &v1.Approval{
		ID:        v1.NewID(),
		RolloutID: r.ID,
		UserID:    userID,
		Decision:  decisionRejected,
		Comment:   comment,
		CreatedAt: v1.Now(s.clock),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.New(errutil.KindAlreadyApproved, "user already recorded a decision on this rollout")
		}
		return nil, err
	}

	r.ApprovalState = v1.ApprovalRejected
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutPending); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.Wrap(errutil.KindConflict, err, "rollout changed state concurrently")
		}
		return nil, err
	}
	s.log.Info("rollout rejected", "rollout", r.ID, "rejected_by", userID)
	s.notifier.Publish(ctx, v1.EventRolloutRejected, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID, "rejected_by": userID, "comment": comment,
	})
	return r, nil
}

// Pause halts a running rollout before its next tick. Pausing a rollout in
// any other state is a no-op that returns the current row.
func (s *Service) Pause(ctx context.Context, rolloutID, userID string) (*v1.Rollout, error) {
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutRunning {
		return r, nil
	}
	r.State = v1.RolloutPaused
	r.PauseReason = v1.ReasonOperatorPause
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutRunning); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.Wrap(errutil.KindConflict, err, "rollout changed state concurrently")
		}
		return nil, err
	}
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutPaused)).Inc()
	s.log.Info("rollout paused", "rollout", r.ID, "by", userID)
	s.notifier.Publish(ctx, v1.EventRolloutPausedName, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "reason": v1.ReasonOperatorPause, "paused_by": userID,
	})
	return r, nil
}

// Resume restarts a paused rollout and re-arms its ticker. An engine pause
// reason and its failure detail are cleared so the next tick re-evaluates
// availability from scratch.
func (s *Service) Resume(ctx context.Context, rolloutID, userID string) (*v1.Rollout, error) {
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutPaused {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is %s; only a paused rollout can be resumed", r.State)
	}
	r.State = v1.RolloutRunning
	r.PauseReason = ""
	if r.Failure != nil && r.Failure.Reason == v1.ReasonMaxUnavailableTripped {
		r.Failure = nil
	}
	if err := s.store.UpdateRollout(ctx, r, v1.RolloutPaused); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.Wrap(errutil.KindConflict, err, "rollout changed state concurrently")
		}
		return nil, err
	}
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutRunning)).Inc()
	s.log.Info("rollout resumed", "rollout", r.ID, "by", userID)
	if err := s.enqueueTick(ctx, r.ID, s.clock.Now()); err != nil {
		return nil, err
	}
	return r, nil
}

// Cancel abandons a rollout that has not finished. Already-staged bundles
// stay staged; use Rollback to also withdraw them.
func (s *Service) Cancel(ctx context.Context, rolloutID, userID string) (*v1.Rollout, error) {
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is already %s", r.State)
	}
	was := r.State
	r.State = v1.RolloutCancelled
	r.CompletedAt = v1.TimePtr(v1.Now(s.clock))
	if err := s.store.TerminateRollout(ctx, r, was, false); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.Wrap(errutil.KindConflict, err, "rollout changed state concurrently")
		}
		return nil, err
	}
	if was != v1.RolloutPending {
		s.metrics.RolloutsActive.WithLabelValues(r.ProjectID).Dec()
	}
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutCancelled)).Inc()
	s.log.Info("rollout cancelled", "rollout", r.ID, "was", was, "by", userID)
	s.notifier.Publish(ctx, v1.EventRolloutCancelled, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID, "cancelled_by": userID,
	})
	return r, nil
}

// Rollback cancels a running or paused rollout and withdraws its bundle from
// every node that still has it staged, in one transaction.
func (s *Service) Rollback(ctx context.Context, rolloutID, userID string) (*v1.Rollout, error) {
	r, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if r.State != v1.RolloutRunning && r.State != v1.RolloutPaused {
		return nil, errutil.New(errutil.KindInvalidState, "rollout is %s; only a running or paused rollout can be rolled back", r.State)
	}
	was := r.State
	r.State = v1.RolloutCancelled
	r.CompletedAt = v1.TimePtr(v1.Now(s.clock))
	if err := s.store.TerminateRollout(ctx, r, was, true); err != nil {
		if err == store.ErrConflict {
			return nil, errutil.Wrap(errutil.KindConflict, err, "rollout changed state concurrently")
		}
		return nil, err
	}
	s.metrics.RolloutsActive.WithLabelValues(r.ProjectID).Dec()
	s.metrics.RolloutTransitions.WithLabelValues(r.ProjectID, string(v1.RolloutCancelled)).Inc()
	s.log.Info("rollout rolled back", "rollout", r.ID, "was", was, "by", userID)
	s.notifier.Publish(ctx, v1.EventRolloutCancelled, r.ProjectID, map[string]any{
		"rollout_id": r.ID, "bundle_id": r.BundleID, "cancelled_by": userID, "staged_reset": true,
	})
	return r, nil
}

// CreateRemediation builds the single-node rollout the drift engine uses to
// push a node back to its expected bundle. It bypasses the approval gate:
// the expectation being enforced was already approved when it was rolled
// out.
func (s *Service) CreateRemediation(ctx context.Context, n *v1.Node, bundleID string) (*v1.Rollout, error) {
	b, err := s.store.GetBundle(ctx, bundleID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errutil.New(errutil.KindBundleNotFound, "bundle %q not found", bundleID)
		}
		return nil, err
	}
	if !b.Status.Distributable() {
		return nil, errutil.New(errutil.KindBundleNotCompiled, "bundle %q is %s and cannot be re-applied", bundleID, b.Status)
	}

	r := &v1.Rollout{
		ID:                      v1.NewID(),
		ProjectID:               n.ProjectID,
		BundleID:                bundleID,
		State:                   v1.RolloutPending,
		Strategy:                v1.StrategyAllAtOnce,
		Target:                  v1.TargetSelector{Kind: v1.TargetNodes, NodeIDs: []string{n.ID}},
		MaxUnavailable:          0,
		ProgressDeadlineSeconds: int(s.opts.DefaultStepDeadline.Seconds()),
		ApprovalState:           v1.ApprovalNotRequired,
		CurrentStep:             -1,
		CreatedBy:               s.opts.SystemUserID,
		CreatedAt:               v1.Now(s.clock),
	}
	if err := s.store.CreateRollout(ctx, r); err != nil {
		return nil, err
	}
	if err := s.jobs.Enqueue(ctx, dispatcher.KindPlanRollout, dispatcher.PlanArgs{RolloutID: r.ID}); err != nil {
		return nil, err
	}
	s.log.Info("remediation rollout created", "rollout", r.ID, "node", n.ID, "bundle", bundleID)
	return r, nil
}

// HandleScheduled enqueues planning for pending rollouts whose schedule has
// come due, and re-arms the ticker of every running rollout. The tick dedup
// key makes the re-arm a no-op while a rollout's normal tick chain is alive,
// so this scan only matters after a crash loses an in-flight tick.
func (s *Service) HandleScheduled(ctx context.Context, _ *v1.Job) error {
	now := s.clock.Now()
	due, err := s.store.ListDueScheduled(ctx, now)
	if err != nil {
		return err
	}
	for _, r := range due {
		if r.ApprovalState != v1.ApprovalNotRequired && r.ApprovalState != v1.ApprovalApproved {
			s.log.V(1).Info("scheduled rollout still gated on approval", "rollout", r.ID)
			continue
		}
		if err := s.jobs.Enqueue(ctx, dispatcher.KindPlanRollout, dispatcher.PlanArgs{RolloutID: r.ID}); err != nil {
			return err
		}
		s.log.Info("scheduled rollout due", "rollout", r.ID)
	}

	running, err := s.store.ListRollouts(ctx, store.RolloutFilter{States: []v1.RolloutState{v1.RolloutRunning}})
	if err != nil {
		return err
	}
	for _, r := range running {
		if err := s.enqueueTick(ctx, r.ID, now); err != nil {
			return err
		}
	}
	return nil
}
