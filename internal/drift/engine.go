// Package drift compares each node's reported bundle against the control
// plane's expectation, keeps the one-open-event-per-node ledger, and starts
// auto-remediation rollouts where the project allows it.
package drift

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	cache "github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// Remediator creates the single-node rollout that converges a drifted node.
// Implemented by the rollout service.
type Remediator interface {
	CreateRemediation(ctx context.Context, n *v1.Node, bundleID string) (*v1.Rollout, error)
}

// Publisher fans an event out to subscribers and webhook deliveries.
type Publisher interface {
	Publish(ctx context.Context, event, projectID string, data any)
}

type Options struct {
	// RemediationCooldown rate-limits auto-remediation per node and
	// expected bundle, so a failing remediation cannot loop hot.
	RemediationCooldown time.Duration
}

type Deps struct {
	Store      store.Interface
	Remediator Remediator
	Notifier   Publisher
	Metrics    *metrics.Metrics
	Clock      clock.PassiveClock
	Log        logr.Logger
}

// Engine is the drift detector. ReconcileNode runs synchronously on every
// heartbeat; HandleScan is the periodic safety net.
type Engine struct {
	st         store.Interface
	remediator Remediator
	notifier   Publisher
	metrics    *metrics.Metrics
	clock      clock.PassiveClock
	log        logr.Logger
	cooldown   *cache.Cache
	opts       Options
}

func New(d Deps, opts Options) *Engine {
	if opts.RemediationCooldown <= 0 {
		opts.RemediationCooldown = durations.RemediationCooldown
	}
	return &Engine{
		st:         d.Store,
		remediator: d.Remediator,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		clock:      d.Clock,
		log:        d.Log.WithName("drift"),
		cooldown:   cache.New(opts.RemediationCooldown, opts.RemediationCooldown),
		opts:       opts,
	}
}

// ReconcileNode classifies one node. Convergence closes the node's open
// event; a fresh mismatch on an online node opens one and, when the project
// opts in, starts a remediation rollout. Offline and unknown nodes are left
// alone until they report back.
func (e *Engine) ReconcileNode(ctx context.Context, n *v1.Node) error {
	open, err := e.st.OpenDriftEvent(ctx, n.ID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	hasOpen := err == nil

	if n.ExpectedBundleID == "" {
		// Expectation withdrawn; nothing to drift from.
		if hasOpen {
			return e.resolve(ctx, open, v1.DriftResolvedAutoCleared, "", true)
		}
		return nil
	}

	if n.ActiveBundleID == n.ExpectedBundleID {
		if hasOpen {
			if open.RemediationRolloutID != "" {
				return e.resolve(ctx, open, v1.DriftResolvedRolloutCompleted, "", false)
			}
			return e.resolve(ctx, open, v1.DriftResolvedAutoCleared, "", true)
		}
		return nil
	}

	if !n.Status.Available() {
		return nil
	}
	if hasOpen {
		// One open event per node; remediation or an operator owns it.
		return nil
	}

	event := &v1.DriftEvent{
		ID:               v1.NewID(),
		NodeID:           n.ID,
		ProjectID:        n.ProjectID,
		ExpectedBundleID: n.ExpectedBundleID,
		ActualBundleID:   n.ActiveBundleID,
		DetectedAt:       v1.Now(e.clock),
	}
	if err := e.st.CreateDriftEvent(ctx, event); err != nil {
		if err == store.ErrConflict {
			return nil // a concurrent reconcile opened one first
		}
		return err
	}
	e.metrics.DriftEventsTotal.WithLabelValues(n.ProjectID, "opened").Inc()
	e.notifier.Publish(ctx, v1.EventDriftDetected, n.ProjectID, event)
	e.log.Info("drift detected",
		"node", n.ID, "expected", n.ExpectedBundleID, "actual", n.ActiveBundleID)

	project, err := e.st.GetProject(ctx, n.ProjectID)
	if err != nil {
		return err
	}
	if stats, err := e.st.DriftStats(ctx, n.ProjectID); err == nil {
		e.metrics.DriftOpen.WithLabelValues(n.ProjectID).Set(float64(stats.OpenTotal))
		if th := project.Settings.DriftAlertThreshold; th > 0 && stats.OpenTotal >= th {
			e.notifier.Publish(ctx, v1.EventDriftThreshold, n.ProjectID, stats)
		}
	}
	if project.Settings.DriftAutoRemediation {
		e.remediate(ctx, n, event)
	}
	return nil
}

// remediate starts the single-node convergence rollout, rate-limited per
// (node, expected bundle). The event stays open with resolution
// rollout_started until the node actually converges.
func (e *Engine) remediate(ctx context.Context, n *v1.Node, event *v1.DriftEvent) {
	key := n.ID + "|" + n.ExpectedBundleID
	if err := e.cooldown.Add(key, e.clock.Now(), e.opts.RemediationCooldown); err != nil {
		e.log.V(1).Info("remediation on cooldown", "node", n.ID, "bundle", n.ExpectedBundleID)
		return
	}
	r, err := e.remediator.CreateRemediation(ctx, n, n.ExpectedBundleID)
	if err != nil {
		e.log.Error(err, "creating remediation rollout", "node", n.ID, "bundle", n.ExpectedBundleID)
		return
	}
	if err := e.st.SetRemediation(ctx, event.ID, r.ID); err != nil {
		e.log.Error(err, "linking remediation rollout", "event", event.ID, "rollout", r.ID)
		return
	}
	e.log.Info("auto-remediation started", "node", n.ID, "rollout", r.ID, "bundle", n.ExpectedBundleID)
}

func (e *Engine) resolve(ctx context.Context, event *v1.DriftEvent, res v1.DriftResolution, by string, auto bool) error {
	err := e.st.ResolveDriftEvent(ctx, event.ID, res, by, auto, v1.Now(e.clock))
	if err == store.ErrConflict {
		return nil
	}
	if err != nil {
		return err
	}
	e.metrics.DriftEventsTotal.WithLabelValues(event.ProjectID, "resolved").Inc()
	e.syncGauge(ctx, event.ProjectID)

	payload := any(event)
	if updated, err := e.st.GetDriftEvent(ctx, event.ID); err == nil {
		payload = updated
	}
	e.notifier.Publish(ctx, v1.EventDriftResolvedName, event.ProjectID, payload)
	return nil
}

func (e *Engine) syncGauge(ctx context.Context, projectID string) {
	if stats, err := e.st.DriftStats(ctx, projectID); err == nil {
		e.metrics.DriftOpen.WithLabelValues(projectID).Set(float64(stats.OpenTotal))
	}
}

// HandleScan is the drift_scan job: reconcile every online node. The
// per-heartbeat path keeps this a safety net for nodes that stopped
// heartbeating mid-transition and for expectations withdrawn while a node
// was quiet.
func (e *Engine) HandleScan(ctx context.Context, _ *v1.Job) error {
	nodes, err := e.st.ListNodes(ctx, store.NodeFilter{Statuses: []v1.NodeStatus{v1.NodeOnline}})
	if err != nil {
		return err
	}
	var lastErr error
	for _, n := range nodes {
		if err := e.ReconcileNode(ctx, n); err != nil {
			e.log.Error(err, "scan reconcile failed", "node", n.ID)
			lastErr = err
		}
	}
	return lastErr
}

func (e *Engine) Get(ctx context.Context, id string) (*v1.DriftEvent, error) {
	d, err := e.st.GetDriftEvent(ctx, id)
	if err == store.ErrNotFound {
		return nil, errutil.New(errutil.KindNotFound, "drift event %s not found", id)
	}
	return d, err
}

func (e *Engine) List(ctx context.Context, f store.DriftFilter) ([]*v1.DriftEvent, error) {
	return e.st.ListDriftEvents(ctx, f)
}

func (e *Engine) Stats(ctx context.Context, projectID string) (*v1.DriftStats, error) {
	return e.st.DriftStats(ctx, projectID)
}

// Resolve closes one event as manually acknowledged.
func (e *Engine) Resolve(ctx context.Context, eventID, userID string) (*v1.DriftEvent, error) {
	event, err := e.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	err = e.st.ResolveDriftEvent(ctx, eventID, v1.DriftResolvedManual, userID, false, v1.Now(e.clock))
	if err == store.ErrConflict {
		return nil, errutil.New(errutil.KindInvalidState, "drift event %s is already resolved", eventID)
	}
	if err != nil {
		return nil, err
	}
	e.metrics.DriftEventsTotal.WithLabelValues(event.ProjectID, "resolved").Inc()
	e.syncGauge(ctx, event.ProjectID)
	resolved, err := e.st.GetDriftEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	e.notifier.Publish(ctx, v1.EventDriftResolvedName, event.ProjectID, resolved)
	return resolved, nil
}

// ResolveAll closes every open event in the project as manually
// acknowledged, returning how many were closed.
func (e *Engine) ResolveAll(ctx context.Context, projectID, userID string) (int, error) {
	count, err := e.st.ResolveProjectDrift(ctx, projectID, v1.DriftResolvedManual, userID, v1.Now(e.clock))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.metrics.DriftEventsTotal.WithLabelValues(projectID, "resolved").Add(float64(count))
		e.syncGauge(ctx, projectID)
		e.notifier.Publish(ctx, v1.EventDriftResolvedName, projectID, map[string]any{
			"resolved": count, "resolved_by": userID,
		})
	}
	return count, nil
}
