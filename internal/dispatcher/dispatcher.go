// Package dispatcher runs the durable job queue: enqueue with dedup,
// claim-based delivery to a worker pool, retries with backoff and a reaper
// for claims stranded by a crashed worker. Delivery is at-least-once; every
// handler relies on conditional store writes to stay idempotent.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// Job kinds. Handlers are registered under these names at wiring time.
const (
	KindCompileBundle     = "compile_bundle"
	KindPlanRollout       = "plan_rollout"
	KindTickRollout       = "tick_rollout"
	KindLivenessSweep     = "liveness_sweep"
	KindDriftScan         = "drift_scan"
	KindDeliverWebhook    = "deliver_webhook"
	KindHeartbeatCleanup  = "heartbeat_cleanup"
	KindEventCleanup      = "event_cleanup"
	KindScheduledRollouts = "scheduled_rollouts"
)

// CompileArgs asks the compiler to claim and compile one bundle.
type CompileArgs struct {
	BundleID string `json:"bundle_id"`
}

// PlanArgs asks the rollout engine to plan one approved or pending rollout.
type PlanArgs struct {
	RolloutID string `json:"rollout_id"`
}

// TickArgs advances one rollout's state machine by a single tick.
type TickArgs struct {
	RolloutID string `json:"rollout_id"`
}

// DeliverArgs carries one event to one webhook endpoint.
type DeliverArgs struct {
	EndpointID string   `json:"endpoint_id"`
	Event      v1.Event `json:"event"`
}

// TickKey is the dedup key serializing ticks per rollout.
func TickKey(rolloutID string) string { return "tick:" + rolloutID }

// Args decodes a job's argument payload.
func Args[T any](j *v1.Job) (T, error) {
	var out T
	if len(j.Args) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(j.Args, &out); err != nil {
		return out, fmt.Errorf("job %s args: %w", j.ID, err)
	}
	return out, nil
}

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry until MaxAttempts is reached.
type Handler func(ctx context.Context, job *v1.Job) error

// Option adjusts a job before it is enqueued.
type Option func(*v1.Job)

// WithRunAt delays the job until t.
func WithRunAt(t time.Time) Option {
	return func(j *v1.Job) { j.RunAt = t.UTC() }
}

// WithDedupKey replaces the derived dedup key.
func WithDedupKey(key string) Option {
	return func(j *v1.Job) { j.DedupKey = key }
}

// WithMaxAttempts overrides the dispatcher-wide attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(j *v1.Job) { j.MaxAttempts = n }
}

// Enqueuer is the narrow interface engines use to submit work.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, args any, opts ...Option) error
}

type Dispatcher struct {
	store       store.Jobs
	metrics     *metrics.Metrics
	clock       clock.WithTicker
	log         logr.Logger
	workers     int
	maxAttempts int
	retry       *backoff.Backoff

	// handlers is written only before Run.
	handlers map[string]Handler
}

func New(st store.Jobs, m *metrics.Metrics, clk clock.WithTicker, logger logr.Logger, workers, maxAttempts int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		store:       st,
		metrics:     m,
		clock:       clk,
		log:         logger.WithName("dispatcher"),
		workers:     workers,
		maxAttempts: maxAttempts,
		retry: &backoff.Backoff{
			Min:    durations.JobRetryBase,
			Max:    durations.JobRetryMax,
			Factor: 2,
			Jitter: true,
		},
		handlers: map[string]Handler{},
	}
}

// Register binds a handler to a job kind. Call before Run; the map is read
// concurrently afterwards.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlers[kind] = h
}

// Enqueue inserts a pending job. A job with no explicit dedup key gets one
// derived from kind and args, so identical submissions collapse while one is
// still pending. An existing pending duplicate makes Enqueue a no-op.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, args any, opts ...Option) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s args: %w", kind, err)
		}
		raw = b
	}

	now := d.clock.Now().UTC()
	job := &v1.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Args:        raw,
		State:       v1.JobPending,
		RunAt:       now,
		MaxAttempts: d.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.DedupKey == "" {
		key, err := derivedKey(kind, raw)
		if err != nil {
			return err
		}
		job.DedupKey = key
	}

	err := d.store.EnqueueJob(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		// Same work already queued.
		return nil
	}
	return err
}

func derivedKey(kind string, raw json.RawMessage) (string, error) {
	h, err := hashstructure.Hash(struct {
		Kind string
		Args string
	}{kind, string(raw)}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash %s args: %w", kind, err)
	}
	return fmt.Sprintf("%s:%x", kind, h), nil
}

// Run blocks serving the queue until ctx is canceled: one claim loop per
// worker plus the stuck-claim reaper.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error { return d.work(ctx) })
	}
	g.Go(func() error { return d.reap(ctx) })
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) error {
	for {
		job, err := d.store.ClaimDueJob(ctx, d.clock.Now().UTC())
		switch {
		case errors.Is(err, store.ErrNotFound):
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(durations.JobPollInterval):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error(err, "claim failed")
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(durations.JobPollInterval):
			}
			continue
		}
		d.handle(ctx, job)
	}
}

func (d *Dispatcher) reap(ctx context.Context) error {
	ticker := d.clock.NewTicker(durations.JobReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			cutoff := d.clock.Now().Add(-durations.JobRunningGrace).UTC()
			n, err := d.store.RequeueStuckJobs(ctx, cutoff)
			if err != nil {
				d.log.Error(err, "requeue stuck jobs failed")
				continue
			}
			if n > 0 {
				d.log.Info("requeued stuck jobs", "count", n)
			}
		}
	}
}

// Drain claims and handles due jobs on the calling goroutine until none
// remain, returning how many ran. Jobs enqueued by handlers for a later
// run_at stay queued. Used by tests and the migrate-and-run-once path.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		job, err := d.store.ClaimDueJob(ctx, d.clock.Now().UTC())
		if err != nil {
			return n
		}
		d.handle(ctx, job)
		n++
	}
}

func (d *Dispatcher) handle(ctx context.Context, job *v1.Job) {
	logger := d.log.WithValues("job", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	h, ok := d.handlers[job.Kind]
	if !ok {
		logger.Error(nil, "no handler registered")
		d.finish(ctx, job, "failed", "no handler registered for kind "+job.Kind)
		return
	}

	start := d.clock.Now()
	err := h(ctx, job)
	d.metrics.JobSeconds.WithLabelValues(job.Kind).Observe(d.clock.Since(start).Seconds())

	switch {
	case err == nil:
		if err := d.store.CompleteJob(ctx, job.ID); err != nil {
			logger.Error(err, "complete failed")
		}
		d.metrics.JobsTotal.WithLabelValues(job.Kind, "ok").Inc()
	case job.Attempts >= job.MaxAttempts:
		logger.Error(err, "job failed, attempts exhausted")
		d.finish(ctx, job, "failed", err.Error())
	default:
		delay := d.retry.ForAttempt(float64(job.Attempts - 1))
		logger.V(1).Info("job failed, retrying", "error", err.Error(), "delay", delay)
		if err := d.store.RetryJob(ctx, job, d.clock.Now().Add(delay).UTC(), err.Error()); err != nil {
			logger.Error(err, "retry failed")
		}
		d.metrics.JobsTotal.WithLabelValues(job.Kind, "retry").Inc()
	}
}

func (d *Dispatcher) finish(ctx context.Context, job *v1.Job, outcome, lastErr string) {
	if err := d.store.FailJob(ctx, job, lastErr); err != nil {
		d.log.Error(err, "fail failed", "job", job.ID)
	}
	d.metrics.JobsTotal.WithLabelValues(job.Kind, outcome).Inc()
}
