// Package durations centralizes the control plane's timing defaults so
// tunables live in one place instead of scattered literals.
package durations

import "time"

const (
	// NodeStaleThreshold is how long a node may go without a heartbeat
	// before the liveness sweep marks it offline.
	NodeStaleThreshold = time.Second * 120
	// LivenessSweepInterval is the cadence of the offline sweep job.
	LivenessSweepInterval = time.Second * 30
	// DriftScanInterval is the cadence of the full-project drift scan; the
	// per-node reconcile still runs on every heartbeat.
	DriftScanInterval = time.Minute * 5
	// RemediationCooldown rate-limits auto-remediation rollouts per node
	// and expected bundle.
	RemediationCooldown = time.Minute * 10

	DefaultPollInterval = time.Second * 30
	NodeTokenTTL        = time.Hour
	DownloadURLTTL      = time.Minute * 15

	// RolloutTickInterval drives the rollout state machine.
	RolloutTickInterval = time.Second
	// ScheduledRolloutScan is how often due scheduled rollouts are picked
	// up for planning.
	ScheduledRolloutScan = time.Second * 15
	// DefaultStepDeadline applies when a rollout specifies none.
	DefaultStepDeadline = time.Minute * 10
	// ProbeTimeout bounds one custom health check HTTP probe.
	ProbeTimeout = time.Second * 10

	CompileTimeout   = time.Minute * 5
	ValidatorTimeout = time.Second * 30
	GitFetchTimeout  = time.Minute * 2

	// JobPollInterval is how often idle dispatcher workers look for due
	// jobs.
	JobPollInterval = time.Millisecond * 500
	// JobRetryBase/JobRetryMax bound the dispatcher's retry backoff.
	JobRetryBase = time.Millisecond * 250
	JobRetryMax  = time.Minute * 2
	// JobReaperInterval requeues jobs stranded in running state after a
	// crash.
	JobReaperInterval = time.Minute
	// JobRunningGrace is how long a running claim is trusted before the
	// reaper takes it back.
	JobRunningGrace = time.Minute * 5

	WebhookTimeout       = time.Second * 10
	HeartbeatCleanupTick = time.Minute * 10
	EventCleanupTick     = time.Minute * 10

	// ShutdownGrace bounds draining of in-flight HTTP requests and jobs.
	ShutdownGrace = time.Second * 20
	// ReadHeaderTimeout caps how long a client may dribble request headers.
	ReadHeaderTimeout = time.Second * 10
)
