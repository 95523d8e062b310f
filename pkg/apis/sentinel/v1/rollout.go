package v1

import (
	"encoding/json"
	"fmt"
	"time"
)

// RolloutState is the coarse rollout lifecycle state. Transitions are driven
// exclusively by the rollout engine's tick and the operator verbs.
type RolloutState string

const (
	// RolloutPending: created, waiting on approval and/or schedule.
	RolloutPending RolloutState = "pending"
	// RolloutRunning: planned, steps executing.
	RolloutRunning RolloutState = "running"
	// RolloutPaused: halted by an operator or a tripped gate; resumable.
	RolloutPaused RolloutState = "paused"
	// RolloutCompleted: every step completed. Terminal.
	RolloutCompleted RolloutState = "completed"
	// RolloutFailed: a step deadline or unrecoverable error. Terminal.
	RolloutFailed RolloutState = "failed"
	// RolloutCancelled: abandoned by an operator. Terminal.
	RolloutCancelled RolloutState = "cancelled"
)

// Terminal reports whether no further transitions may occur.
func (s RolloutState) Terminal() bool {
	return s == RolloutCompleted || s == RolloutFailed || s == RolloutCancelled
}

// Strategy selects how resolved target nodes are partitioned into steps.
type Strategy string

const (
	// StrategyAllAtOnce: a single step containing every resolved node.
	StrategyAllAtOnce Strategy = "all_at_once"
	// StrategyRolling: nodes chunked into batches by size or percentage.
	StrategyRolling Strategy = "rolling"
)

// TargetKind discriminates the TargetSelector union.
type TargetKind string

const (
	// TargetAll: every non-decommissioned node in the project.
	TargetAll TargetKind = "all"
	// TargetLabels: nodes whose labels are a superset of the selector's.
	TargetLabels TargetKind = "labels"
	// TargetGroups: the union of the named groups' members.
	TargetGroups TargetKind = "groups"
	// TargetNodes: an explicit node id list, caller order preserved.
	TargetNodes TargetKind = "nodes"
)

// TargetSelector is a tagged union; exactly the fields implied by Kind may
// be set.
type TargetSelector struct {
	Kind     TargetKind        `json:"kind"`
	Labels   map[string]string `json:"labels,omitempty"`
	GroupIDs []string          `json:"group_ids,omitempty"`
	NodeIDs  []string          `json:"node_ids,omitempty"`
}

// Validate enforces the union shape.
func (t TargetSelector) Validate() error {
	switch t.Kind {
	case TargetAll:
		if len(t.Labels) > 0 || len(t.GroupIDs) > 0 || len(t.NodeIDs) > 0 {
			return fmt.Errorf("target kind %q takes no arguments", t.Kind)
		}
	case TargetLabels:
		if len(t.Labels) == 0 {
			return fmt.Errorf("target kind %q requires labels", t.Kind)
		}
		if len(t.GroupIDs) > 0 || len(t.NodeIDs) > 0 {
			return fmt.Errorf("target kind %q takes only labels", t.Kind)
		}
	case TargetGroups:
		if len(t.GroupIDs) == 0 {
			return fmt.Errorf("target kind %q requires group_ids", t.Kind)
		}
		if len(t.Labels) > 0 || len(t.NodeIDs) > 0 {
			return fmt.Errorf("target kind %q takes only group_ids", t.Kind)
		}
	case TargetNodes:
		if len(t.NodeIDs) == 0 {
			return fmt.Errorf("target kind %q requires node_ids", t.Kind)
		}
		if len(t.Labels) > 0 || len(t.GroupIDs) > 0 {
			return fmt.Errorf("target kind %q takes only node_ids", t.Kind)
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// HealthGates are the conditions a step must satisfy during verification.
// The zero value gates on nothing.
type HealthGates struct {
	// HeartbeatHealthy requires every evaluated node's latest heartbeat to
	// carry health.status == "healthy".
	HeartbeatHealthy bool `json:"heartbeat_healthy,omitempty"`
	// Metric ceilings, each checked against the node's latest heartbeat.
	MaxErrorRate     *float64 `json:"max_error_rate,omitempty"`
	MaxLatencyMillis *float64 `json:"max_latency_ms,omitempty"`
	MaxCPUPercent    *float64 `json:"max_cpu_percent,omitempty"`
	MaxMemoryPercent *float64 `json:"max_memory_percent,omitempty"`
}

var recognizedGates = map[string]bool{
	"heartbeat_healthy":  true,
	"max_error_rate":     true,
	"max_latency_ms":     true,
	"max_cpu_percent":    true,
	"max_memory_percent": true,
}

// UnmarshalJSON rejects unrecognized gate keys instead of silently dropping
// them, so a typoed gate never weakens a rollout.
func (g *HealthGates) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if !recognizedGates[k] {
			return fmt.Errorf("unrecognized health gate %q", k)
		}
	}
	type plain HealthGates
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = HealthGates(p)
	return nil
}

// Empty reports whether no gate is configured.
func (g HealthGates) Empty() bool {
	return !g.HeartbeatHealthy && g.MaxErrorRate == nil && g.MaxLatencyMillis == nil &&
		g.MaxCPUPercent == nil && g.MaxMemoryPercent == nil
}

// ApprovalState tracks the approval gate of a rollout.
type ApprovalState string

const (
	ApprovalNotRequired ApprovalState = "not_required"
	ApprovalPending     ApprovalState = "pending_approval"
	ApprovalApproved    ApprovalState = "approved"
	ApprovalRejected    ApprovalState = "rejected"
)

// Approval is one operator decision on a rollout.
type Approval struct {
	ID        string    `json:"id"`
	RolloutID string    `json:"rollout_id"`
	UserID    string    `json:"user_id"`
	Decision  string    `json:"decision"` // approved or rejected
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FailureDetail explains a failed or auto-paused rollout.
type FailureDetail struct {
	Reason         string `json:"reason"`
	StepIndex      *int   `json:"step_index,omitempty"`
	ElapsedSeconds int64  `json:"elapsed_seconds,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Failure and pause reasons the engine emits.
const (
	ReasonStepDeadlineExceeded  = "step_deadline_exceeded"
	ReasonDeadlineExceeded      = "deadline_exceeded"
	ReasonMaxUnavailableTripped = "max_unavailable_exceeded"
	ReasonBundleRevoked         = "bundle_revoked"
	ReasonOperatorPause         = "operator_pause"
)

// Rollout drives a bundle onto a target set of nodes in gated steps.
type Rollout struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	BundleID  string         `json:"bundle_id"`
	State     RolloutState   `json:"state"`
	Strategy  Strategy       `json:"strategy"`
	Target    TargetSelector `json:"target_selector"`
	// Exactly one of BatchSize/BatchPercentage may be set for rolling;
	// BatchPercentage wins when both are.
	BatchSize       int `json:"batch_size,omitempty"`
	BatchPercentage int `json:"batch_percentage,omitempty"`
	// MaxUnavailable is the per-step tolerance for nodes that never
	// activate. Zero means every node must activate.
	MaxUnavailable int `json:"max_unavailable"`
	// ProgressDeadlineSeconds bounds how long a step may run+verify.
	ProgressDeadlineSeconds int         `json:"progress_deadline_seconds"`
	Gates                   HealthGates `json:"health_gates,omitempty"`
	// CustomHealthChecks name ServiceEndpoint ids probed over HTTP during
	// verification; all must pass.
	CustomHealthChecks []string      `json:"custom_health_checks,omitempty"`
	ApprovalState      ApprovalState `json:"approval_state"`
	ApprovalsNeeded    int           `json:"approvals_needed,omitempty"`
	// AutoRollback creates a reverting rollout when this one fails on a
	// step deadline.
	AutoRollback bool       `json:"auto_rollback,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	// CurrentStep is the dense index of the executing step; -1 before
	// planning completes.
	CurrentStep int `json:"current_step"`
	StepsTotal  int `json:"steps_total"`
	// PauseReason is set when the engine pauses the rollout itself.
	PauseReason string         `json:"pause_reason,omitempty"`
	Failure     *FailureDetail `json:"error,omitempty"`
	// RollbackOf links a remediation rollout to the rollout it reverts.
	RollbackOf  string     `json:"rollback_of,omitempty"`
	CreatedBy   string     `json:"created_by_id"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepState is the lifecycle of one rollout step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepVerifying StepState = "verifying"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	// StepSkipped: the rollout terminated before this step started.
	StepSkipped StepState = "skipped"
)

// RolloutStep is one planned batch of nodes. StepIndex is dense and 0-based.
// Everything except state, timestamps and error is immutable after planning.
type RolloutStep struct {
	ID          string     `json:"id"`
	RolloutID   string     `json:"rollout_id"`
	StepIndex   int        `json:"step_index"`
	NodeIDs     []string   `json:"node_ids"`
	State       StepState  `json:"state"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NodeBundleState is the per-node progress of one rollout's bundle.
type NodeBundleState string

const (
	NodeBundlePending    NodeBundleState = "pending"
	NodeBundleStaging    NodeBundleState = "staging"
	NodeBundleActivating NodeBundleState = "activating"
	NodeBundleActive     NodeBundleState = "active"
	NodeBundleFailed     NodeBundleState = "failed"
)

// NodeBundleStateRank orders the per-node states. Updates only ever move to
// a strictly higher rank, so stale agent reports cannot regress a node and
// the two terminal states cannot replace one another.
var NodeBundleStateRank = map[NodeBundleState]int{
	NodeBundlePending:    0,
	NodeBundleStaging:    1,
	NodeBundleActivating: 2,
	NodeBundleActive:     3,
	NodeBundleFailed:     3,
}

// NodeBundleStatus tracks one node within one rollout.
type NodeBundleStatus struct {
	RolloutID string          `json:"rollout_id"`
	NodeID    string          `json:"node_id"`
	BundleID  string          `json:"bundle_id"`
	State     NodeBundleState `json:"state"`
	Detail    string          `json:"detail,omitempty"`
	StagedAt  *time.Time      `json:"staged_at,omitempty"`
	// ActivatedAt and VerifiedAt are written together when the ticker
	// completes the node's step.
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	// LastReportAt is bumped whenever the agent reports bundle progress.
	LastReportAt *time.Time `json:"last_report_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
