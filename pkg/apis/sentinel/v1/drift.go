package v1

import "time"

// DriftResolution records how a drift event was closed.
type DriftResolution string

const (
	// DriftResolvedManual: an operator acknowledged the drift.
	DriftResolvedManual DriftResolution = "manual"
	// DriftResolvedRolloutStarted: a rollout targeting the node began.
	DriftResolvedRolloutStarted DriftResolution = "rollout_started"
	// DriftResolvedRolloutCompleted: a rollout converged the node.
	DriftResolvedRolloutCompleted DriftResolution = "rollout_completed"
	// DriftResolvedAutoCleared: the node converged on its own, or its
	// expectation was withdrawn, before any rollout or operator acted.
	DriftResolvedAutoCleared DriftResolution = "auto_cleared"
)

// DriftEvent records a node observed serving a bundle other than the one the
// control plane expects. At most one unresolved event exists per node.
type DriftEvent struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	ProjectID string `json:"project_id"`
	// ExpectedBundleID is what the control plane wanted active.
	ExpectedBundleID string `json:"expected_bundle_id"`
	// ActualBundleID is what the agent reported; empty when the agent
	// reported no active bundle at all.
	ActualBundleID string     `json:"actual_bundle_id,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Resolution     DriftResolution `json:"resolution,omitempty"`
	// ResolvedBy is the acting user for manual resolutions.
	ResolvedBy string `json:"resolved_by,omitempty"`
	// AutoCleared marks events the engine resolved because the node
	// converged on its own before any rollout touched it.
	AutoCleared bool `json:"auto_cleared,omitempty"`
	// RemediationRolloutID links the auto-remediation rollout, if one was
	// created for this event.
	RemediationRolloutID string `json:"remediation_rollout_id,omitempty"`
}

// Resolved reports whether the event is closed.
func (d *DriftEvent) Resolved() bool {
	return d.ResolvedAt != nil
}

// DriftStats is the aggregate the operator API serves.
type DriftStats struct {
	ProjectID      string         `json:"project_id"`
	OpenTotal      int            `json:"open_total"`
	ResolvedTotal  int            `json:"resolved_total"`
	OpenByExpected map[string]int `json:"open_by_expected_bundle,omitempty"`
	OldestOpenAt   *time.Time     `json:"oldest_open_at,omitempty"`
}
