package v1

import "time"

// Organization is the tenancy root. Signing keys, users and API keys hang off
// the organization; nothing is shared across organizations.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectSettings are the per-project knobs the engines consult.
type ProjectSettings struct {
	// RequireApproval gates every rollout in the project behind operator
	// approval before planning may start.
	RequireApproval bool `json:"require_approval"`
	// ApprovalsNeeded is the number of distinct approvals required when
	// RequireApproval is set. Zero means one.
	ApprovalsNeeded int `json:"approvals_needed,omitempty"`
	// DriftAutoRemediation lets the drift engine create remediation
	// rollouts on its own.
	DriftAutoRemediation bool `json:"drift_auto_remediation"`
	// DriftAlertThreshold fires a drift.threshold_exceeded notification
	// when the count of open drift events reaches it. Zero disables the
	// alert.
	DriftAlertThreshold int `json:"drift_alert_threshold,omitempty"`
	// PollIntervalSeconds is handed to nodes at registration and on every
	// poll response. Zero falls back to the server default.
	PollIntervalSeconds int `json:"poll_interval_s,omitempty"`
	// HeartbeatRetention caps the stored heartbeat rows per node.
	HeartbeatRetention int `json:"heartbeat_retention,omitempty"`
	// EventRetention caps the stored node event rows per node.
	EventRetention int `json:"event_retention,omitempty"`
}

type Project struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Settings  ProjectSettings `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
}

// Environment is one link in a project's promotion chain, ordered by Ordinal
// (0 is the first environment new bundles land in).
type Environment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Ordinal   int    `json:"ordinal"`
}

// Role is an organization membership role.
type Role string

const (
	// RoleViewer may read everything in the organization.
	RoleViewer Role = "viewer"
	// RoleOperator may additionally create bundles and drive rollouts.
	RoleOperator Role = "operator"
	// RoleAdmin may additionally manage keys, services and rules.
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// AtLeast reports whether r grants everything o grants.
func (r Role) AtLeast(o Role) bool {
	return roleRank[r] >= roleRank[o]
}

// User rows are managed outside the control plane; they exist here for actor
// attribution and approval bookkeeping.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type OrgMembership struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
