package v1

import (
	"encoding/json"
	"time"
)

// ServiceEndpoint is an HTTP probe target usable as a custom health check in
// rollout gates.
type ServiceEndpoint struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	// Method defaults to GET.
	Method string `json:"method,omitempty"`
	// ExpectStatus defaults to 200.
	ExpectStatus   int       `json:"expect_status,omitempty"`
	TimeoutSeconds int       `json:"timeout_s,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RuleKind is the check a validation rule performs at compile time.
type RuleKind string

const (
	// RuleRequiredField: Value names a declaration that must appear.
	RuleRequiredField RuleKind = "required_field"
	// RuleForbiddenPattern: no config line may match the glob in Value.
	RuleForbiddenPattern RuleKind = "forbidden_pattern"
	// RuleAllowedPattern: at least one config line must match the glob.
	RuleAllowedPattern RuleKind = "allowed_pattern"
	// RuleMaxSize: Value is the byte ceiling for the config source.
	RuleMaxSize RuleKind = "max_size"
	// RuleJSONSchema: Value is a JSON schema the bundle manifest must
	// satisfy.
	RuleJSONSchema RuleKind = "json_schema"
)

// RuleSeverity decides whether a finding fails the compile.
type RuleSeverity string

const (
	SeverityError   RuleSeverity = "error"
	SeverityWarning RuleSeverity = "warning"
	SeverityInfo    RuleSeverity = "info"
)

// ValidationRule is a project-scoped compile-time config check.
type ValidationRule struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Kind      RuleKind     `json:"kind"`
	Value     string       `json:"value"`
	Severity  RuleSeverity `json:"severity"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
}

// WebhookEndpoint is an outbound notification target. Events lists the event
// names delivered; empty means all.
type WebhookEndpoint struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Wants reports whether the endpoint subscribes to the event name.
func (w *WebhookEndpoint) Wants(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Event is the envelope published on the broadcaster and delivered to
// webhook endpoints.
type Event struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	ProjectID string          `json:"project_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event names the engines publish.
const (
	EventBundleCompiled    = "bundle.compiled"
	EventBundleCompileFail = "bundle.compile_failed"
	EventBundleRevokedName = "bundle.revoked"
	EventRolloutStarted    = "rollout.started"
	EventRolloutStepDone   = "rollout.step_completed"
	EventRolloutPausedName = "rollout.paused"
	EventRolloutCompleted  = "rollout.completed"
	EventRolloutFailedName = "rollout.failed"
	EventRolloutApproved   = "rollout.approved"
	EventRolloutRejected   = "rollout.rejected"
	EventRolloutCancelled  = "rollout.cancelled"
	EventDriftDetected     = "drift.detected"
	EventDriftResolvedName = "drift.resolved"
	EventDriftThreshold    = "drift.threshold_exceeded"
	EventNodeRegistered    = "node.registered"
	EventNodeOfflineName   = "node.offline"
)
