package v1

import "time"

// NodeStatus is the liveness classification of a node.
type NodeStatus string

const (
	// NodeOnline: heartbeat seen within the stale threshold.
	NodeOnline NodeStatus = "online"
	// NodeOffline: no heartbeat within the stale threshold.
	NodeOffline NodeStatus = "offline"
	// NodeUnknown: the node has never been classified; it counts as
	// unavailable for rollout progress.
	NodeUnknown NodeStatus = "unknown"
	// NodeDecommissioned: removed from service by an operator. The node is
	// never targeted and its credentials no longer authenticate.
	NodeDecommissioned NodeStatus = "decommissioned"
)

// Available reports whether the node counts toward rollout step progress.
// Everything that is not online (offline, unknown, decommissioned) counts
// against max_unavailable.
func (s NodeStatus) Available() bool {
	return s == NodeOnline
}

// Node is one registered edge proxy instance.
type Node struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	EnvironmentID string            `json:"environment_id,omitempty"`
	Name          string            `json:"name"`
	Labels        map[string]string `json:"labels,omitempty"`
	// Capabilities advertise optional agent features (e.g. "zstd",
	// "signature_verify"). Informational; the planner does not gate on them.
	Capabilities []string   `json:"capabilities,omitempty"`
	Status       NodeStatus `json:"status"`
	IP           string     `json:"ip,omitempty"`
	Hostname     string     `json:"hostname,omitempty"`
	// ActiveBundleID is the bundle the agent last reported serving.
	ActiveBundleID string `json:"active_bundle_id,omitempty"`
	// StagedBundleID is the bundle the control plane wants the node to pull
	// next. Poll answers with it whenever it differs from ActiveBundleID.
	StagedBundleID string `json:"staged_bundle_id,omitempty"`
	// ExpectedBundleID is the bundle the control plane expects to be active.
	// Only the rollout engine writes it, on step completion; heartbeats never
	// do. Drift detection compares it against ActiveBundleID.
	ExpectedBundleID string `json:"expected_bundle_id,omitempty"`
	// PinnedBundleID excludes the node from rollouts targeting any other
	// bundle while set.
	PinnedBundleID string `json:"pinned_bundle_id,omitempty"`
	// MinBundleVersion/MaxBundleVersion are optional semver bounds the
	// planner honors when resolving targets.
	MinBundleVersion string     `json:"min_bundle_version,omitempty"`
	MaxBundleVersion string     `json:"max_bundle_version,omitempty"`
	AgentVersion     string     `json:"agent_version,omitempty"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	RegisteredAt     time.Time  `json:"registered_at"`
	// KeyHash is the hex SHA-256 of the node key. The key itself is only
	// ever returned once, at registration.
	KeyHash string `json:"-"`
	// Runtime config observability, from the node config upsert. Only the
	// hash of the node's effective KDL is retained, never the text.
	RuntimeConfigHash      string     `json:"runtime_config_hash,omitempty"`
	RuntimeConfigSize      int64      `json:"runtime_config_size,omitempty"`
	RuntimeConfigUpdatedAt *time.Time `json:"runtime_config_updated_at,omitempty"`
}

// Health map keys and values agents report. The map is free-form; only
// HealthKeyStatus is interpreted by the control plane.
const (
	HealthKeyStatus       = "status"
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// Metric map keys the health gates recognize. Agents may report more; the
// rest ride along for operators.
const (
	MetricErrorRate     = "error_rate"
	MetricLatencyP99    = "latency_p99_ms"
	MetricCPUPercent    = "cpu_percent"
	MetricMemoryPercent = "memory_percent"
)

// Heartbeat is one agent report. Rows are capped per node; older rows are
// pruned by the heartbeat cleanup job.
type Heartbeat struct {
	ID             string             `json:"id"`
	NodeID         string             `json:"node_id"`
	Health         map[string]string  `json:"health,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	ActiveBundleID string             `json:"active_bundle_id,omitempty"`
	StagedBundleID string             `json:"staged_bundle_id,omitempty"`
	AgentVersion   string             `json:"agent_version,omitempty"`
	InsertedAt     time.Time          `json:"inserted_at"`
}

// Healthy reports whether the heartbeat carries health.status == healthy.
func (h *Heartbeat) Healthy() bool {
	return h.Health[HealthKeyStatus] == HealthStatusHealthy
}

// Metric returns the named metric and whether the agent reported it.
func (h *Heartbeat) Metric(key string) (float64, bool) {
	v, ok := h.Metrics[key]
	return v, ok
}

// NodeGroup is a named static set of nodes usable as a rollout target.
type NodeGroup struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	NodeIDs   []string  `json:"node_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeEvent is an agent-reported event (activation progress, local errors).
type NodeEvent struct {
	ID        string            `json:"id"`
	NodeID    string            `json:"node_id"`
	ProjectID string            `json:"project_id"`
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// BundleID is set on bundle lifecycle events and drives the per-node
	// rollout status machine.
	BundleID   string    `json:"bundle_id,omitempty"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Agent-reported event types the rollout engine understands. Anything else
// is stored verbatim for operators.
const (
	EventBundleStaging    = "bundle_staging"
	EventBundleActivating = "bundle_activating"
	EventBundleActivated  = "bundle_activated"
	EventBundleFailed     = "bundle_failed"
)
