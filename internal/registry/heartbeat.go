package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// HeartbeatParams is one agent report. Empty fields leave the node row
// untouched; an agent never clears a field through a heartbeat.
type HeartbeatParams struct {
	Health         map[string]string  `json:"health,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	ActiveBundleID string             `json:"active_bundle_id,omitempty"`
	StagedBundleID string             `json:"staged_bundle_id,omitempty"`
	AgentVersion   string             `json:"version,omitempty"`
	IP             string             `json:"ip,omitempty"`
	Hostname       string             `json:"hostname,omitempty"`
}

// Heartbeat ingests one agent report: the node row moves online with a fresh
// last_seen_at, a heartbeat row is appended, and drift is reconciled for
// this node before the call returns.
func (s *Service) Heartbeat(ctx context.Context, n *v1.Node, p HeartbeatParams) (*v1.Heartbeat, error) {
	now := v1.Now(s.clock)
	was := n.Status

	n.Status = v1.NodeOnline
	n.LastSeenAt = v1.TimePtr(now)
	if p.AgentVersion != "" {
		n.AgentVersion = p.AgentVersion
	}
	if p.IP != "" {
		n.IP = p.IP
	}
	if p.Hostname != "" {
		n.Hostname = p.Hostname
	}
	if p.ActiveBundleID != "" {
		n.ActiveBundleID = p.ActiveBundleID
	}
	// The control plane owns staged_bundle_id; an agent echo only ever
	// fills it in when nothing is staged, never replaces a staging
	// decision.
	if p.StagedBundleID != "" && n.StagedBundleID == "" {
		n.StagedBundleID = p.StagedBundleID
	}
	if err := s.st.UpdateNode(ctx, n); err != nil {
		return nil, err
	}

	hb := &v1.Heartbeat{
		ID:             v1.NewID(),
		NodeID:         n.ID,
		Health:         p.Health,
		Metrics:        p.Metrics,
		ActiveBundleID: p.ActiveBundleID,
		StagedBundleID: p.StagedBundleID,
		AgentVersion:   p.AgentVersion,
		InsertedAt:     now,
	}
	if err := s.st.InsertHeartbeat(ctx, hb); err != nil {
		return nil, err
	}

	s.metrics.HeartbeatsTotal.WithLabelValues(n.ProjectID).Inc()
	if was != v1.NodeOnline {
		s.metrics.NodesByStatus.WithLabelValues(n.ProjectID, string(was)).Dec()
		s.metrics.NodesByStatus.WithLabelValues(n.ProjectID, string(v1.NodeOnline)).Inc()
	}

	// A drift hiccup must not fail the heartbeat; the periodic scan will
	// catch up.
	if s.drift != nil {
		if err := s.drift.ReconcileNode(ctx, n); err != nil {
			s.log.Error(err, "drift reconcile failed", "node", n.ID)
		}
	}
	return hb, nil
}

// PollAnswer is the poll_next_bundle response. Either NoUpdate is true or
// the bundle fields are set; PollAfterSeconds is always set.
type PollAnswer struct {
	NoUpdate         bool   `json:"no_update,omitempty"`
	BundleID         string `json:"bundle_id,omitempty"`
	Version          string `json:"version,omitempty"`
	Checksum         string `json:"checksum,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	Signature        string `json:"signature,omitempty"`
	SigningKeyID     string `json:"signing_key_id,omitempty"`
	DownloadURL      string `json:"download_url,omitempty"`
	PollAfterSeconds int    `json:"poll_after_s"`
}

// Poll answers a node's poll: the staged bundle with a presigned download
// URL when one is waiting and distributable, no_update otherwise.
func (s *Service) Poll(ctx context.Context, n *v1.Node) (*PollAnswer, error) {
	project, err := s.st.GetProject(ctx, n.ProjectID)
	if err != nil {
		return nil, err
	}
	answer := &PollAnswer{NoUpdate: true, PollAfterSeconds: s.PollSeconds(project)}

	if n.StagedBundleID == "" || n.StagedBundleID == n.ActiveBundleID {
		return answer, nil
	}
	b, err := s.st.GetBundle(ctx, n.StagedBundleID)
	if err == store.ErrNotFound {
		s.log.Info("staged bundle no longer exists", "node", n.ID, "bundle", n.StagedBundleID)
		return answer, nil
	}
	if err != nil {
		return nil, err
	}
	if !b.Status.Distributable() {
		return answer, nil
	}
	url, err := s.objects.PresignDownload(ctx, b.StorageKey, s.opts.DownloadTTL)
	if err != nil {
		return nil, err
	}
	return &PollAnswer{
		BundleID:         b.ID,
		Version:          b.Version,
		Checksum:         b.Checksum,
		SizeBytes:        b.SizeBytes,
		Signature:        b.Signature,
		SigningKeyID:     b.SigningKeyID,
		DownloadURL:      url,
		PollAfterSeconds: answer.PollAfterSeconds,
	}, nil
}

// EventParams is one agent-reported event.
type EventParams struct {
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	BundleID  string            `json:"bundle_id,omitempty"`
}

// nodeBundleStates maps agent bundle lifecycle events onto the per-node
// rollout status machine.
var nodeBundleStates = map[string]v1.NodeBundleState{
	v1.EventBundleStaging:    v1.NodeBundleStaging,
	v1.EventBundleActivating: v1.NodeBundleActivating,
	v1.EventBundleActivated:  v1.NodeBundleActive,
	v1.EventBundleFailed:     v1.NodeBundleFailed,
}

// ReportEvents stores a batch of agent events and advances the per-node
// status of any active rollout the events' bundles belong to.
func (s *Service) ReportEvents(ctx context.Context, n *v1.Node, events []EventParams) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	now := v1.Now(s.clock)
	rows := make([]*v1.NodeEvent, 0, len(events))
	for _, e := range events {
		rows = append(rows, &v1.NodeEvent{
			ID:         v1.NewID(),
			NodeID:     n.ID,
			ProjectID:  n.ProjectID,
			EventType:  e.EventType,
			Severity:   e.Severity,
			Message:    e.Message,
			Metadata:   e.Metadata,
			BundleID:   e.BundleID,
			InsertedAt: now,
		})
	}
	if err := s.st.InsertNodeEvents(ctx, rows); err != nil {
		return 0, err
	}

	for _, e := range events {
		state, ok := nodeBundleStates[e.EventType]
		if !ok || e.BundleID == "" {
			continue
		}
		if err := s.advanceBundleStatus(ctx, n, e.BundleID, state, e.Message, now); err != nil {
			s.log.Error(err, "recording bundle progress", "node", n.ID, "bundle", e.BundleID, "event", e.EventType)
		}
	}
	return len(rows), nil
}

// advanceBundleStatus moves the node's status row forward in every active
// rollout of the reported bundle. The store's rank guard discards stale
// reports, so redelivered or out-of-order events are harmless.
func (s *Service) advanceBundleStatus(ctx context.Context, n *v1.Node, bundleID string, state v1.NodeBundleState, detail string, now time.Time) error {
	rollouts, err := s.st.ListRollouts(ctx, store.RolloutFilter{
		ProjectID: n.ProjectID,
		States:    []v1.RolloutState{v1.RolloutRunning, v1.RolloutPaused},
		BundleID:  bundleID,
	})
	if err != nil {
		return err
	}
	for _, r := range rollouts {
		status, err := s.st.GetNodeBundleStatus(ctx, r.ID, n.ID)
		if err == store.ErrNotFound {
			continue // node is not part of this rollout
		}
		if err != nil {
			return err
		}
		status.State = state
		status.Detail = detail
		status.LastReportAt = v1.TimePtr(now)
		status.UpdatedAt = now
		if err := s.st.UpsertNodeBundleStatus(ctx, status); err != nil {
			return err
		}
	}
	return nil
}

// PutRuntimeConfig records the hash and size of the node's effective KDL.
// The text itself is never retained.
func (s *Service) PutRuntimeConfig(ctx context.Context, n *v1.Node, configKDL []byte) (*v1.Node, error) {
	sum := sha256.Sum256(configKDL)
	now := v1.Now(s.clock)
	n.RuntimeConfigHash = hex.EncodeToString(sum[:])
	n.RuntimeConfigSize = int64(len(configKDL))
	n.RuntimeConfigUpdatedAt = v1.TimePtr(now)
	if err := s.st.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}
