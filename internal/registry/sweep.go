package registry

import (
	"context"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// HandleLivenessSweep is the liveness_sweep job: every online node whose
// last heartbeat predates the stale threshold moves to offline in one bulk
// write. Offline nodes count against max_unavailable and are skipped by
// drift remediation until they return.
func (s *Service) HandleLivenessSweep(ctx context.Context, _ *v1.Job) error {
	cutoff := v1.Now(s.clock).Add(-s.opts.StaleThreshold)
	stale, err := s.st.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, n := range stale {
		s.metrics.NodesByStatus.WithLabelValues(n.ProjectID, string(v1.NodeOnline)).Dec()
		s.metrics.NodesByStatus.WithLabelValues(n.ProjectID, string(v1.NodeOffline)).Inc()
		s.notifier.Publish(ctx, v1.EventNodeOfflineName, n.ProjectID, n)
	}
	if len(stale) > 0 {
		s.log.Info("liveness sweep moved nodes offline", "count", len(stale))
	}
	return nil
}

// HandleHeartbeatCleanup is the heartbeat_cleanup job enforcing the per-node
// heartbeat row cap.
func (s *Service) HandleHeartbeatCleanup(ctx context.Context, _ *v1.Job) error {
	pruned, err := s.st.PruneHeartbeats(ctx, s.opts.HeartbeatKeep)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.V(1).Info("pruned heartbeats", "rows", pruned)
	}
	return nil
}

// HandleEventCleanup is the event_cleanup job enforcing the per-node event
// row cap.
func (s *Service) HandleEventCleanup(ctx context.Context, _ *v1.Job) error {
	pruned, err := s.st.PruneNodeEvents(ctx, s.opts.EventKeep)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.V(1).Info("pruned node events", "rows", pruned)
	}
	return nil
}
