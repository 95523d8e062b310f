package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/registry"
)

// handleRegister issues a node identity. The raw key appears in this response
// and nowhere else ever again.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())
	var p registry.RegisterParams
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	n, key, err := s.registry.Register(r.Context(), project.ID, p)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"node_id":         n.ID,
		"node_key":        key,
		"poll_interval_s": s.registry.PollSeconds(project),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	n := nodeFrom(r.Context())
	var p registry.HeartbeatParams
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if _, err := s.registry.Heartbeat(r.Context(), n, p); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"last_seen_at": n.LastSeenAt,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	answer, err := s.registry.Poll(r.Context(), nodeFrom(r.Context()))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// handleTokenExchange trades the node's credential for a short-lived bearer
// token signed by the org's active key.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := nodeFrom(ctx)
	project, err := s.store.GetProject(ctx, n.ProjectID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	signed, expires, err := s.tokens.IssueNodeToken(ctx, n, project.OrgID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"token_type": "Bearer",
		"expires_at": expires,
	})
}

// handleNodeEvents accepts one event object or a {"events": [...]} batch.
func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := nodeFrom(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.error(w, r, errutil.Wrap(errutil.KindInvalidArgument, err, "reading request body"))
		return
	}

	var batch struct {
		Events []registry.EventParams `json:"events"`
	}
	events := batch.Events
	if err := json.Unmarshal(raw, &batch); err == nil && batch.Events != nil {
		events = batch.Events
	} else {
		var single registry.EventParams
		if err := json.Unmarshal(raw, &single); err != nil {
			s.error(w, r, errutil.New(errutil.KindInvalidArgument, `body must be an event object or {"events": [...]}`))
			return
		}
		events = []registry.EventParams{single}
	}
	for _, e := range events {
		if e.EventType == "" {
			s.error(w, r, errutil.New(errutil.KindInvalidArgument, "event_type is required"))
			return
		}
	}

	accepted, err := s.registry.ReportEvents(ctx, n, events)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

// handleNodeConfig records the node's effective runtime config. Only the
// hash and size are kept.
func (s *Server) handleNodeConfig(w http.ResponseWriter, r *http.Request) {
	n := nodeFrom(r.Context())
	var p struct {
		ConfigKDL string `json:"config_kdl"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if p.ConfigKDL == "" {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "config_kdl is required"))
		return
	}
	updated, err := s.registry.PutRuntimeConfig(r.Context(), n, []byte(p.ConfigKDL))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runtime_config_hash":       updated.RuntimeConfigHash,
		"runtime_config_size":       updated.RuntimeConfigSize,
		"runtime_config_updated_at": updated.RuntimeConfigUpdatedAt,
	})
}
