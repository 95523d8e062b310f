package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
)

func driftFilter(r *http.Request, projectID string) (store.DriftFilter, error) {
	f := store.DriftFilter{
		ProjectID: projectID,
		NodeID:    r.URL.Query().Get("node_id"),
	}
	if raw := r.URL.Query().Get("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errutil.New(errutil.KindInvalidArgument, "open must be true or false, got %q", raw)
		}
		f.Open = &open
	}
	return f, nil
}

func (s *Server) handleDriftList(w http.ResponseWriter, r *http.Request) {
	f, err := driftFilter(r, projectFrom(r.Context()).ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	events, err := s.drift.List(r.Context(), f)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDriftStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.drift.Stats(r.Context(), projectFrom(r.Context()).ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDriftExport streams the project's full drift history as a JSON
// attachment for offline audits.
func (s *Server) handleDriftExport(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())
	f, err := driftFilter(r, project.ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	events, err := s.drift.List(r.Context(), f)
	if err != nil {
		s.error(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project.Slug+"-drift.json"))
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDriftShow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, err := s.drift.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	if event.ProjectID != projectFrom(ctx).ID {
		s.error(w, r, errutil.New(errutil.KindNotFound, "drift event %s not found", event.ID))
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleDriftResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	event, err := s.drift.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	if event.ProjectID != projectFrom(ctx).ID {
		s.error(w, r, errutil.New(errutil.KindNotFound, "drift event %s not found", event.ID))
		return
	}
	resolved, err := s.drift.Resolve(ctx, event.ID, actorFrom(ctx).UserID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleDriftResolveAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := s.drift.ResolveAll(ctx, projectFrom(ctx).ID, actorFrom(ctx).UserID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": count})
}
