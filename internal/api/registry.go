package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Server) projectNode(ctx context.Context, project *v1.Project, id string) (*v1.Node, error) {
	n, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.ProjectID != project.ID {
		return nil, errutil.New(errutil.KindNotFound, "node %s not found", id)
	}
	return n, nil
}

// queryLimit parses ?limit with a default; it caps how many heartbeat or
// event rows a show endpoint returns.
func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errutil.New(errutil.KindInvalidArgument, "limit must be a positive integer")
	}
	return limit, nil
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())
	f := store.NodeFilter{
		ProjectID: project.ID,
		Statuses: lo.Map(r.URL.Query()["status"], func(v string, _ int) v1.NodeStatus {
			return v1.NodeStatus(v)
		}),
	}
	for _, pair := range r.URL.Query()["label"] {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			s.error(w, r, errutil.New(errutil.KindInvalidArgument, "label filter must be key=value, got %q", pair))
			return
		}
		if f.Labels == nil {
			f.Labels = map[string]string{}
		}
		f.Labels[k] = v
	}
	nodes, err := s.registry.List(r.Context(), f)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNodeShow(w http.ResponseWriter, r *http.Request) {
	n, err := s.projectNode(r.Context(), projectFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNodeHeartbeats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.projectNode(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	limit, err := queryLimit(r, 20)
	if err != nil {
		s.error(w, r, err)
		return
	}
	heartbeats, err := s.store.ListHeartbeats(ctx, n.ID, limit)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeats)
}

func (s *Server) handleNodeEventLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.projectNode(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	limit, err := queryLimit(r, 20)
	if err != nil {
		s.error(w, r, err)
		return
	}
	events, err := s.store.ListNodeEvents(ctx, n.ID, limit)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleNodeLabels applies the request body as an RFC 7386 merge patch to
// the node's labels.
func (s *Server) handleNodeLabels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.projectNode(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	patch, err := io.ReadAll(r.Body)
	if err != nil {
		s.error(w, r, errutil.Wrap(errutil.KindInvalidArgument, err, "reading request body"))
		return
	}
	if len(patch) == 0 {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "merge patch body is required"))
		return
	}
	updated, err := s.registry.PatchLabels(ctx, n.ID, patch)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleNodePin pins the node to a bundle; {"bundle_id": null} unpins.
func (s *Server) handleNodePin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.projectNode(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	var p struct {
		BundleID string `json:"bundle_id"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	updated, err := s.registry.Pin(ctx, n.ID, p.BundleID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleNodeVersionBounds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.projectNode(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	var p struct {
		MinVersion string `json:"min_version"`
		MaxVersion string `json:"max_version"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	updated, err := s.registry.SetVersionBounds(ctx, n.ID, p.MinVersion, p.MaxVersion)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleNodeDecommission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.projectNode(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	updated, err := s.registry.Decommission(ctx, n.ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) projectGroup(ctx context.Context, project *v1.Project, id string) (*v1.NodeGroup, error) {
	g, err := s.registry.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.ProjectID != project.ID {
		return nil, errutil.New(errutil.KindNotFound, "group %s not found", id)
	}
	return g, nil
}

func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	groups, err := s.registry.ListGroups(r.Context(), projectFrom(r.Context()).ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p struct {
		Name    string   `json:"name"`
		NodeIDs []string `json:"node_ids"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	g, err := s.registry.CreateGroup(ctx, projectFrom(ctx).ID, p.Name, p.NodeIDs)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGroupShow(w http.ResponseWriter, r *http.Request) {
	g, err := s.projectGroup(r.Context(), projectFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGroupUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, err := s.projectGroup(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	var p struct {
		Name    string   `json:"name"`
		NodeIDs []string `json:"node_ids"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	updated, err := s.registry.UpdateGroup(ctx, g.ID, p.Name, p.NodeIDs)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, err := s.projectGroup(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	if err := s.registry.DeleteGroup(ctx, g.ID); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
