package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/sentinelproxy/sentinel-cp/internal/bundle"
	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// projectBundle fetches the bundle and hides it when it belongs to another
// project than the one in the URL.
func (s *Server) projectBundle(ctx context.Context, project *v1.Project, id string) (*v1.Bundle, error) {
	b, err := s.bundles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.ProjectID != project.ID {
		return nil, errutil.New(errutil.KindBundleNotFound, "bundle %s not found", id)
	}
	return b, nil
}

func (s *Server) handleBundleList(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())
	f := store.BundleFilter{
		ProjectID: project.ID,
		Statuses: lo.Map(r.URL.Query()["status"], func(v string, _ int) v1.BundleStatus {
			return v1.BundleStatus(v)
		}),
	}
	bundles, err := s.bundles.List(r.Context(), f)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

func (s *Server) handleBundleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p bundle.CreateParams
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	p.ProjectID = projectFrom(ctx).ID
	p.CreatedBy = actorFrom(ctx).UserID
	b, err := s.bundles.Create(ctx, p)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBundleShow(w http.ResponseWriter, r *http.Request) {
	b, err := s.projectBundle(r.Context(), projectFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBundleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := s.projectBundle(ctx, projectFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	if err := s.bundles.Delete(ctx, b.ID); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBundleDownload answers with a presigned artifact URL, never the
// bytes; nodes and operators download from the object store directly.
func (s *Server) handleBundleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectBundle(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	url, b, err := s.bundles.Download(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundle_id":    b.ID,
		"version":      b.Version,
		"checksum":     b.Checksum,
		"size_bytes":   b.SizeBytes,
		"signature":    b.Signature,
		"download_url": url,
	})
}

func (s *Server) handleBundleDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectBundle(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	d, err := s.bundles.DiffAgainst(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("against"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleBundleSBOM(w http.ResponseWriter, r *http.Request) {
	b, err := s.projectBundle(r.Context(), projectFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	if len(b.SBOM) == 0 {
		s.error(w, r, errutil.New(errutil.KindBundleNotCompiled, "bundle %s has no SBOM", b.ID))
		return
	}
	w.Header().Set("Content-Type", bundle.SBOMContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.SBOM)
}

func (s *Server) handleBundleAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectBundle(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	var p struct {
		NodeIDs []string `json:"node_ids"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if len(p.NodeIDs) == 0 {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "node_ids is required"))
		return
	}
	nodes, err := s.bundles.Assign(ctx, chi.URLParam(r, "id"), p.NodeIDs)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleBundleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectBundle(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	b, err := s.bundles.Revoke(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBundlePromote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectBundle(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	var p struct {
		EnvironmentID string `json:"environment_id"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if p.EnvironmentID == "" {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "environment_id is required"))
		return
	}
	promo, err := s.bundles.Promote(ctx, chi.URLParam(r, "id"), p.EnvironmentID, actorFrom(ctx).UserID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, promo)
}
