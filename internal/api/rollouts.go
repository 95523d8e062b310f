package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/rollout"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Server) projectRollout(ctx context.Context, project *v1.Project, id string) (*v1.Rollout, error) {
	r, err := s.rollouts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ProjectID != project.ID {
		return nil, errutil.New(errutil.KindNotFound, "rollout %s not found", id)
	}
	return r, nil
}

func (s *Server) handleRolloutList(w http.ResponseWriter, r *http.Request) {
	project := projectFrom(r.Context())
	f := store.RolloutFilter{
		ProjectID: project.ID,
		BundleID:  r.URL.Query().Get("bundle_id"),
		States: lo.Map(r.URL.Query()["state"], func(v string, _ int) v1.RolloutState {
			return v1.RolloutState(v)
		}),
	}
	rollouts, err := s.rollouts.List(r.Context(), f)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollouts)
}

func (s *Server) handleRolloutCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p rollout.CreateParams
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	p.CreatedBy = actorFrom(ctx).UserID
	created, err := s.rollouts.Create(ctx, projectFrom(ctx).ID, p)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRolloutShow(w http.ResponseWriter, r *http.Request) {
	ro, err := s.projectRollout(r.Context(), projectFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleRolloutSteps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectRollout(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	steps, err := s.rollouts.Steps(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleRolloutStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectRollout(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	statuses, err := s.rollouts.NodeStatuses(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleRolloutApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.projectRollout(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	approvals, err := s.rollouts.Approvals(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

// rolloutVerb runs one operator state-change verb after the ownership check.
func (s *Server) rolloutVerb(w http.ResponseWriter, r *http.Request,
	verb func(ctx context.Context, rolloutID, userID string) (*v1.Rollout, error),
) {
	ctx := r.Context()
	if _, err := s.projectRollout(ctx, projectFrom(ctx), chi.URLParam(r, "id")); err != nil {
		s.error(w, r, err)
		return
	}
	ro, err := verb(ctx, chi.URLParam(r, "id"), actorFrom(ctx).UserID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleRolloutApprove(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Comment string `json:"comment"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	s.rolloutVerb(w, r, func(ctx context.Context, id, userID string) (*v1.Rollout, error) {
		return s.rollouts.Approve(ctx, id, userID, p.Comment)
	})
}

func (s *Server) handleRolloutReject(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Comment string `json:"comment"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	s.rolloutVerb(w, r, func(ctx context.Context, id, userID string) (*v1.Rollout, error) {
		return s.rollouts.Reject(ctx, id, userID, p.Comment)
	})
}

func (s *Server) handleRolloutPlan(w http.ResponseWriter, r *http.Request) {
	s.rolloutVerb(w, r, s.rollouts.Plan)
}

func (s *Server) handleRolloutPause(w http.ResponseWriter, r *http.Request) {
	s.rolloutVerb(w, r, s.rollouts.Pause)
}

func (s *Server) handleRolloutResume(w http.ResponseWriter, r *http.Request) {
	s.rolloutVerb(w, r, s.rollouts.Resume)
}

func (s *Server) handleRolloutCancel(w http.ResponseWriter, r *http.Request) {
	s.rolloutVerb(w, r, s.rollouts.Cancel)
}

func (s *Server) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	s.rolloutVerb(w, r, s.rollouts.Rollback)
}
