package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type ctxKey int

const (
	ctxKeyActor ctxKey = iota
	ctxKeyProject
	ctxKeyNode
)

// Actor is the authenticated operator behind an API key.
type Actor struct {
	UserID string
	OrgID  string
	Role   v1.Role
	KeyID  string
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func projectFrom(ctx context.Context) *v1.Project {
	p, _ := ctx.Value(ctxKeyProject).(*v1.Project)
	return p
}

func actorFrom(ctx context.Context) *Actor {
	a, _ := ctx.Value(ctxKeyActor).(*Actor)
	return a
}

func nodeFrom(ctx context.Context) *v1.Node {
	n, _ := ctx.Value(ctxKeyNode).(*v1.Node)
	return n
}

// projectCtx resolves the {slug} segment to its project. It runs before
// authentication: node registration needs the project but carries no
// credential yet.
func (s *Server) projectCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := chi.URLParam(r, "slug")
		p, err := s.store.GetProjectBySlug(r.Context(), slug)
		if err == store.ErrNotFound {
			s.error(w, r, errutil.New(errutil.KindNotFound, "project %q not found", slug))
			return
		}
		if err != nil {
			s.error(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyProject, p)))
	})
}

// operatorAuth authenticates the API key, binds it to the project's org and
// attaches the actor with their membership role. Requests from a foreign org
// read as a project miss, not a denial.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw := bearerToken(r)
		if raw == "" {
			s.error(w, r, errutil.New(errutil.KindInvalidKey, "missing bearer token"))
			return
		}
		key, err := s.store.GetAPIKeyByHash(ctx, token.HashSecret(raw))
		if err == store.ErrNotFound {
			s.error(w, r, errutil.New(errutil.KindUnknownKey, "unknown api key"))
			return
		}
		if err != nil {
			s.error(w, r, err)
			return
		}
		if !key.Usable(s.clock.Now()) {
			s.error(w, r, errutil.New(errutil.KindKeyDeactivated, "api key is revoked or expired"))
			return
		}
		project := projectFrom(ctx)
		if project.OrgID != key.OrgID {
			s.error(w, r, errutil.New(errutil.KindNotFound, "project %q not found", project.Slug))
			return
		}
		membership, err := s.store.GetMembership(ctx, key.OrgID, key.UserID)
		if err == store.ErrNotFound {
			s.error(w, r, errutil.New(errutil.KindNotAuthorized, "user has no role in this organization"))
			return
		}
		if err != nil {
			s.error(w, r, err)
			return
		}
		actor := &Actor{UserID: key.UserID, OrgID: key.OrgID, Role: membership.Role, KeyID: key.ID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyActor, actor)))
	})
}

// require gates a route on a minimum membership role.
func (s *Server) require(min v1.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := actorFrom(r.Context())
			if a == nil || !a.Role.AtLeast(min) {
				s.error(w, r, errutil.New(errutil.KindNotAuthorized, "%s role required", min))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// nodeAuth authenticates the agent protocol. The bearer credential is either
// the raw node key issued at registration or a token from the exchange
// endpoint; both resolve to the same node. The credential must belong to the
// node named in the path.
func (s *Server) nodeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw := bearerToken(r)
		if raw == "" {
			s.error(w, r, errutil.New(errutil.KindInvalidKey, "missing bearer token"))
			return
		}

		var (
			n   *v1.Node
			err error
		)
		// A JWS compact serialization has two dots; node keys are plain
		// base64url and never do.
		if strings.Count(raw, ".") == 2 {
			var claims *token.Claims
			claims, err = s.tokens.VerifyNodeToken(ctx, raw)
			if err == nil {
				n, err = s.store.GetNode(ctx, claims.NodeID)
				switch {
				case err == store.ErrNotFound:
					err = errutil.New(errutil.KindInvalidClaims, "token subject no longer exists")
				case err == nil && n.Status == v1.NodeDecommissioned:
					err = errutil.New(errutil.KindKeyDeactivated, "node %s is decommissioned", n.ID)
				}
			}
		} else {
			n, err = s.registry.Authenticate(ctx, raw)
		}
		if err != nil {
			s.error(w, r, err)
			return
		}

		if id := chi.URLParam(r, "id"); id != n.ID {
			s.error(w, r, errutil.New(errutil.KindNotAuthorized, "credential does not belong to node %s", id))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyNode, n)))
	})
}
