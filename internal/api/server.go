// Package api is the HTTP surface of the control plane: the node-facing
// protocol agents speak and the operator API, both under /api/v1, plus the
// management listener with health and metrics endpoints. Handlers stay thin;
// every decision that matters lives in the engines, and the kinded errors
// they return are mapped onto status codes here.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/bundle"
	"github.com/sentinelproxy/sentinel-cp/internal/drift"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/registry"
	"github.com/sentinelproxy/sentinel-cp/internal/rollout"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// Deps are the server collaborators.
type Deps struct {
	Store    store.Interface
	Bundles  *bundle.Service
	Registry *registry.Service
	Rollouts *rollout.Service
	Drift    *drift.Engine
	Tokens   *token.Service
	Metrics  *metrics.Metrics
	Clock    clock.PassiveClock
	Log      logr.Logger
	// Ready gates /readyz; nil reports ready as soon as the server is up.
	Ready func(ctx context.Context) error
}

// Server routes HTTP requests to the engines.
type Server struct {
	store    store.Interface
	bundles  *bundle.Service
	registry *registry.Service
	rollouts *rollout.Service
	drift    *drift.Engine
	tokens   *token.Service
	metrics  *metrics.Metrics
	clock    clock.PassiveClock
	log      logr.Logger
	ready    func(ctx context.Context) error
}

func New(d Deps) *Server {
	return &Server{
		store:    d.Store,
		bundles:  d.Bundles,
		registry: d.Registry,
		rollouts: d.Rollouts,
		drift:    d.Drift,
		tokens:   d.Tokens,
		metrics:  d.Metrics,
		clock:    d.Clock,
		log:      d.Log.WithName("api"),
		ready:    d.Ready,
	}
}

// Routes builds the /api/v1 router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Agent protocol. Registration bootstraps a key; everything else
		// authenticates with that key or a token derived from it.
		r.Route("/nodes/{id}", func(r chi.Router) {
			r.Use(s.nodeAuth)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/bundles/latest", s.handlePoll)
			r.Post("/token", s.handleTokenExchange)
			r.Post("/events", s.handleNodeEvents)
			r.Post("/config", s.handleNodeConfig)
		})

		r.Route("/projects/{slug}", func(r chi.Router) {
			r.Use(s.projectCtx)
			r.Post("/nodes/register", s.handleRegister)

			// Operator surface.
			r.Group(func(r chi.Router) {
				r.Use(s.operatorAuth)
				operator := s.require(v1.RoleOperator)
				admin := s.require(v1.RoleAdmin)

				r.Get("/", s.handleProjectShow)
				r.With(admin).Put("/settings", s.handleProjectSettings)

				r.Route("/bundles", func(r chi.Router) {
					r.Get("/", s.handleBundleList)
					r.With(operator).Post("/", s.handleBundleCreate)
					r.Get("/{id}", s.handleBundleShow)
					r.With(operator).Delete("/{id}", s.handleBundleDelete)
					r.Get("/{id}/download", s.handleBundleDownload)
					r.Get("/{id}/diff", s.handleBundleDiff)
					r.Get("/{id}/sbom", s.handleBundleSBOM)
					r.With(operator).Post("/{id}/assign", s.handleBundleAssign)
					r.With(operator).Post("/{id}/revoke", s.handleBundleRevoke)
					r.With(operator).Post("/{id}/promote", s.handleBundlePromote)
				})

				r.Route("/rollouts", func(r chi.Router) {
					r.Get("/", s.handleRolloutList)
					r.With(operator).Post("/", s.handleRolloutCreate)
					r.Get("/{id}", s.handleRolloutShow)
					r.Get("/{id}/steps", s.handleRolloutSteps)
					r.Get("/{id}/statuses", s.handleRolloutStatuses)
					r.Get("/{id}/approvals", s.handleRolloutApprovals)
					r.With(operator).Post("/{id}/plan", s.handleRolloutPlan)
					r.With(operator).Post("/{id}/approve", s.handleRolloutApprove)
					r.With(operator).Post("/{id}/reject", s.handleRolloutReject)
					r.With(operator).Post("/{id}/pause", s.handleRolloutPause)
					r.With(operator).Post("/{id}/resume", s.handleRolloutResume)
					r.With(operator).Post("/{id}/cancel", s.handleRolloutCancel)
					r.With(operator).Post("/{id}/rollback", s.handleRolloutRollback)
				})

				r.Route("/nodes", func(r chi.Router) {
					r.Get("/", s.handleNodeList)
					r.Get("/{id}", s.handleNodeShow)
					r.Get("/{id}/heartbeats", s.handleNodeHeartbeats)
					r.Get("/{id}/events", s.handleNodeEventLog)
					r.With(operator).Patch("/{id}/labels", s.handleNodeLabels)
					r.With(operator).Post("/{id}/pin", s.handleNodePin)
					r.With(operator).Put("/{id}/version-bounds", s.handleNodeVersionBounds)
					r.With(operator).Post("/{id}/decommission", s.handleNodeDecommission)
				})

				r.Route("/groups", func(r chi.Router) {
					r.Get("/", s.handleGroupList)
					r.With(operator).Post("/", s.handleGroupCreate)
					r.Get("/{id}", s.handleGroupShow)
					r.With(operator).Put("/{id}", s.handleGroupUpdate)
					r.With(operator).Delete("/{id}", s.handleGroupDelete)
				})

				r.Route("/drift", func(r chi.Router) {
					r.Get("/", s.handleDriftList)
					r.Get("/stats", s.handleDriftStats)
					r.Get("/export", s.handleDriftExport)
					r.With(operator).Post("/resolve-all", s.handleDriftResolveAll)
					r.Get("/{id}", s.handleDriftShow)
					r.With(operator).Post("/{id}/resolve", s.handleDriftResolve)
				})

				r.Route("/services", func(r chi.Router) {
					r.Get("/", s.handleServiceList)
					r.With(admin).Post("/", s.handleServiceCreate)
					r.Get("/{id}", s.handleServiceShow)
					r.With(admin).Delete("/{id}", s.handleServiceDelete)
				})

				r.Route("/rules", func(r chi.Router) {
					r.Get("/", s.handleRuleList)
					r.With(admin).Post("/", s.handleRuleCreate)
					r.With(admin).Put("/{id}", s.handleRuleUpdate)
					r.With(admin).Delete("/{id}", s.handleRuleDelete)
				})

				r.Route("/webhooks", func(r chi.Router) {
					r.Get("/", s.handleWebhookList)
					r.With(admin).Post("/", s.handleWebhookCreate)
					r.With(admin).Delete("/{id}", s.handleWebhookDelete)
				})

				r.Route("/api-keys", func(r chi.Router) {
					r.With(admin).Get("/", s.handleAPIKeyList)
					r.With(admin).Post("/", s.handleAPIKeyIssue)
					r.With(admin).Delete("/{id}", s.handleAPIKeyRevoke)
				})

				r.Route("/signing-keys", func(r chi.Router) {
					r.Get("/active", s.handleSigningKeyActive)
					r.With(admin).Post("/rotate", s.handleSigningKeyRotate)
				})
			})
		})
	})

	return r
}

// Management builds the management listener handler: /healthz, /readyz and
// the Prometheus registry on /metrics.
func (s *Server) Management() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if s.ready != nil {
			if err := s.ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}
