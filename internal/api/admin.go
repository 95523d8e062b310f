package api

import (
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"

	"github.com/sentinelproxy/sentinel-cp/internal/errutil"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func (s *Server) handleProjectShow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, projectFrom(r.Context()))
}

func (s *Server) handleProjectSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	project := projectFrom(ctx)
	var settings v1.ProjectSettings
	if err := decodeJSON(w, r, &settings); err != nil {
		s.error(w, r, err)
		return
	}
	if settings.ApprovalsNeeded < 0 || settings.PollIntervalSeconds < 0 ||
		settings.DriftAlertThreshold < 0 || settings.HeartbeatRetention < 0 ||
		settings.EventRetention < 0 {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "settings values must not be negative"))
		return
	}
	if err := s.store.UpdateProjectSettings(ctx, project.ID, settings); err != nil {
		s.error(w, r, err)
		return
	}
	updated, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices(r.Context(), projectFrom(r.Context()).ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleServiceCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p struct {
		Name           string `json:"name"`
		URL            string `json:"url"`
		Method         string `json:"method"`
		ExpectStatus   int    `json:"expect_status"`
		TimeoutSeconds int    `json:"timeout_s"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if p.Name == "" {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "name is required"))
		return
	}
	if !govalidator.IsURL(p.URL) {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "url %q is not a valid URL", p.URL))
		return
	}
	if p.ExpectStatus != 0 && (p.ExpectStatus < 100 || p.ExpectStatus > 599) {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "expect_status %d is not an HTTP status", p.ExpectStatus))
		return
	}
	svc := &v1.ServiceEndpoint{
		ID:             v1.NewID(),
		ProjectID:      projectFrom(ctx).ID,
		Name:           p.Name,
		URL:            p.URL,
		Method:         p.Method,
		ExpectStatus:   p.ExpectStatus,
		TimeoutSeconds: p.TimeoutSeconds,
		CreatedAt:      v1.Now(s.clock),
	}
	if err := s.store.CreateService(ctx, svc); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleServiceShow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc, err := s.store.GetService(ctx, chi.URLParam(r, "id"))
	if err == nil && svc.ProjectID != projectFrom(ctx).ID {
		err = errutil.New(errutil.KindNotFound, "service %s not found", svc.ID)
	}
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleServiceDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svc, err := s.store.GetService(ctx, chi.URLParam(r, "id"))
	if err == nil && svc.ProjectID != projectFrom(ctx).ID {
		err = errutil.New(errutil.KindNotFound, "service %s not found", svc.ID)
	}
	if err != nil {
		s.error(w, r, err)
		return
	}
	if err := s.store.DeleteService(ctx, svc.ID); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var ruleKinds = map[v1.RuleKind]bool{
	v1.RuleRequiredField:    true,
	v1.RuleForbiddenPattern: true,
	v1.RuleAllowedPattern:   true,
	v1.RuleMaxSize:          true,
	v1.RuleJSONSchema:       true,
}

var ruleSeverities = map[v1.RuleSeverity]bool{
	v1.SeverityError:   true,
	v1.SeverityWarning: true,
	v1.SeverityInfo:    true,
}

type rulePayload struct {
	Kind     v1.RuleKind     `json:"kind"`
	Value    string          `json:"value"`
	Severity v1.RuleSeverity `json:"severity"`
	Enabled  *bool           `json:"enabled"`
}

func (p *rulePayload) validate() error {
	if !ruleKinds[p.Kind] {
		return errutil.New(errutil.KindInvalidArgument, "unknown rule kind %q", p.Kind)
	}
	if p.Value == "" {
		return errutil.New(errutil.KindInvalidArgument, "value is required")
	}
	if p.Severity == "" {
		p.Severity = v1.SeverityError
	}
	if !ruleSeverities[p.Severity] {
		return errutil.New(errutil.KindInvalidArgument, "unknown severity %q", p.Severity)
	}
	return nil
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context(), projectFrom(r.Context()).ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p rulePayload
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if err := p.validate(); err != nil {
		s.error(w, r, err)
		return
	}
	rule := &v1.ValidationRule{
		ID:        v1.NewID(),
		ProjectID: projectFrom(ctx).ID,
		Kind:      p.Kind,
		Value:     p.Value,
		Severity:  p.Severity,
		Enabled:   p.Enabled == nil || *p.Enabled,
		CreatedAt: v1.Now(s.clock),
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// projectRule looks the rule up through the project's list; the store keeps
// no by-id getter for rules.
func (s *Server) projectRule(r *http.Request) (*v1.ValidationRule, error) {
	rules, err := s.store.ListRules(r.Context(), projectFrom(r.Context()).ID)
	if err != nil {
		return nil, err
	}
	id := chi.URLParam(r, "id")
	for _, rule := range rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return nil, errutil.New(errutil.KindNotFound, "rule %s not found", id)
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	rule, err := s.projectRule(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	p := rulePayload{Kind: rule.Kind, Value: rule.Value, Severity: rule.Severity}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if err := p.validate(); err != nil {
		s.error(w, r, err)
		return
	}
	rule.Kind = p.Kind
	rule.Value = p.Value
	rule.Severity = p.Severity
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	rule, err := s.projectRule(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	if err := s.store.DeleteRule(r.Context(), rule.ID); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context(), projectFrom(r.Context()).ID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p struct {
		URL    string   `json:"url"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
		Active *bool    `json:"active"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if !govalidator.IsURL(p.URL) {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "url %q is not a valid URL", p.URL))
		return
	}
	hook := &v1.WebhookEndpoint{
		ID:        v1.NewID(),
		ProjectID: projectFrom(ctx).ID,
		URL:       p.URL,
		Secret:    p.Secret,
		Events:    p.Events,
		Active:    p.Active == nil || *p.Active,
		CreatedAt: v1.Now(s.clock),
	}
	if err := s.store.CreateWebhook(ctx, hook); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hook, err := s.store.GetWebhook(ctx, chi.URLParam(r, "id"))
	if err == nil && hook.ProjectID != projectFrom(ctx).ID {
		err = errutil.New(errutil.KindNotFound, "webhook %s not found", hook.ID)
	}
	if err != nil {
		s.error(w, r, err)
		return
	}
	if err := s.store.DeleteWebhook(ctx, hook.ID); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context(), projectFrom(r.Context()).OrgID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleAPIKeyIssue mints an operator API key. The secret appears in this
// response and is never retrievable again; only its hash is stored.
func (s *Server) handleAPIKeyIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	orgID := projectFrom(ctx).OrgID
	var p struct {
		Name      string     `json:"name"`
		UserID    string     `json:"user_id"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(w, r, &p); err != nil {
		s.error(w, r, err)
		return
	}
	if p.Name == "" {
		s.error(w, r, errutil.New(errutil.KindInvalidArgument, "name is required"))
		return
	}
	userID := actor.UserID
	if p.UserID != "" && p.UserID != actor.UserID {
		if _, err := s.store.GetMembership(ctx, orgID, p.UserID); err != nil {
			s.error(w, r, errutil.New(errutil.KindInvalidArgument, "user %s has no role in this organization", p.UserID))
			return
		}
		userID = p.UserID
	}
	secret, err := token.NewAPIKeySecret()
	if err != nil {
		s.error(w, r, err)
		return
	}
	key := &v1.APIKey{
		ID:        v1.NewID(),
		OrgID:     orgID,
		UserID:    userID,
		Name:      p.Name,
		KeyHash:   token.HashSecret(secret),
		CreatedAt: v1.Now(s.clock),
		ExpiresAt: p.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"secret":  secret,
	})
}

func (s *Server) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.store.ListAPIKeys(ctx, projectFrom(ctx).OrgID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	var key *v1.APIKey
	for _, k := range keys {
		if k.ID == id {
			key = k
			break
		}
	}
	if key == nil {
		s.error(w, r, errutil.New(errutil.KindNotFound, "api key %s not found", id))
		return
	}
	if key.RevokedAt != nil {
		s.error(w, r, errutil.New(errutil.KindInvalidState, "api key %s is already revoked", id))
		return
	}
	if err := s.store.RevokeAPIKey(ctx, key.ID, v1.Now(s.clock)); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSigningKeyActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := s.store.ActiveSigningKey(ctx, projectFrom(ctx).OrgID, s.clock.Now())
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleSigningKeyRotate(w http.ResponseWriter, r *http.Request) {
	key, err := s.tokens.RotateSigningKey(r.Context(), projectFrom(r.Context()).OrgID)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}
