package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func TestProjectSettingsOverHTTP(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodPut, projectPath+"/settings", f.adminKey, v1.ProjectSettings{
		RequireApproval:     true,
		ApprovalsNeeded:     2,
		PollIntervalSeconds: 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p v1.Project
	decodeBody(t, rec, &p)
	assert.True(t, p.Settings.RequireApproval)
	assert.Equal(t, 2, p.Settings.ApprovalsNeeded)

	show := f.do(t, http.MethodGet, projectPath+"/", f.viewerKey, nil)
	require.Equal(t, http.StatusOK, show.Code)
	decodeBody(t, show, &p)
	assert.Equal(t, 60, p.Settings.PollIntervalSeconds)

	t.Run("poll interval reaches agents", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/nodes/register", "",
			map[string]any{"name": "edge-1"})
		require.Equal(t, http.StatusCreated, rec.Code)
		var resp struct {
			PollInterval int `json:"poll_interval_s"`
		}
		decodeBody(t, rec, &resp)
		assert.Equal(t, 60, resp.PollInterval)
	})

	t.Run("negative values", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, projectPath+"/settings", f.adminKey,
			map[string]any{"approvals_needed": -1})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_argument", errKind(t, rec))
	})
}

func TestServiceEndpoints(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodPost, projectPath+"/services", f.adminKey, map[string]any{
		"name": "payments-health", "url": "http://payments.internal/healthz", "expect_status": 204,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var svc v1.ServiceEndpoint
	decodeBody(t, rec, &svc)
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, 204, svc.ExpectStatus)

	t.Run("validation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/services", f.adminKey,
			map[string]any{"name": "bad", "url": "not a url"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = f.do(t, http.MethodPost, projectPath+"/services", f.adminKey,
			map[string]any{"url": "http://payments.internal/healthz"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = f.do(t, http.MethodPost, projectPath+"/services", f.adminKey,
			map[string]any{"name": "bad", "url": "http://x.internal/", "expect_status": 42})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	list := f.do(t, http.MethodGet, projectPath+"/services", f.viewerKey, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var services []v1.ServiceEndpoint
	decodeBody(t, list, &services)
	assert.Len(t, services, 1)

	show := f.do(t, http.MethodGet, projectPath+"/services/"+svc.ID, f.viewerKey, nil)
	assert.Equal(t, http.StatusOK, show.Code)

	del := f.do(t, http.MethodDelete, projectPath+"/services/"+svc.ID, f.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)
	gone := f.do(t, http.MethodGet, projectPath+"/services/"+svc.ID, f.viewerKey, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestValidationRules(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodPost, projectPath+"/rules", f.adminKey, map[string]any{
		"kind": "forbidden_pattern", "value": "*9901*",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule v1.ValidationRule
	decodeBody(t, rec, &rule)
	assert.True(t, rule.Enabled, "rules default to enabled")
	assert.Equal(t, v1.SeverityError, rule.Severity, "severity defaults to error")

	t.Run("validation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/rules", f.adminKey,
			map[string]any{"kind": "port_scan", "value": "x"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = f.do(t, http.MethodPost, projectPath+"/rules", f.adminKey,
			map[string]any{"kind": "max_size"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = f.do(t, http.MethodPost, projectPath+"/rules", f.adminKey,
			map[string]any{"kind": "max_size", "value": "1024", "severity": "fatal"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("error rule fails the compile", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/bundles", f.operatorKey,
			map[string]any{"version": "1.0.0", "config_source": testConfigV2})
		require.Equal(t, http.StatusCreated, rec.Code)
		var b v1.Bundle
		decodeBody(t, rec, &b)
		f.disp.Drain(context.Background())

		show := f.do(t, http.MethodGet, projectPath+"/bundles/"+b.ID, f.viewerKey, nil)
		require.Equal(t, http.StatusOK, show.Code)
		decodeBody(t, show, &b)
		assert.Equal(t, v1.BundleFailed, b.Status)
		assert.Contains(t, b.CompilerOutput, "forbidden")
	})

	t.Run("clean source still compiles", func(t *testing.T) {
		b := f.compileBundle(t, "1.0.1", testConfig)
		assert.Equal(t, v1.BundleCompiled, b.Status)
	})

	t.Run("update keeps omitted fields", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, projectPath+"/rules/"+rule.ID, f.adminKey,
			map[string]any{"enabled": false})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var updated v1.ValidationRule
		decodeBody(t, rec, &updated)
		assert.False(t, updated.Enabled)
		assert.Equal(t, rule.Kind, updated.Kind)
		assert.Equal(t, rule.Value, updated.Value)
	})

	t.Run("disabled rule no longer gates", func(t *testing.T) {
		b := f.compileBundle(t, "1.0.2", testConfigV2)
		assert.Equal(t, v1.BundleCompiled, b.Status)
	})

	del := f.do(t, http.MethodDelete, projectPath+"/rules/"+rule.ID, f.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)
	gone := f.do(t, http.MethodPut, projectPath+"/rules/"+rule.ID, f.adminKey,
		map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestWebhookAdministration(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodPost, projectPath+"/webhooks", f.adminKey, map[string]any{
		"url": "http://hooks.internal/sentinel", "secret": "whsec_3f9a",
		"events": []string{"rollout.completed", "drift.detected"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var hook v1.WebhookEndpoint
	decodeBody(t, rec, &hook)
	assert.True(t, hook.Active, "webhooks default to active")
	assert.NotContains(t, rec.Body.String(), "whsec_3f9a", "the signing secret is write-only")

	t.Run("bad url", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/webhooks", f.adminKey,
			map[string]any{"url": "nope"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	list := f.do(t, http.MethodGet, projectPath+"/webhooks", f.viewerKey, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var hooks []v1.WebhookEndpoint
	decodeBody(t, list, &hooks)
	assert.Len(t, hooks, 1)
	assert.NotContains(t, list.Body.String(), "whsec_3f9a")

	del := f.do(t, http.MethodDelete, projectPath+"/webhooks/"+hook.ID, f.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)
	again := f.do(t, http.MethodDelete, projectPath+"/webhooks/"+hook.ID, f.adminKey, nil)
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestAPIKeyAdministration(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodPost, projectPath+"/api-keys", f.adminKey,
		map[string]any{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued struct {
		APIKey v1.APIKey `json:"api_key"`
		Secret string    `json:"secret"`
	}
	decodeBody(t, rec, &issued)
	assert.True(t, strings.HasPrefix(issued.Secret, "scpk_"), "got %q", issued.Secret)
	assert.Equal(t, "u-admin", issued.APIKey.UserID, "keys default to the issuer")

	t.Run("fresh secret authenticates", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, projectPath+"/", issued.Secret, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("issue for another member", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/api-keys", f.adminKey,
			map[string]any{"name": "viewer-ci", "user_id": "u-view"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var other struct {
			APIKey v1.APIKey `json:"api_key"`
		}
		decodeBody(t, rec, &other)
		assert.Equal(t, "u-view", other.APIKey.UserID)
	})

	t.Run("issue for a stranger", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/api-keys", f.adminKey,
			map[string]any{"name": "ghost-ci", "user_id": "u-nobody"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_argument", errKind(t, rec))
	})

	t.Run("name required", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/api-keys", f.adminKey, map[string]any{})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	list := f.do(t, http.MethodGet, projectPath+"/api-keys", f.adminKey, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var keys []v1.APIKey
	decodeBody(t, list, &keys)
	assert.GreaterOrEqual(t, len(keys), 5, "fixture keys plus the issued ones")
	assert.NotContains(t, list.Body.String(), issued.Secret)
	assert.NotContains(t, list.Body.String(), "key_hash")

	rec = f.do(t, http.MethodDelete, projectPath+"/api-keys/"+issued.APIKey.ID, f.adminKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	t.Run("revoked secret is dead", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, projectPath+"/", issued.Secret, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "key_deactivated", errKind(t, rec))
	})

	t.Run("revoke twice", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, projectPath+"/api-keys/"+issued.APIKey.ID, f.adminKey, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "invalid_state", errKind(t, rec))
	})

	t.Run("revoke unknown", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, projectPath+"/api-keys/k-ghost", f.adminKey, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSigningKeyRotation(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodGet, projectPath+"/signing-keys/active", f.viewerKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, projectPath+"/signing-keys/rotate", f.adminKey, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first v1.SigningKey
	decodeBody(t, rec, &first)
	assert.True(t, first.Active)
	assert.NotEmpty(t, first.PublicKey)
	assert.NotContains(t, rec.Body.String(), "private")

	active := f.do(t, http.MethodGet, projectPath+"/signing-keys/active", f.viewerKey, nil)
	require.Equal(t, http.StatusOK, active.Code)
	var got v1.SigningKey
	decodeBody(t, active, &got)
	assert.Equal(t, first.ID, got.ID)

	rec = f.do(t, http.MethodPost, projectPath+"/signing-keys/rotate", f.adminKey, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var second v1.SigningKey
	decodeBody(t, rec, &second)
	assert.NotEqual(t, first.ID, second.ID)

	active = f.do(t, http.MethodGet, projectPath+"/signing-keys/active", f.viewerKey, nil)
	require.Equal(t, http.StatusOK, active.Code)
	decodeBody(t, active, &got)
	assert.Equal(t, second.ID, got.ID, "rotation hands off the active key")
}
