package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func nodePath(id string) string { return "/api/v1/nodes/" + id }

func TestRegisterNode(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})

	rec := f.do(t, http.MethodPost, projectPath+"/nodes/register", "", map[string]any{
		"name": "edge-fra-01", "labels": map[string]string{"region": "fra"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		NodeID       string `json:"node_id"`
		NodeKey      string `json:"node_key"`
		PollInterval int    `json:"poll_interval_s"`
	}
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.NodeID)
	assert.NotEmpty(t, resp.NodeKey)
	assert.Equal(t, 30, resp.PollInterval)
	assert.NotContains(t, rec.Body.String(), "key_hash")

	t.Run("duplicate name", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/nodes/register", "",
			map[string]any{"name": "edge-fra-01"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "conflict", errKind(t, rec))
	})

	t.Run("missing name", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, projectPath+"/nodes/register", "", map[string]any{})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_argument", errKind(t, rec))
	})

	t.Run("unknown project", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects/ghost/nodes/register", "",
			map[string]any{"name": "edge-fra-02"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestNodeKeyBinding(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})
	id1, key1 := f.register(t, "edge-1", nil)
	id2, _ := f.register(t, "edge-2", nil)

	rec := f.do(t, http.MethodPost, nodePath(id1)+"/heartbeat", key1, map[string]any{})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("key bound to other node", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, nodePath(id2)+"/heartbeat", key1, map[string]any{})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "not_authorized", errKind(t, rec))
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, nodePath(id1)+"/heartbeat", "bm90LWEta2V5", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unknown_key", errKind(t, rec))
	})

	t.Run("missing credential", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, nodePath(id1)+"/heartbeat", "", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_key", errKind(t, rec))
	})
}

func TestHeartbeatAndPoll(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})
	id, key := f.register(t, "edge-1", nil)

	rec := f.do(t, http.MethodPost, nodePath(id)+"/heartbeat", key, map[string]any{
		"version": "1.4.0", "health": map[string]string{"proxy": "ok"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hb struct {
		OK         bool   `json:"ok"`
		LastSeenAt string `json:"last_seen_at"`
	}
	decodeBody(t, rec, &hb)
	assert.True(t, hb.OK)
	assert.NotEmpty(t, hb.LastSeenAt)

	poll := func() map[string]any {
		rec := f.do(t, http.MethodGet, nodePath(id)+"/bundles/latest", key, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var answer map[string]any
		decodeBody(t, rec, &answer)
		return answer
	}

	answer := poll()
	assert.Equal(t, true, answer["no_update"])
	assert.EqualValues(t, 30, answer["poll_after_s"])

	b := f.compileBundle(t, "1.0.0", testConfig)
	assign := f.do(t, http.MethodPost, projectPath+"/bundles/"+b.ID+"/assign", f.operatorKey,
		map[string]any{"node_ids": []string{id}})
	require.Equal(t, http.StatusOK, assign.Code, assign.Body.String())

	answer = poll()
	assert.Nil(t, answer["no_update"])
	assert.Equal(t, b.ID, answer["bundle_id"])
	assert.Equal(t, "1.0.0", answer["version"])
	assert.Equal(t, b.Checksum, answer["checksum"])
	url, _ := answer["download_url"].(string)
	assert.True(t, strings.HasPrefix(url, "http://cp.local/"), "got %q", url)

	// Once the agent reports the staged bundle active, the poll goes quiet.
	rec = f.do(t, http.MethodPost, nodePath(id)+"/heartbeat", key, map[string]any{
		"active_bundle_id": b.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	answer = poll()
	assert.Equal(t, true, answer["no_update"])
}

func TestNodeTokenExchange(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})
	id, key := f.register(t, "edge-1", nil)

	rec := f.do(t, http.MethodPost, nodePath(id)+"/token", key, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_signing_key", errKind(t, rec))

	rotate := f.do(t, http.MethodPost, projectPath+"/signing-keys/rotate", f.adminKey, nil)
	require.Equal(t, http.StatusCreated, rotate.Code, rotate.Body.String())

	rec = f.do(t, http.MethodPost, nodePath(id)+"/token", key, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
		ExpiresAt string `json:"expires_at"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 2, strings.Count(resp.Token, "."), "compact JWS")
	assert.NotEmpty(t, resp.ExpiresAt)

	t.Run("token authenticates the node", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, nodePath(id)+"/heartbeat", resp.Token, map[string]any{})
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("token is bound to its subject", func(t *testing.T) {
		other, _ := f.register(t, "edge-2", nil)
		rec := f.do(t, http.MethodPost, nodePath(other)+"/heartbeat", resp.Token, map[string]any{})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("mangled token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, nodePath(id)+"/heartbeat", resp.Token+"x", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestDecommissionLocksOutKey(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})
	id, key := f.register(t, "edge-1", nil)

	rec := f.do(t, http.MethodPost, projectPath+"/nodes/"+id+"/decommission", f.operatorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var n v1.Node
	decodeBody(t, rec, &n)
	assert.Equal(t, v1.NodeDecommissioned, n.Status)

	hb := f.do(t, http.MethodPost, nodePath(id)+"/heartbeat", key, map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, hb.Code)
	assert.Equal(t, "key_deactivated", errKind(t, hb))

	again := f.do(t, http.MethodPost, projectPath+"/nodes/"+id+"/decommission", f.operatorKey, nil)
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "invalid_state", errKind(t, again))
}

func TestNodeEventIngest(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})
	id, key := f.register(t, "edge-1", nil)
	events := nodePath(id) + "/events"

	rec := f.do(t, http.MethodPost, events, key, map[string]any{
		"event_type": "config_reload", "severity": "info", "message": "reloaded in 12ms",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Accepted int `json:"accepted"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Accepted)

	rec = f.do(t, http.MethodPost, events, key, map[string]any{
		"events": []map[string]any{
			{"event_type": "bundle_staging"},
			{"event_type": "bundle_activated", "severity": "info"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Accepted)

	t.Run("missing event_type", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, events, key, map[string]any{"severity": "info"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_argument", errKind(t, rec))
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, events, key, "[1, 2]")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	log := f.do(t, http.MethodGet, projectPath+"/nodes/"+id+"/events", f.viewerKey, nil)
	require.Equal(t, http.StatusOK, log.Code)
	var rows []v1.NodeEvent
	decodeBody(t, log, &rows)
	assert.Len(t, rows, 3)
}

func TestNodeRuntimeConfig(t *testing.T) {
	f := newFixture(t, v1.ProjectSettings{})
	id, key := f.register(t, "edge-1", nil)

	rec := f.do(t, http.MethodPost, nodePath(id)+"/config", key, map[string]any{
		"config_kdl": testConfig,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Hash      string `json:"runtime_config_hash"`
		Size      int64  `json:"runtime_config_size"`
		UpdatedAt string `json:"runtime_config_updated_at"`
	}
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Hash, 64)
	assert.EqualValues(t, len(testConfig), resp.Size)
	assert.NotEmpty(t, resp.UpdatedAt)

	// The config text itself is never retained, only its fingerprint.
	show := f.do(t, http.MethodGet, projectPath+"/nodes/"+id, f.viewerKey, nil)
	require.Equal(t, http.StatusOK, show.Code)
	assert.NotContains(t, show.Body.String(), "payments")

	t.Run("missing config", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, nodePath(id)+"/config", key, map[string]any{})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_argument", errKind(t, rec))
	})
}
