package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sentinelproxy/sentinel-cp/internal/broadcast"
	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/store/bolt"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func testStore(t *testing.T) *bolt.Store {
	t.Helper()
	st, err := bolt.Open(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func deliverJob(t *testing.T, endpointID string, event v1.Event) *v1.Job {
	t.Helper()
	raw, err := json.Marshal(dispatcher.DeliverArgs{EndpointID: endpointID, Event: event})
	require.NoError(t, err)
	return &v1.Job{ID: "j1", Kind: dispatcher.KindDeliverWebhook, Args: raw}
}

func TestDeliverPostsSignedEnvelope(t *testing.T) {
	var gotBody []byte
	var gotSig, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("content-type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := testStore(t)
	ep := &v1.WebhookEndpoint{ID: "w1", ProjectID: "p1", URL: srv.URL, Secret: "hush", Active: true, CreatedAt: time.Now()}
	require.NoError(t, st.CreateWebhook(context.Background(), ep))

	event := v1.Event{ID: "e1", Event: v1.EventRolloutCompleted, ProjectID: "p1", CreatedAt: time.Now().UTC()}
	d := NewDeliverer(st, metrics.New(), logr.Discard(), time.Second)
	require.NoError(t, d.Deliver(context.Background(), deliverJob(t, "w1", event)))

	assert.Equal(t, "application/json", gotType)
	assert.True(t, VerifySignature("hush", gotSig, gotBody), "signature must cover the raw body")

	var delivered v1.Event
	require.NoError(t, json.Unmarshal(gotBody, &delivered))
	assert.Equal(t, v1.EventRolloutCompleted, delivered.Event)
}

func TestDeliverNon2xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := testStore(t)
	require.NoError(t, st.CreateWebhook(context.Background(), &v1.WebhookEndpoint{ID: "w1", ProjectID: "p1", URL: srv.URL, Active: true}))

	d := NewDeliverer(st, metrics.New(), logr.Discard(), time.Second)
	err := d.Deliver(context.Background(), deliverJob(t, "w1", v1.Event{ID: "e1", Event: v1.EventDriftDetected}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDeliverDropsMissingAndInactiveEndpoints(t *testing.T) {
	st := testStore(t)
	require.NoError(t, st.CreateWebhook(context.Background(), &v1.WebhookEndpoint{ID: "off", ProjectID: "p1", URL: "http://127.0.0.1:1", Active: false}))

	d := NewDeliverer(st, metrics.New(), logr.Discard(), time.Second)
	assert.NoError(t, d.Deliver(context.Background(), deliverJob(t, "gone", v1.Event{ID: "e1"})))
	assert.NoError(t, d.Deliver(context.Background(), deliverJob(t, "off", v1.Event{ID: "e2"})))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := testStore(t)
	require.NoError(t, st.CreateWebhook(context.Background(), &v1.WebhookEndpoint{ID: "w1", ProjectID: "p1", URL: srv.URL, Active: true}))

	d := NewDeliverer(st, metrics.New(), logr.Discard(), time.Second)
	job := deliverJob(t, "w1", v1.Event{ID: "e1", Event: v1.EventRolloutFailedName})
	for i := 0; i < 5; i++ {
		require.Error(t, d.Deliver(context.Background(), job))
	}
	assert.Equal(t, int32(3), hits.Load(), "breaker short-circuits after three consecutive failures")
}

type captureQueue struct {
	kinds []string
	args  []dispatcher.DeliverArgs
}

func (c *captureQueue) Enqueue(_ context.Context, kind string, args any, _ ...dispatcher.Option) error {
	c.kinds = append(c.kinds, kind)
	if da, ok := args.(dispatcher.DeliverArgs); ok {
		c.args = append(c.args, da)
	}
	return nil
}

func TestNotifierFansOutToMatchingEndpoints(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	require.NoError(t, st.CreateWebhook(ctx, &v1.WebhookEndpoint{ID: "all", ProjectID: "p1", URL: "http://a", Active: true}))
	require.NoError(t, st.CreateWebhook(ctx, &v1.WebhookEndpoint{ID: "drift-only", ProjectID: "p1", URL: "http://b", Active: true, Events: []string{v1.EventDriftDetected}}))
	require.NoError(t, st.CreateWebhook(ctx, &v1.WebhookEndpoint{ID: "inactive", ProjectID: "p1", URL: "http://c", Active: false}))

	queue := &captureQueue{}
	casts := broadcast.New()
	events, cancel := casts.Subscribe(broadcast.Topic(broadcast.TopicRollouts, "p1"), 4)
	defer cancel()

	clk := clocktesting.NewFakeClock(time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC))
	n := NewNotifier(st, queue, casts, clk, logr.Discard(), 5)
	n.Publish(ctx, v1.EventRolloutStarted, "p1", map[string]string{"rollout_id": "r1"})

	require.Len(t, queue.args, 1, "only the catch-all endpoint matches")
	assert.Equal(t, "all", queue.args[0].EndpointID)
	assert.Equal(t, v1.EventRolloutStarted, queue.args[0].Event.Event)

	select {
	case got := <-events:
		assert.Equal(t, v1.EventRolloutStarted, got.Event)
	default:
		t.Fatal("expected a broadcast on the rollouts topic")
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	body := []byte(`{"event":"drift.detected"}`)
	sig := Signature("secret", body)
	assert.True(t, VerifySignature("secret", sig, body))
	assert.False(t, VerifySignature("secret", sig, []byte(`{"event":"drift.resolved"}`)))
	assert.False(t, VerifySignature("other", sig, body))
}
