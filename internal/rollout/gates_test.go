package rollout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

func TestHTTPProberChecksStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber()
	ep := &v1.ServiceEndpoint{ID: "ep1", Name: "checkout", URL: srv.URL}

	err := p.Probe(context.Background(), ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500, want 200")

	status.Store(http.StatusOK)
	assert.NoError(t, p.Probe(context.Background(), ep))
}

func TestHTTPProberHonorsExpectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProber()
	ep := &v1.ServiceEndpoint{ID: "ep2", Name: "sync", URL: srv.URL, ExpectStatus: http.StatusNoContent}
	assert.NoError(t, p.Probe(context.Background(), ep))
}

func TestHTTPProberBreakerOpensOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProber()
	ep := &v1.ServiceEndpoint{ID: "ep3", Name: "flaky", URL: srv.URL}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := p.Probe(ctx, ep)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned 502", "probe %d still hits the endpoint", i)
	}

	err := p.Probe(ctx, ep)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState,
		"after three consecutive failures the breaker answers without a request")
}

func TestMetricCeilings(t *testing.T) {
	node := &v1.Node{Name: "edge-1"}
	limit := func(v float64) *float64 { return &v }
	hb := func(metrics map[string]float64) *v1.Heartbeat {
		return &v1.Heartbeat{Metrics: metrics}
	}

	cases := []struct {
		name  string
		gates v1.HealthGates
		hb    *v1.Heartbeat
		want  string // substring of the failure, empty for pass
	}{
		{
			"no ceilings configured",
			v1.HealthGates{},
			hb(map[string]float64{v1.MetricErrorRate: 0.9}),
			"",
		},
		{
			"under the ceiling",
			v1.HealthGates{MaxErrorRate: limit(0.05)},
			hb(map[string]float64{v1.MetricErrorRate: 0.01}),
			"",
		},
		{
			"at the ceiling passes",
			v1.HealthGates{MaxErrorRate: limit(0.05)},
			hb(map[string]float64{v1.MetricErrorRate: 0.05}),
			"",
		},
		{
			"over the ceiling",
			v1.HealthGates{MaxErrorRate: limit(0.05)},
			hb(map[string]float64{v1.MetricErrorRate: 0.2}),
			v1.MetricErrorRate,
		},
		{
			"unreported metric passes",
			v1.HealthGates{MaxLatencyMillis: limit(250)},
			hb(nil),
			"",
		},
		{
			"latency over",
			v1.HealthGates{MaxLatencyMillis: limit(250)},
			hb(map[string]float64{v1.MetricLatencyP99: 900}),
			v1.MetricLatencyP99,
		},
		{
			"cpu over",
			v1.HealthGates{MaxCPUPercent: limit(80)},
			hb(map[string]float64{v1.MetricCPUPercent: 95}),
			v1.MetricCPUPercent,
		},
		{
			"memory over",
			v1.HealthGates{MaxMemoryPercent: limit(90)},
			hb(map[string]float64{v1.MetricMemoryPercent: 97.5}),
			v1.MetricMemoryPercent,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := metricCeilings(tc.gates, node, tc.hb)
			if tc.want == "" {
				assert.Empty(t, got)
			} else {
				assert.Contains(t, got, tc.want)
			}
		})
	}
}
