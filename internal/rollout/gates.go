package rollout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// Prober performs one custom health check probe.
type Prober interface {
	Probe(ctx context.Context, ep *v1.ServiceEndpoint) error
}

// HTTPProber probes service endpoints with a circuit breaker per endpoint,
// so a dead check target stops costing the full probe timeout on every tick.
type HTTPProber struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client:   &http.Client{Timeout: durations.ProbeTimeout},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (p *HTTPProber) breaker(id string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	br, ok := p.breakers[id]
	if !ok {
		br = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "probe-" + id,
			MaxRequests: 2,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		})
		p.breakers[id] = br
	}
	return br
}

// Probe issues the endpoint's configured request and checks the status code.
func (p *HTTPProber) Probe(ctx context.Context, ep *v1.ServiceEndpoint) error {
	_, err := p.breaker(ep.ID).Execute(func() (any, error) {
		method := ep.Method
		if method == "" {
			method = http.MethodGet
		}
		timeout := durations.ProbeTimeout
		if ep.TimeoutSeconds > 0 {
			timeout = time.Duration(ep.TimeoutSeconds) * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, method, ep.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		expect := ep.ExpectStatus
		if expect == 0 {
			expect = http.StatusOK
		}
		if resp.StatusCode != expect {
			return nil, fmt.Errorf("endpoint %q returned %d, want %d", ep.Name, resp.StatusCode, expect)
		}
		return nil, nil
	})
	return err
}

// evaluateGates reports whether every configured health gate and custom
// check passes for the given nodes. The second return names the first
// failure for logs; it is empty on success.
func (s *Service) evaluateGates(ctx context.Context, r *v1.Rollout, nodes []*v1.Node) (bool, string, error) {
	if !r.Gates.Empty() {
		for _, n := range nodes {
			hb, err := s.store.LatestHeartbeat(ctx, n.ID)
			if err != nil {
				if err == store.ErrNotFound {
					return false, fmt.Sprintf("node %s has no heartbeat to verify", n.Name), nil
				}
				return false, "", err
			}
			if r.Gates.HeartbeatHealthy && !hb.Healthy() {
				return false, fmt.Sprintf("node %s reports health %q", n.Name, hb.Health[v1.HealthKeyStatus]), nil
			}
			if reason := metricCeilings(r.Gates, n, hb); reason != "" {
				return false, reason, nil
			}
		}
	}
	for _, id := range r.CustomHealthChecks {
		ep, err := s.store.GetService(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return false, fmt.Sprintf("health check endpoint %s no longer exists", id), nil
			}
			return false, "", err
		}
		if err := s.prober.Probe(ctx, ep); err != nil {
			return false, fmt.Sprintf("health check %q failed: %v", ep.Name, err), nil
		}
	}
	return true, "", nil
}

// metricCeilings checks the configured metric gates against one heartbeat.
// A metric the agent did not report passes; only a reported value above its
// ceiling fails.
func metricCeilings(g v1.HealthGates, n *v1.Node, hb *v1.Heartbeat) string {
	checks := []struct {
		limit *float64
		key   string
	}{
		{g.MaxErrorRate, v1.MetricErrorRate},
		{g.MaxLatencyMillis, v1.MetricLatencyP99},
		{g.MaxCPUPercent, v1.MetricCPUPercent},
		{g.MaxMemoryPercent, v1.MetricMemoryPercent},
	}
	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		if val, ok := hb.Metric(c.key); ok && val > *c.limit {
			return fmt.Sprintf("node %s %s %.4g exceeds limit %.4g", n.Name, c.key, val, *c.limit)
		}
	}
	return ""
}
