package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// SignatureHeader carries the HMAC of the request body so receivers can
// authenticate the sender.
const SignatureHeader = "x-hub-signature-256"

// Deliverer posts event envelopes to webhook endpoints. One circuit breaker
// per endpoint keeps a dead receiver from burning delivery attempts.
type Deliverer struct {
	store   store.Endpoints
	client  *http.Client
	metrics *metrics.Metrics
	log     logr.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDeliverer(st store.Endpoints, m *metrics.Metrics, logger logr.Logger, timeout time.Duration) *Deliverer {
	if timeout <= 0 {
		timeout = durations.WebhookTimeout
	}
	return &Deliverer{
		store:    st,
		client:   &http.Client{Timeout: timeout},
		metrics:  m,
		log:      logger.WithName("webhook"),
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Deliver handles one deliver_webhook job. Endpoints deleted or deactivated
// since the event was queued drop the delivery without error.
func (d *Deliverer) Deliver(ctx context.Context, job *v1.Job) error {
	args, err := dispatcher.Args[dispatcher.DeliverArgs](job)
	if err != nil {
		return err
	}

	ep, err := d.store.GetWebhook(ctx, args.EndpointID)
	if errors.Is(err, store.ErrNotFound) {
		d.metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if !ep.Active {
		d.metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		return nil
	}

	body, err := json.Marshal(args.Event)
	if err != nil {
		return err
	}

	_, err = d.breaker(ep).Execute(func() (any, error) {
		return nil, d.post(ctx, ep, body)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.WebhookDeliveries.WithLabelValues("breaker_open").Inc()
		return err
	case err != nil:
		d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return err
	}
	d.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	return nil
}

func (d *Deliverer) post(ctx context.Context, ep *v1.WebhookEndpoint, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(SignatureHeader, Signature(ep.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint %s returned %d", ep.ID, resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) breaker(ep *v1.WebhookEndpoint) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[ep.ID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.ID,
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Info("breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[ep.ID] = cb
	return cb
}

// Signature computes the hex HMAC-SHA256 header value for a request body.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received header value against the body. Exported
// for receiver implementations and tests.
func VerifySignature(secret, header string, body []byte) bool {
	return hmac.Equal([]byte(Signature(secret, body)), []byte(header))
}
