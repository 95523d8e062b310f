// Package webhook fans engine events out: every event goes to the in-process
// broadcaster for live subscribers and becomes one durable delivery job per
// matching webhook endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/broadcast"
	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

type Notifier struct {
	store       store.Endpoints
	queue       dispatcher.Enqueuer
	casts       *broadcast.Broadcaster
	clock       clock.PassiveClock
	log         logr.Logger
	maxAttempts int
}

func NewNotifier(st store.Endpoints, queue dispatcher.Enqueuer, casts *broadcast.Broadcaster, clk clock.PassiveClock, logger logr.Logger, maxAttempts int) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Notifier{
		store:       st,
		queue:       queue,
		casts:       casts,
		clock:       clk,
		log:         logger.WithName("notifier"),
		maxAttempts: maxAttempts,
	}
}

// Publish is best-effort: engines never fail an operation because an event
// could not be broadcast or queued. Failures are logged and dropped.
func (n *Notifier) Publish(ctx context.Context, event, projectID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		n.log.Error(err, "marshal event payload", "event", event)
		return
	}
	envelope := v1.Event{
		ID:        uuid.NewString(),
		Event:     event,
		ProjectID: projectID,
		Data:      raw,
		CreatedAt: n.clock.Now().UTC(),
	}

	n.casts.Publish(broadcast.Topic(topicFor(event), projectID), envelope)

	endpoints, err := n.store.ListWebhooks(ctx, projectID)
	if err != nil {
		n.log.Error(err, "list webhooks", "event", event, "project", projectID)
		return
	}
	for _, ep := range endpoints {
		if !ep.Active || !ep.Wants(event) {
			continue
		}
		err := n.queue.Enqueue(ctx, dispatcher.KindDeliverWebhook,
			dispatcher.DeliverArgs{EndpointID: ep.ID, Event: envelope},
			dispatcher.WithMaxAttempts(n.maxAttempts))
		if err != nil {
			n.log.Error(err, "enqueue delivery", "event", event, "endpoint", ep.ID)
		}
	}
}

// topicFor maps an event name like "rollout.started" onto its broadcast
// topic kind.
func topicFor(event string) string {
	switch strings.SplitN(event, ".", 2)[0] {
	case "bundle":
		return broadcast.TopicBundles
	case "drift":
		return broadcast.TopicDrift
	case "node":
		return broadcast.TopicNodes
	default:
		return broadcast.TopicRollouts
	}
}
