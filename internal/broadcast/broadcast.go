// Package broadcast is the in-process pub/sub bus for live updates. The
// engines publish event envelopes onto project-scoped topics; in-process
// consumers (the web UI bridge) subscribe. Delivery is best-effort: a
// subscriber that stops draining loses events rather than blocking
// publishers.
package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"

	v1 "github.com/sentinelproxy/sentinel-cp/pkg/apis/sentinel/v1"
)

// Topic builds the canonical topic name for an entity kind and project.
func Topic(kind, projectID string) string {
	return fmt.Sprintf("%s/%s", kind, projectID)
}

// Topic kinds the engines publish on.
const (
	TopicRollouts = "rollouts"
	TopicDrift    = "drift"
	TopicBundles  = "bundles"
	TopicNodes    = "nodes"
)

type subscriber struct {
	topic string
	ch    chan v1.Event
}

// Broadcaster fans events out to topic subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
}

func New() *Broadcaster {
	return &Broadcaster{subs: map[int]*subscriber{}}
}

// Subscribe registers a buffered subscription on topic. The returned cancel
// releases the subscription and closes the channel; it is safe to call more
// than once.
func (b *Broadcaster) Subscribe(topic string, buffer int) (<-chan v1.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{topic: topic, ch: make(chan v1.Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers e to every subscriber of topic without blocking. Full
// subscriber buffers drop the event.
func (b *Broadcaster) Publish(topic string, e v1.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were lost to full subscriber buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
