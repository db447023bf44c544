// Package bus implements the in-process, topic-keyed publish/subscribe
// fan-out described in SPEC_FULL.md §4.3: single-process, cooperative,
// handlers run sequentially per event so per-subscriber ordering stays
// well-defined, and shutdown waits for in-flight publishes to drain.
package bus

import (
	"log"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is one message flowing through the bus.
type Event struct {
	Topic     string
	Payload   interface{}
}

// Handler processes one event. It must be non-blocking or bounded in time;
// a slow handler backpressures the publisher since handlers run inline.
type Handler func(Event)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is a synchronous, in-process publish/subscribe fan-out.
type Bus struct {
	mu            sync.RWMutex
	subscriptions []*subscription
	nextID        uint64

	// drain tracks in-flight publishes so Close can wait for them.
	drainWG sync.WaitGroup

	published *prometheus.CounterVec
	delivered *prometheus.CounterVec
}

// New creates an empty Bus. reg may be nil to skip metrics registration
// (e.g. in tests that construct multiple buses).
func New(reg prometheus.Registerer) *Bus {
	b := &Bus{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whaleradar_bus_published_total",
			Help: "Number of events published to the bus, by topic.",
		}, []string{"topic"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whaleradar_bus_delivered_total",
			Help: "Number of handler deliveries, by topic.",
		}, []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(b.published, b.delivered)
	}
	return b
}

// Subscribe registers handler for topics matching pattern. "*" matches any
// topic; a pattern ending in ".*" (e.g. "signal.*") matches any topic
// starting with the part before the "*"; any other pattern must match
// the topic exactly. Returns a
// subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscriptions = append(b.subscriptions, &subscription{id: id, pattern: pattern, handler: handler})
	return id
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscriptions {
		if sub.id == id {
			b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

func matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Publish delivers event to every subscriber whose pattern matches its
// topic. Handlers run sequentially, in subscription-registration order;
// a handler that panics is recovered and logged so one bad subscriber
// cannot crash the publisher or block the rest.
func (b *Bus) Publish(event Event) {
	b.drainWG.Add(1)
	defer b.drainWG.Done()

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matches(sub.pattern, event.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.published.WithLabelValues(event.Topic).Inc()

	for _, sub := range matched {
		b.runHandler(sub, event)
		b.delivered.WithLabelValues(event.Topic).Inc()
	}
}

// PublishBulk delivers each event in order with the same semantics as
// Publish. It is a batching convenience, not a different guarantee.
func (b *Bus) PublishBulk(events []Event) {
	for _, e := range events {
		b.Publish(e)
	}
}

// runHandler guards a single handler invocation: no exception may cross
// the bus boundary unhandled (spec §7).
func (b *Bus) runHandler(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ bus: handler for pattern %q panicked on topic %q: %v", sub.pattern, event.Topic, r)
		}
	}()
	sub.handler(event)
}

// Close waits for in-flight publishes to drain. It does not prevent new
// publishes; callers must stop publishing before calling Close.
func (b *Bus) Close() {
	b.drainWG.Wait()
}
