// Package bus provides topic-based publish/subscribe fan-out of engine
// events to external consumers. Delivery is at-least-once per subscriber;
// slow subscribers never block producers.
package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Well-known topics.
const (
	TopicIndicatorNew       = "indicator.new"
	TopicCorrelationTrigger = "correlation.triggered"
	TopicHuntingAlert       = "hunting.alert"
	TopicFeedStatusChanged  = "feed.status_changed"
	TopicAlertStatusChanged = "alert.status_changed"
)

// Message is a published payload with its topic attached.
type Message struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Subscription is a single consumer's view of one topic.
type Subscription struct {
	topic   string
	ch      chan Message
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

// C returns the subscriber's receive channel.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Dropped returns how many messages were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans messages out to per-topic subscriber queues. Each subscriber has
// a bounded buffer with a drop-oldest overflow policy.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription
	queueSize int
	closed    bool
	logger    *zap.Logger
	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus with the given per-subscriber queue size.
func New(queueSize int, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:      make(map[string][]*Subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers a consumer for a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Message, b.queueSize),
		bus:   b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers a payload to every subscriber of the topic. If a
// subscriber's queue is full, the oldest queued message is dropped to make
// room; the publisher is never blocked.
func (b *Bus) Publish(topic string, payload any) {
	// The read lock is held across the sends so a concurrent Close cannot
	// close a channel mid-delivery. Sends never block: overflow evicts the
	// oldest queued message instead.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	msg := Message{Topic: topic, Payload: payload}
	b.published.Add(1)

	for _, sub := range b.subs[topic] {
		for {
			select {
			case sub.ch <- msg:
			default:
				// Queue full: evict the oldest and retry once.
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					b.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}

	if d := b.dropped.Load(); d > 0 && d%1000 == 0 {
		b.logger.Warn("bus dropping messages for slow subscribers",
			zap.String("topic", topic),
			zap.Int64("dropped_total", d),
		)
	}
}

// Stats reports bus-wide counters.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*Subscription)
}

func (b *Bus) unsubscribe(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
