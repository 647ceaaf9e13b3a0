// Package eventbus implements Aether's typed, synchronous in-process
// pub/sub bus. Every other kernel component routes its state transitions
// through it.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aether-kernel/aether/internal/observability"
)

// WildcardTopic is the reserved topic every emit (except on itself) also
// delivers to, wrapped as {topic, payload}.
const WildcardTopic = "*"

const maxSeenEventIDs = 1000

// Event is the wrapped payload delivered to wildcard subscribers.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Handler receives an emitted payload. Panics are recovered by the bus and
// logged; they never propagate to the emitter and never block sibling
// handlers on the same topic.
type Handler func(payload any)

// UnsubscribeFunc removes a previously registered subscription. Calling it
// more than once is a no-op.
type UnsubscribeFunc func()

// TimeoutError is returned by WaitFor when no matching event arrives
// before the deadline.
type TimeoutError struct {
	Topic   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("eventbus: wait for %q timed out after %s", e.Topic, e.Timeout)
}

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is the EventBus implementation.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string

	logger *observability.Logger
}

// New creates an empty Bus. A nil logger falls back to a default one.
func New(logger *observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		seen:   make(map[string]struct{}),
		logger: logger,
	}
}

// Subscribe registers handler on topic, invoked on every matching emit
// until unsubscribed.
func (b *Bus) Subscribe(topic string, handler Handler) UnsubscribeFunc {
	return b.add(topic, handler, false)
}

// SubscribeOnce registers handler on topic for exactly one delivery. The
// subscription is removed from the set before the handler runs, so a
// handler that re-enters Emit cannot observe itself twice.
func (b *Bus) SubscribeOnce(topic string, handler Handler) UnsubscribeFunc {
	return b.add(topic, handler, true)
}

func (b *Bus) add(topic string, handler Handler, once bool) UnsubscribeFunc {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, once: once}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var unsubscribed bool
	var unsubOnce sync.Once
	return func() {
		unsubOnce.Do(func() {
			unsubscribed = true
			_ = unsubscribed
			b.remove(topic, sub.id)
		})
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount reports how many handlers are currently registered on
// topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Off removes all subscribers. If topic is non-empty, only that topic's
// subscribers are cleared; otherwise the entire registry is cleared.
func (b *Bus) Off(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.subs = make(map[string][]*subscription)
		return
	}
	delete(b.subs, topic)
}

// Emit delivers payload to topic's subscribers in registration order, then
// (unless topic is the wildcard itself) to wildcard subscribers wrapped as
// Event{topic, payload}. If payload is a map carrying no "eventId" key, one
// is stamped in place; if payload already carries an eventId that has been
// seen before, Emit is a no-op. Handler panics are recovered and logged;
// one handler's failure never prevents sibling handlers from running.
func (b *Bus) Emit(topic string, payload any) {
	if b.dedupe(payload) {
		return
	}
	b.dispatch(topic, payload)
	if topic != WildcardTopic {
		b.dispatch(WildcardTopic, Event{Topic: topic, Payload: payload})
	}
}

// dedupe stamps a missing eventId on map payloads and reports whether this
// emit should be dropped as a duplicate.
func (b *Bus) dedupe(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	id, _ := m["eventId"].(string)
	if id == "" {
		id = fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
		m["eventId"] = id
	}

	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if _, dup := b.seen[id]; dup {
		return true
	}
	b.seen[id] = struct{}{}
	b.order = append(b.order, id)
	if len(b.order) > maxSeenEventIDs {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.seen, oldest)
	}
	return false
}

func (b *Bus) dispatch(topic string, payload any) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	var onceIDs []uint64
	for _, sub := range subs {
		if sub.once {
			onceIDs = append(onceIDs, sub.id)
		}
	}
	for _, id := range onceIDs {
		b.remove(topic, id)
	}

	for _, sub := range subs {
		b.invoke(topic, sub, payload)
	}
}

func (b *Bus) invoke(topic string, sub *subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), "eventbus: handler panicked",
				"topic", topic, "handler_id", sub.id, "panic", r)
		}
	}()
	sub.handler(payload)
}

// WaitFor resolves with the next payload emitted on topic, or a
// *TimeoutError if none arrives within timeout.
func (b *Bus) WaitFor(ctx context.Context, topic string, timeout time.Duration) (any, error) {
	result := make(chan any, 1)
	unsub := b.SubscribeOnce(topic, func(payload any) {
		select {
		case result <- payload:
		default:
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-result:
		return payload, nil
	case <-timer.C:
		return nil, &TimeoutError{Topic: topic, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
