//go:generate go run go.uber.org/mock/mockgen -source=broker.go -destination=../mocks/mock_publisher.go -package=mocks
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/observability"
)

// DefaultMailboxSize bounds the number of undelivered events per subscription.
const DefaultMailboxSize = 64

// ErrBrokerClosed is returned once the broker has been shut down.
var ErrBrokerClosed = errors.New("live broker closed")

// Handler consumes events delivered on a subscription.
type Handler func(Event)

// Publisher publishes events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, event Event) error
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	topic   Topic
	handler Handler
	mailbox chan Event
	done    chan struct{}
	once    sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

type topicState struct {
	// order serializes publishes so every subscriber sees the same sequence.
	order sync.Mutex
	subs  map[uint64]*Subscription
}

// Broker is an in-process, topic-addressed pub/sub bus. Delivery is
// best-effort and at-most-once: events are never persisted or replayed, and a
// subscriber whose mailbox is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	topics      map[Topic]*topicState
	taps        []Handler
	nextID      uint64
	closed      bool
	mailboxSize int
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewBroker creates a broker. mailboxSize <= 0 selects DefaultMailboxSize.
func NewBroker(mailboxSize int, logger *zap.Logger, metrics *observability.Metrics) *Broker {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		topics:      make(map[Topic]*topicState),
		mailboxSize: mailboxSize,
		logger:      logger,
		metrics:     metrics,
	}
}

// Publish stamps the event and enqueues it for every current subscriber of
// topic. It never waits on subscriber handlers.
func (b *Broker) Publish(ctx context.Context, topic Topic, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	state := b.topics[topic]
	taps := append([]Handler{}, b.taps...)
	b.mu.RUnlock()

	event.Topic = topic
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.metrics.RecordEvent(string(event.Kind), "published")

	for _, tap := range taps {
		b.safeInvoke(tap, event)
	}
	if state == nil {
		return nil
	}

	state.order.Lock()
	defer state.order.Unlock()

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(state.subs))
	for _, sub := range state.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.mailbox <- event:
		default:
			b.metrics.RecordEvent(string(event.Kind), "dropped")
			b.logger.Warn("live subscriber mailbox full, event dropped",
				zap.String("topic", string(topic)),
				zap.String("kind", string(event.Kind)),
				zap.Uint64("subscription", sub.id))
		}
	}
	return nil
}

// Subscribe registers handler for topic. Events published before the call
// are never delivered to it.
func (b *Broker) Subscribe(topic Topic, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("subscribe: nil handler")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   topic,
		handler: handler,
		mailbox: make(chan Event, b.mailboxSize),
		done:    make(chan struct{}),
	}
	state, ok := b.topics[topic]
	if !ok {
		state = &topicState{subs: make(map[uint64]*Subscription)}
		b.topics[topic] = state
	}
	state.subs[sub.id] = sub
	b.mu.Unlock()

	go b.drain(sub)
	return sub, nil
}

// Unsubscribe removes the subscription. It does not wait for an in-flight
// handler call and is safe to call from inside the handler itself.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if state, ok := b.topics[sub.topic]; ok {
		delete(state.subs, sub.id)
		if len(state.subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// Tap registers an observer that sees every published event on the
// publisher's goroutine. Taps must not block.
func (b *Broker) Tap(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, handler)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Broker) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if state, ok := b.topics[topic]; ok {
		return len(state.subs)
	}
	return 0
}

// Ping reports whether the broker still accepts publications.
func (b *Broker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

// Close stops every subscription; later calls to Publish and Subscribe fail.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	for _, state := range b.topics {
		for _, sub := range state.subs {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[Topic]*topicState)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Broker) drain(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.mailbox:
			select {
			case <-sub.done:
				return
			default:
			}
			b.safeInvoke(sub.handler, event)
		}
	}
}

func (b *Broker) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("live handler panic recovered",
				zap.Any("panic", r),
				zap.String("topic", string(event.Topic)),
				zap.String("kind", string(event.Kind)))
		}
	}()
	handler(event)
}
