package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"companiongw/pkg/apperror"
)

// Handler processes one delivered message. Delivery to a given subscriber
// is strictly FIFO (spec §5); handlers for distinct subscribers may run
// concurrently.
type Handler func(ctx context.Context, msg Message)

// Message is one published event.
type Message struct {
	Topic         string
	Payload       []byte
	CorrelationID string
}

// PersistenceHook is invoked for every published message so the broker can
// be wired to an append-only event log. Failures are logged, never
// propagated back to the publisher (spec §4.8).
type PersistenceHook func(ctx context.Context, msg Message) error

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	queue   chan Message
	done    chan struct{}
}

// Broker is the embedded publish/subscribe broker described in spec §4.8.
// It owns no network listener; adapters and plugins talk to it in-process
// through Client.
type Broker struct {
	mu          sync.RWMutex
	subs        map[uint64]*subscription
	nextID      uint64
	persistence PersistenceHook
	logger      *slog.Logger

	closed atomic.Bool
}

// New creates an empty broker. Attach a PersistenceHook with
// SetPersistenceHook before Publish is first called if event persistence
// is required.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[uint64]*subscription), logger: logger}
}

// SetPersistenceHook attaches the hook used to append published messages to
// durable storage.
func (b *Broker) SetPersistenceHook(hook PersistenceHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persistence = hook
}

// Subscribe registers handler for every topic matching pattern (spec §4.8:
// "hierarchical wildcards: segment.*, segment.**"). It returns an
// unsubscribe function.
func (b *Broker) Subscribe(pattern string, handler Handler) (unsubscribe func(), err error) {
	if pattern == "" {
		return nil, apperror.New(apperror.CodeInvalidArgument, "subscription pattern must not be empty")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
		queue:   make(chan Message, 256),
		done:    make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go b.deliverLoop(sub)

	return func() { b.unsubscribe(id) }, nil
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// deliverLoop drains one subscriber's queue strictly in publish order,
// giving each subscriber its own FIFO (spec §5 "per-subscriber FIFO bus
// delivery").
func (b *Broker) deliverLoop(sub *subscription) {
	defer close(sub.done)
	for msg := range sub.queue {
		sub.handler(context.Background(), msg)
	}
}

// Publish delivers payload to every subscriber whose pattern matches topic
// and, if a persistence hook is set, appends the message to durable
// storage. Persistence failures are logged and never cause Publish to
// fail (spec §4.8).
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, correlationID string) error {
	if b.closed.Load() {
		return apperror.New(apperror.CodeUnavailable, "bus is shut down")
	}

	msg := Message{Topic: topic, Payload: payload, CorrelationID: correlationID}

	b.mu.RLock()
	hook := b.persistence
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchTopic(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if hook != nil {
		if err := hook(ctx, msg); err != nil {
			b.logger.Error("bus persistence hook failed", "topic", topic, "error", err)
		}
	}

	for _, sub := range matched {
		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn("subscriber queue full, dropping message", "topic", topic, "subscription_pattern", sub.pattern)
		}
	}

	return nil
}

// Close unsubscribes every subscriber and waits for their delivery loops to
// drain, used during gateway shutdown.
func (b *Broker) Close() {
	b.closed.Store(true)

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// SubscriberCount reports the number of live subscriptions, exposed for
// metrics (pkg/metrics BusSubscribersActive).
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
