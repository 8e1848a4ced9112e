// ABOUTME: Abstract publish/subscribe primitive plus the in-process implementation
// ABOUTME: Each subscriber drains its own queue so a slow handler never delays the others

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// defaultBufferSize is the per-subscriber queue length.
	defaultBufferSize = 64
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Handler receives raw payloads published to a topic.
type Handler func(payload []byte)

// Handle identifies one subscription on a Transport.
type Handle struct {
	Topic string
	ID    string
}

// Transport is the push primitive underneath Fanout: topic name in, byte
// payload out. Delivery is at-most-once.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) (Handle, error)
	// Unsubscribe stops delivery to h before it returns. It must not be
	// called from inside h's own handler.
	Unsubscribe(h Handle)
	Close() error
}

// subscriber owns a queue and the goroutine that drains it into handler.
type subscriber struct {
	handle  Handle
	queue   chan []byte
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex // held while handler runs
	stopped bool
	done    chan struct{}
}

func (s *subscriber) run() {
	for {
		select {
		case payload := <-s.queue:
			s.deliver(payload)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber handler panicked",
				"topic", s.handle.Topic,
				"sub_id", s.handle.ID,
				"panic", r)
		}
	}()
	s.handler(payload)
}

// stop waits for an in-flight handler call, then guarantees no further ones.
func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

// LocalTransport is an in-memory Transport for a single process.
type LocalTransport struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // topic -> subID -> subscriber
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport creates an in-process transport. bufferSize <= 0 uses the
// default; pass nil logger for default.
func NewLocalTransport(bufferSize int, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &LocalTransport{
		subscribers: make(map[string]map[string]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "transport"),
	}
}

// Subscribe registers handler for topic and starts its delivery goroutine.
func (t *LocalTransport) Subscribe(topic string, handler Handler) (Handle, error) {
	h, _, err := t.subscribe(topic, handler)
	return h, err
}

// subscribe also reports whether this is the topic's first subscriber.
func (t *LocalTransport) subscribe(topic string, handler Handler) (Handle, bool, error) {
	sub := &subscriber{
		handle:  Handle{Topic: topic, ID: uuid.New().String()},
		queue:   make(chan []byte, t.bufferSize),
		handler: handler,
		logger:  t.logger,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Handle{}, false, ErrClosed
	}
	subs, ok := t.subscribers[topic]
	if !ok {
		subs = make(map[string]*subscriber)
		t.subscribers[topic] = subs
	}
	subs[sub.handle.ID] = sub
	first := len(subs) == 1
	t.mu.Unlock()

	go sub.run()

	t.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.handle.ID)
	return sub.handle, first, nil
}

// Publish queues payload for every subscriber of topic.
// Non-blocking: payloads are dropped for subscribers whose queues are full.
func (t *LocalTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	subs := t.subscribers[topic]
	// Copy targets under read lock to avoid holding lock during sends
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	t.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- payload:
		default:
			// Subscriber queue full: drop for this subscriber only
			t.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"sub_id", sub.handle.ID)
		}
	}
	return nil
}

// Unsubscribe removes the subscription and waits for any in-flight delivery.
func (t *LocalTransport) Unsubscribe(h Handle) {
	t.unsubscribe(h)
}

// unsubscribe also reports whether the topic has no subscribers left.
func (t *LocalTransport) unsubscribe(h Handle) bool {
	t.mu.Lock()
	subs, ok := t.subscribers[h.Topic]
	if !ok {
		t.mu.Unlock()
		return false
	}
	sub, exists := subs[h.ID]
	if !exists {
		t.mu.Unlock()
		return false
	}
	delete(subs, h.ID)
	last := len(subs) == 0
	if last {
		// Clean up empty topic entries
		delete(t.subscribers, h.Topic)
	}
	t.mu.Unlock()

	sub.stop()

	t.logger.Debug("subscriber removed", "topic", h.Topic, "sub_id", h.ID)
	return last
}

// subscriberCount returns how many subscriptions topic has.
func (t *LocalTransport) subscriberCount(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers[topic])
}

// Close stops every subscription. Further calls fail with ErrClosed.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*subscriber
	for topic, subs := range t.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(t.subscribers, topic)
	}
	t.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}

	t.logger.Debug("transport closed")
	return nil
}
