// ABOUTME: Redis Pub/Sub Transport for running several relay instances behind one load balancer
// ABOUTME: One SUBSCRIBE per topic with local subscribers; payloads fan out through a LocalTransport

package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisTransport.
type RedisOptions struct {
	// Prefix namespaces channels, e.g. "relay:".
	Prefix     string
	BufferSize int
	Logger     *slog.Logger
}

// RedisTransport publishes through Redis so that every instance holding a
// subscriber for the topic delivers it. Local delivery happens only for
// payloads received back from Redis, so a publisher's own instance sees each
// event exactly once.
type RedisTransport struct {
	client *redis.Client
	prefix string
	local  *LocalTransport
	logger *slog.Logger

	mu     sync.Mutex // serializes SUBSCRIBE/UNSUBSCRIBE bookkeeping
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport wraps an already connected client.
func NewRedisTransport(client *redis.Client, opts RedisOptions) *RedisTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisTransport{
		client: client,
		prefix: opts.Prefix,
		local:  NewLocalTransport(opts.BufferSize, logger),
		logger: logger.With("component", "redis-transport"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// NewRedisClient creates a client and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (t *RedisTransport) channel(topic string) string {
	return t.prefix + topic
}

// Publish sends payload to every instance subscribed to topic.
func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.client.Publish(ctx, t.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler locally and, for the topic's first local
// subscriber, subscribes this instance to the Redis channel.
func (t *RedisTransport) Subscribe(topic string, handler Handler) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, first, err := t.local.subscribe(topic, handler)
	if err != nil {
		return Handle{}, err
	}
	if !first {
		return h, nil
	}

	if err := t.subscribeChannel(topic); err != nil {
		t.local.unsubscribe(h)
		return Handle{}, err
	}
	return h, nil
}

// subscribeChannel must be called with t.mu held.
func (t *RedisTransport) subscribeChannel(topic string) error {
	if t.pubsub == nil {
		t.pubsub = t.client.Subscribe(t.ctx, t.channel(topic))
		// Wait for the subscription confirmation so no publish is missed
		if _, err := t.pubsub.Receive(t.ctx); err != nil {
			_ = t.pubsub.Close()
			t.pubsub = nil
			return fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
		go t.receive(t.pubsub)
		return nil
	}
	if err := t.pubsub.Subscribe(t.ctx, t.channel(topic)); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	return nil
}

// receive relays Redis messages to local subscribers until the PubSub closes.
func (t *RedisTransport) receive(ps *redis.PubSub) {
	defer close(t.done)
	for msg := range ps.Channel() {
		topic := strings.TrimPrefix(msg.Channel, t.prefix)
		if err := t.local.Publish(t.ctx, topic, []byte(msg.Payload)); err != nil {
			t.logger.Debug("dropping redis message after close", "topic", topic)
		}
	}
}

// Unsubscribe stops local delivery before returning and releases the Redis
// channel once the topic has no local subscribers.
func (t *RedisTransport) Unsubscribe(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.local.unsubscribe(h) || t.pubsub == nil {
		return
	}
	if err := t.pubsub.Unsubscribe(t.ctx, t.channel(h.Topic)); err != nil {
		t.logger.Warn("redis unsubscribe failed", "topic", h.Topic, "error", err)
	}
}

// Close tears down the Redis subscription and all local subscribers. The
// client itself belongs to the caller.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	ps := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()

	t.cancel()
	var err error
	if ps != nil {
		err = ps.Close()
		<-t.done
	}
	if lerr := t.local.Close(); err == nil {
		err = lerr
	}
	return err
}
