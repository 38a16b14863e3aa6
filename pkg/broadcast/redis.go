package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisOption configures a RedisBroadcaster.
type RedisOption func(*redisOptions)

type redisOptions struct {
	bufferSize int
	logger     *slog.Logger
}

// WithRedisBufferSize sets the default per-subscriber buffer size.
func WithRedisBufferSize(n int) RedisOption {
	return func(o *redisOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithRedisLogger sets the logger used for decode and transport errors.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(o *redisOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// RedisBroadcaster publishes messages through a Redis pub/sub channel so that
// subscribers in every process sharing the channel receive them.
// Messages published by this process are delivered locally only after the
// Redis round trip, so each subscriber sees each message exactly once.
type RedisBroadcaster[T any] struct {
	client  redis.UniversalClient
	channel string
	pubsub  *redis.PubSub
	local   *MemoryBroadcaster[T]
	logger  *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisBroadcaster subscribes to channel and starts relaying remote messages
// to local subscribers. It returns once the subscription is confirmed by Redis.
func NewRedisBroadcaster[T any](ctx context.Context, client redis.UniversalClient, channel string, opts ...RedisOption) (*RedisBroadcaster[T], error) {
	if client == nil {
		return nil, errors.New("broadcast: redis client is nil")
	}
	if channel == "" {
		return nil, errors.New("broadcast: redis channel is empty")
	}

	options := &redisOptions{
		bufferSize: 64,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, ErrPublishFailed{Topic: channel, Err: err}
	}

	b := &RedisBroadcaster[T]{
		client:  client,
		channel: channel,
		pubsub:  ps,
		local:   NewMemoryBroadcaster[T](options.bufferSize),
		logger:  options.logger,
	}

	b.wg.Add(1)
	go b.relay(ps.Channel())

	return b, nil
}

// Subscribe creates a local subscriber fed by the Redis channel.
func (b *RedisBroadcaster[T]) Subscribe(ctx context.Context, opts ...SubscribeOption[T]) Subscriber[T] {
	return b.local.Subscribe(ctx, opts...)
}

// Broadcast publishes msg to the Redis channel.
func (b *RedisBroadcaster[T]) Broadcast(ctx context.Context, msg Message[T]) error {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return ErrPublishFailed{Topic: msg.Topic, Err: err}
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return ErrPublishFailed{Topic: msg.Topic, Err: err}
	}
	return nil
}

// Close unsubscribes from Redis and closes all local subscribers.
// The Redis client itself is owned by the caller and left open.
func (b *RedisBroadcaster[T]) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		b.wg.Wait()
		_ = b.local.Close()
	})
	return err
}

func (b *RedisBroadcaster[T]) relay(ch <-chan *redis.Message) {
	defer b.wg.Done()

	for m := range ch {
		var msg Message[T]
		if err := sonic.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.logger.Warn("dropping undecodable broadcast message",
				slog.String("channel", m.Channel),
				slog.String("error", ErrDecodeFailed{Channel: m.Channel, Err: err}.Error()))
			continue
		}
		_ = b.local.Broadcast(context.Background(), msg)
	}
}
