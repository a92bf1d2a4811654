package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/omnibrowser/jobstream/internal/logger"
)

// RedisBus publishes with PUBLISH and subscribes with PSUBSCRIBE. Redis keeps
// per-channel order, so events of one job arrive in the order they were sent.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and checks the connection with PING.
func NewRedisBus(ctx context.Context, opts RedisOptions, log *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &TransportError{Op: "connect", Channel: opts.Addr, Err: err}
	}
	return &RedisBus{client: client, log: logger.OrNop(log)}, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return &TransportError{Op: "publish", Channel: channel, Err: err}
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, &TransportError{Op: "subscribe", Channel: pattern, Err: err}
	}

	sub := &redisSub{ps: ps}
	go func() {
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			h(ctx, msg.Channel, ev)
		}
	}()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	once sync.Once
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
