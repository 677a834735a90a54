package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 5 * time.Second

// RedisSink publishes envelopes on Redis pub/sub, one channel per stream channel:
// <prefix>:<key>.
type RedisSink struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisSink publishes through an existing client. The caller keeps ownership.
func NewRedisSink(client goredis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "rendernet:events"
	}
	return &RedisSink{client: client, prefix: prefix}
}

// NewRedisSinkFromURL dials redisURL and verifies it with a ping.
func NewRedisSinkFromURL(ctx context.Context, redisURL, prefix string) (*RedisSink, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultRedisTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultRedisTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultRedisTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	sink := NewRedisSink(client, prefix)
	sink.owned = true
	return sink, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel an envelope is published on.
func (s *RedisSink) Channel(env Envelope) string {
	return s.prefix + ":" + env.Key()
}

func (s *RedisSink) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(env), payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Client exposes the underlying client for health checks.
func (s *RedisSink) Client() goredis.UniversalClient { return s.client }

func (s *RedisSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
