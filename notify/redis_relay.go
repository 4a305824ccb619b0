package notify

import (
	"context"
	"fmt"
	"time"

	"hostaudit/core"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelayConfig configures the Redis relay.
type RedisRelayConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	PoolSize int
}

// RedisRelay publishes each notification to a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(cfg RedisRelayConfig, logger *zap.SugaredLogger) (*RedisRelay, error) {
	if cfg.Channel == "" {
		cfg.Channel = "hostaudit:detections"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Infow("Redis relay connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return &RedisRelay{client: client, channel: cfg.Channel, logger: logger}, nil
}

// Name implements Relay.
func (r *RedisRelay) Name() string { return "redis" }

// Send implements Relay.
func (r *RedisRelay) Send(ctx context.Context, n core.Notification, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", r.channel, err)
	}
	return nil
}

// Close implements Relay.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
