package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string

	// Password is the Redis password (optional).
	Password string

	// DB is the Redis database number (default 0).
	DB int

	// Channel is the Pub/Sub channel prefix (default "uploads:completed").
	// Notifications are published to "{channel}:{bucket}".
	Channel string

	// DialTimeout is the connection timeout (default 5s).
	DialTimeout time.Duration
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:        addr,
		Channel:     "uploads:completed",
		DialTimeout: 5 * time.Second,
	}
}

// Redis publishes notifications on Redis Pub/Sub.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "uploads:completed"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Str("channel", cfg.Channel).
		Msg("notify: redis publisher connected")

	return &Redis{client: client, channel: cfg.Channel}, nil
}

func (p *Redis) Name() string {
	return "redis"
}

// Channel returns the channel a notification for bucket is published on.
func (p *Redis) Channel(bucket string) string {
	if bucket == "" {
		return p.channel
	}
	return p.channel + ":" + bucket
}

func (p *Redis) Notify(ctx context.Context, n Notification) error {
	start := time.Now()
	body, err := n.encode()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	channel := p.Channel(n.Bucket)
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	DeliveryDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	logger.Debug().
		Str("channel", channel).
		Str("file_name", n.Filename).
		Msg("notify: published to redis")
	return nil
}

func (p *Redis) Close() error {
	return p.client.Close()
}
