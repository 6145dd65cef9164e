package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds the pub/sub connection settings.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// DefaultRedisConfig returns the default pub/sub configuration
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:          "localhost:6379",
		ChannelPrefix: "sigswap:",
		DialTimeout:   5 * time.Second,
		WriteTimeout:  time.Second,
	}
}

// Publisher is the part of the redis client used for pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisProducer fans messages out over redis pub/sub. Channels are the
// topic names behind a prefix; the key is carried inside the payload.
type RedisProducer struct {
	client Publisher
	prefix string
	logger *zap.Logger
}

type redisEnvelope struct {
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// NewRedisProducer connects a producer to the configured server.
func NewRedisProducer(cfg *RedisConfig, logger *zap.Logger) *RedisProducer {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewRedisProducerWithClient(client, cfg.ChannelPrefix, logger)
}

// NewRedisProducerWithClient wraps an existing client.
func NewRedisProducerWithClient(client Publisher, prefix string, logger *zap.Logger) *RedisProducer {
	return &RedisProducer{client: client, prefix: prefix, logger: logger}
}

// Channel returns the pub/sub channel for a topic.
func (p *RedisProducer) Channel(topic Topic) string {
	return p.prefix + string(topic)
}

func (p *RedisProducer) Name() string { return "redis" }

// Publish sends one message; it returns the redis error, if any.
func (p *RedisProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(redisEnvelope{Key: key, Payload: message})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.Channel(topic), err)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}

var _ Producer = (*RedisProducer)(nil)
