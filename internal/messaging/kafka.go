package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for Kafka connection
type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks    int           `mapstructure:"required_acks"`
	Compression     string        `mapstructure:"compression"`
	RetryMax        int           `mapstructure:"retry_max"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	// Async writes return immediately; failures are only logged.
	Async  bool   `mapstructure:"async"`
	Source string `mapstructure:"source"`
}

// DefaultKafkaConfig returns the default producer configuration
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		WriteTimeout:    time.Second,
		BatchSize:       100,
		BatchTimeout:    10 * time.Millisecond,
		RequiredAcks:    1, // leader acknowledgment only
		Compression:     "snappy",
		RetryMax:        3,
		MaxMessageBytes: 1048576, // 1MB
		Async:           true,
		Source:          "sigswap",
	}
}

// Producer interface defines message publishing operations
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	Close() error
}

// Writer is the part of kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer with one writer per topic
type KafkaProducer struct {
	config    *KafkaConfig
	writers   map[Topic]Writer
	newWriter func(Topic) Writer
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewKafkaProducer creates a new Kafka producer
func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) *KafkaProducer {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	p := &KafkaProducer{
		config:  config,
		writers: make(map[Topic]Writer),
		logger:  logger,
	}
	p.newWriter = p.kafkaWriter
	return p
}

// NewProducerWithWriters creates a producer whose writers come from
// newWriter instead of a broker connection.
func NewProducerWithWriters(config *KafkaConfig, newWriter func(Topic) Writer, logger *zap.Logger) *KafkaProducer {
	p := NewKafkaProducer(config, logger)
	p.newWriter = newWriter
	return p
}

func (p *KafkaProducer) kafkaWriter(topic Topic) Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.Hash{}, // same user, same partition
		BatchSize:    p.config.BatchSize,
		BatchTimeout: p.config.BatchTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.RetryMax,
		BatchBytes:   int64(p.config.MaxMessageBytes),
		Async:        p.config.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.EventPublishErrors.WithLabelValues("kafka").Add(float64(len(messages)))
				p.logger.Error("Failed to publish messages", zap.Error(err), zap.String("topic", string(topic)), zap.Int("count", len(messages)))
			}
		},
	}

	switch p.config.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}
	return w
}

// getWriter returns or creates a writer for the specified topic
func (p *KafkaProducer) getWriter(topic Topic) Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()

	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check pattern
	if writer, exists := p.writers[topic]; exists {
		return writer
	}
	writer = p.newWriter(topic)
	p.writers[topic] = writer
	return writer
}

// Publish publishes a single message to the specified topic
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}
	return p.getWriter(topic).WriteMessages(ctx, kafkaMsg)
}

func (p *KafkaProducer) Name() string { return "kafka" }

// Close closes the producer and all its writers
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("Failed to close writer", zap.String("topic", string(topic)), zap.Error(err))
		}
	}
	return lastErr
}

// EventPublisher is an events.Sink that forwards core events to Kafka.
type EventPublisher struct {
	producer Producer
	source   string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewEventPublisher wraps a producer. Each publish is bounded by timeout.
func NewEventPublisher(producer Producer, source string, timeout time.Duration, logger *zap.Logger) *EventPublisher {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &EventPublisher{producer: producer, source: source, timeout: timeout, logger: logger}
}

func (p *EventPublisher) Publish(e events.Event) {
	msg, topic, key, ok := FromEvent(e, p.source)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.producer.Publish(ctx, topic, key, msg); err != nil {
		metrics.EventPublishErrors.WithLabelValues(sinkName(p.producer)).Inc()
		p.logger.Error("Failed to publish event",
			zap.String("event", string(e.Kind)),
			zap.String("topic", string(topic)),
			zap.Uint64s("order_ids", e.OrderIDs()),
			zap.Error(err))
		return
	}
	p.logger.Debug("Published event", zap.String("event", string(e.Kind)), zap.String("topic", string(topic)))
}

func sinkName(p Producer) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "producer"
}

var _ events.Sink = (*EventPublisher)(nil)
