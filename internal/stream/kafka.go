package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducerConfig contains configurable parameters for the Kafka producer.
type KafkaProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives the analytics envelopes.
	Topic string

	// MaxAttempts is how many times a produce retries on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaProducer wraps a segmentio/kafka-go Writer with produce-with-retries
// behavior for the streamer. Messages are keyed by record id so every record
// of one experiment or share chain lands on a stable partition.
type KafkaProducer struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Produce writes one message with retries and exponential backoff. It returns
// the timestamp the message carried once the writer acknowledged it.
func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) (time.Time, error) {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   key,
			Value: value,
			Time:  time.Now().UTC(),
		}

		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()

		if err == nil {
			return msg.Time, nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return time.Time{}, fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer and releases resources.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
