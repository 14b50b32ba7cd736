// Package audit streams the append-only proposal-action log to Kafka and
// archives each action to object storage. The pipeline is DB-first: actions
// are written by the governance core with stream_status pending, and the
// streamer drains them so the database stays the source of truth for retries.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic proposal-action envelopes are written to.
	Topic string

	// MaxAttempts is how many times a produce is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaProducer wraps a kafka-go Writer with retry behavior. Messages are
// keyed by proposal id so all actions of one proposal land on one partition,
// preserving per-proposal ordering downstream.
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

// Produce writes one message, retrying with capped exponential backoff.
func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) error {
	var lastErr error
	wait := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   key,
			Value: value,
			Time:  time.Now().UTC(),
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		time.Sleep(wait)
		if wait < 2*time.Second {
			wait *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// ProduceJSON marshals v into compact JSON and produces it as the value.
func (p *KafkaProducer) ProduceJSON(ctx context.Context, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return p.Produce(ctx, key, b)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
