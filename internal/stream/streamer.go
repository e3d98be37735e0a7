package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Producer is the small subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (time.Time, error)
	Close() error
}

// StreamerConfig configures the outbox drain loop.
type StreamerConfig struct {
	// How many envelopes to claim per poll.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed envelopes.
	MaxConcurrency int
}

// Streamer drains pending analytics_outbox rows: each claimed envelope is
// produced to Kafka, archived to S3 when an archiver is configured, and
// marked success or failure so the database stays the source of truth for
// retries.
type Streamer struct {
	queue    Queue
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. The archiver may be nil; Kafka delivery
// alone then marks the row streamed.
func NewStreamer(queue Queue, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		queue:    queue,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls for pending envelopes until ctx is cancelled. Safe to run in a
// goroutine; claimed batches are processed with bounded concurrency.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[stream] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[stream] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		envelopes, err := s.queue.FetchPending(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[stream] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(envelopes) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, env := range envelopes {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(env Envelope) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEnvelope(ctx, env); err != nil {
					log.Printf("[stream] envelope %s: %v", env.ID, err)
				}
			}(env)
		}
		s.wg.Wait()
	}
}

// processEnvelope performs the produce -> archive sequence for one envelope
// and records the outcome via MarkResult.
func (s *Streamer) processEnvelope(parentCtx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	body, err := env.CanonicalBytes()
	if err != nil {
		_ = s.queue.MarkResult(parentCtx, env.ID, "", false, fmt.Sprintf("canonicalize: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	producedAt, err := s.producer.Produce(ctx, []byte(env.ID), body)
	if err != nil {
		_ = s.queue.MarkResult(parentCtx, env.ID, "", false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var archivedKey string
	if s.archiver != nil {
		archivedKey, err = s.archiver.Archive(ctx, env)
		if err != nil {
			_ = s.queue.MarkResult(parentCtx, env.ID, "", false, fmt.Sprintf("s3 archive: %v", err))
			return fmt.Errorf("s3 archive: %w", err)
		}
	}

	if err := s.queue.MarkResult(parentCtx, env.ID, archivedKey, true, ""); err != nil {
		return fmt.Errorf("mark streamed: %w", err)
	}

	log.Printf("[stream] envelope %s delivered: produced_at=%s archived_key=%q",
		env.ID, producedAt.Format(time.RFC3339Nano), archivedKey)
	return nil
}
