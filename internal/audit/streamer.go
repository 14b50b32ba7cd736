package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitegov/governor/internal/models"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	ProduceJSON(ctx context.Context, key []byte, v interface{}) error
	Close() error
}

// ActionSource is the store surface the streamer drains. *store.PGStore
// implements it; tests substitute fakes.
type ActionSource interface {
	ClaimPendingActions(ctx context.Context, batch int) ([]models.ProposalAction, error)
	MarkActionStreamed(ctx context.Context, id uuid.UUID) error
	MarkActionStreamFailed(ctx context.Context, id uuid.UUID) error
}

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

// Streamer is the durable DB-first pipeline: it claims pending proposal
// actions, produces each envelope to Kafka, archives the JSON to S3, and marks
// the row streamed or failed so retries are driven from the database.
type Streamer struct {
	source   ActionSource
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

func NewStreamer(source ActionSource, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
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
		source:   source,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, polling for pending actions and
// processing claimed batches with bounded concurrency.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		actions, err := s.source.ClaimPendingActions(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] claim pending actions: %v", err)
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}
		if len(actions) == 0 {
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}

		for _, action := range actions {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(action models.ProposalAction) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processAction(ctx, action); err != nil {
					log.Printf("[audit.streamer] process action %s: %v", action.ID, err)
				}
			}(action)
		}
		s.wg.Wait()
	}
}

// processAction performs produce -> archive -> mark for a single action. The
// DB mark uses the parent context so a per-action timeout does not lose the
// bookkeeping write.
func (s *Streamer) processAction(parentCtx context.Context, action models.ProposalAction) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	envelope := actionEnvelope(action)

	if err := s.producer.ProduceJSON(ctx, []byte(action.ProposalID.String()), envelope); err != nil {
		_ = s.source.MarkActionStreamFailed(parentCtx, action.ID)
		return err
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveAction(ctx, action); err != nil {
			_ = s.source.MarkActionStreamFailed(parentCtx, action.ID)
			return err
		}
	}
	return s.source.MarkActionStreamed(parentCtx, action.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
