// Package relay moves committed envelopes from the event log to the
// configured publisher backend and fans them out to in-process hooks
// (webhook dispatch, consumer feed). Publishing is best effort with
// bounded retries; an envelope that exhausts its attempts is parked in
// the log for manual replay and is never lost.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/backoff"
	"github.com/harborpay/eventflow/internal/event"
)

// EventLog defines what the relay needs from the event log.
type EventLog interface {
	FetchUnpublished(ctx context.Context, limit int32) ([]event.Envelope, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkAbandoned(ctx context.Context, id uuid.UUID, attempts int) error
}

// Publisher is the backend publish contract.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

// Hook observes envelopes after the backend accepted them. Hook
// failures are local concerns and never affect the publish outcome.
type Hook interface {
	EnvelopePublished(ctx context.Context, env *event.Envelope)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int32
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxAttempts:  5,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Worker polls the event log for unpublished envelopes in commit order
// and pushes them through the publisher. All publishing happens on the
// single run loop: notifications and fallback sweeps wake the loop
// instead of publishing from their own goroutines, so one retrying
// envelope can never be overtaken by a later one from the same
// aggregate.
type Worker struct {
	eventlog  EventLog
	publisher Publisher
	hooks     []Hook
	config    Config

	wakeCh chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(eventlog EventLog, publisher Publisher, cfg Config, hooks ...Hook) *Worker {
	return &Worker{
		eventlog:  eventlog,
		publisher: publisher,
		hooks:     hooks,
		config:    cfg,
		wakeCh:    make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("relay worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", int(w.config.BatchSize)).
		Msg("relay worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("relay worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("relay worker stopped")
	return nil
}

// Running reports whether the pump loop is active, for health checks.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Wake triggers an immediate sweep without waiting for the poll
// interval. Safe to call from any goroutine; extra wakes coalesce.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Drain whatever accumulated before the worker came up.
	w.ProcessBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		case <-w.wakeCh:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch publishes one batch of unpublished envelopes in commit
// order. Only the run loop calls this while the worker is started.
func (w *Worker) ProcessBatch(ctx context.Context) {
	envs, err := w.eventlog.FetchUnpublished(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch unpublished events")
		return
	}
	if len(envs) == 0 {
		return
	}

	published := 0
	for i := range envs {
		if err := w.processEnvelope(ctx, &envs[i]); err != nil {
			if errors.Is(err, ctx.Err()) {
				return
			}
			continue
		}
		published++
	}

	log.Info().
		Int("total", len(envs)).
		Int("published", published).
		Msg("processed outbox batch")
}

func (w *Worker) processEnvelope(ctx context.Context, env *event.Envelope) error {
	if err := w.publishWithRetry(ctx, env); err != nil {
		log.Error().
			Err(err).
			Str("event_id", env.ID.String()).
			Str("event_type", env.EventType).
			Msg("publish attempts exhausted, parking event for manual replay")
		if markErr := w.eventlog.MarkAbandoned(ctx, env.ID, w.config.MaxAttempts); markErr != nil {
			log.Error().Err(markErr).Str("event_id", env.ID.String()).Msg("failed to mark event abandoned")
		}
		return err
	}

	if err := w.eventlog.MarkPublished(ctx, env.ID); err != nil {
		// The event will be fetched and published again; consumers
		// deduplicate on the event id.
		log.Error().Err(err).Str("event_id", env.ID.String()).Msg("failed to mark event published")
		return err
	}

	for _, h := range w.hooks {
		h.EnvelopePublished(ctx, env)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, env *event.Envelope) error {
	var lastErr error

	for attempt := 0; attempt < w.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Delay(w.config.BaseDelay, w.config.MaxDelay, attempt)):
			}
		}

		if err := w.publisher.Publish(ctx, env); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("event_id", env.ID.String()).
				Int("attempt", attempt+1).
				Msg("failed to publish event, retrying")
			continue
		}

		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.config.MaxAttempts, lastErr)
}
