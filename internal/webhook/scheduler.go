package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DeliveryClaimer selects due work from the ledger. Claiming must be
// atomic: a returned record is in-flight and invisible to every other
// scheduler until the engine records its outcome or its lease passes
// staleBefore.
type DeliveryClaimer interface {
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int32) ([]Delivery, error)
	Release(ctx context.Context, id uuid.UUID) error
}

type SchedulerConfig struct {
	PollInterval      time.Duration
	BatchSize         int32
	MaxInFlightPerSub int
	// ClaimLease bounds how long a claimed delivery may sit in-flight
	// before it is considered orphaned and reclaimed. Must comfortably
	// exceed the sender's request timeout.
	ClaimLease time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:      2 * time.Second,
		BatchSize:         50,
		MaxInFlightPerSub: 4,
		ClaimLease:        5 * time.Minute,
	}
}

// Scheduler periodically claims due deliveries and dispatches them
// concurrently, bounded per subscription so one slow endpoint cannot
// absorb the whole worker pool.
type Scheduler struct {
	ledger DeliveryClaimer
	engine *Engine
	config SchedulerConfig
	clock  clockwork.Clock

	wakeCh chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]int
}

func NewScheduler(ledger DeliveryClaimer, engine *Engine, cfg SchedulerConfig, clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		ledger:   ledger,
		engine:   engine,
		config:   cfg,
		clock:    clock,
		wakeCh:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		inflight: make(map[uuid.UUID]int),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("webhook scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	log.Info().
		Dur("poll_interval", s.config.PollInterval).
		Int("batch_size", int(s.config.BatchSize)).
		Int("max_in_flight_per_subscription", s.config.MaxInFlightPerSub).
		Dur("claim_lease", s.config.ClaimLease).
		Msg("webhook scheduler started")

	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("webhook scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	log.Info().Msg("webhook scheduler stopped")
	return nil
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wake triggers an immediate tick without waiting for the poll
// interval. Safe to call from any goroutine; extra wakes coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.Chan():
			s.Tick(ctx)
		case <-s.wakeCh:
			s.Tick(ctx)
		}
	}
}

// Tick claims one batch of due deliveries and dispatches them.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now().UTC()
	claimed, err := s.ledger.ClaimDue(ctx, now, now.Add(-s.config.ClaimLease), s.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim due deliveries")
		return
	}
	if len(claimed) == 0 {
		return
	}

	log.Debug().Int("claimed", len(claimed)).Msg("dispatching claimed deliveries")

	for i := range claimed {
		d := claimed[i]

		if !s.acquire(d.SubscriptionID) {
			// Over the per-subscription bound: give the claim back
			// without consuming an attempt.
			if err := s.ledger.Release(ctx, d.ID); err != nil {
				log.Error().Err(err).Str("delivery_id", d.ID.String()).Msg("failed to release over-limit claim")
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(d.SubscriptionID)
			s.engine.Attempt(ctx, &d)
		}()
	}
}

func (s *Scheduler) acquire(subscriptionID uuid.UUID) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[subscriptionID] >= s.config.MaxInFlightPerSub {
		return false
	}
	s.inflight[subscriptionID]++
	return true
}

func (s *Scheduler) release(subscriptionID uuid.UUID) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight[subscriptionID]--
	if s.inflight[subscriptionID] <= 0 {
		delete(s.inflight, subscriptionID)
	}
}
