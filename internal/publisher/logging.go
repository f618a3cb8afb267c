package publisher

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/event"
)

// Logging writes every envelope to the structured log. Useful for
// development and for deployments that rely on webhooks alone.
type Logging struct{}

func NewLogging() *Logging {
	return &Logging{}
}

func (p *Logging) Publish(ctx context.Context, env *event.Envelope) error {
	log.Info().
		Str("event_id", env.ID.String()).
		Str("event_type", env.EventType).
		Str("aggregate_id", env.AggregateID).
		Int64("sequence", env.SequenceNumber).
		Msg("published event")
	return nil
}

func (p *Logging) Close() error {
	return nil
}
