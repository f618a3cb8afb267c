// Package publisher transports committed envelopes to a downstream
// bus or sink. Every backend implements the same contract: a nil error
// means the backend durably accepted the event. Publish is only ever
// invoked for envelopes already durable in the event log, so a failure
// is never data loss — the log remains the recovery source.
package publisher

import (
	"context"
	"fmt"

	"github.com/harborpay/eventflow/internal/config"
	"github.com/harborpay/eventflow/internal/event"
)

// Publisher is the uniform publish contract over the backend variants.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
	Close() error
}

// New selects the backend once at process start from configuration.
func New(cfg config.PublisherConfig) (Publisher, error) {
	switch cfg.Backend {
	case config.BackendLogging:
		return NewLogging(), nil
	case config.BackendInMemory:
		return NewInMemory(), nil
	case config.BackendStream:
		return NewJetStream(JetStreamConfig{
			URL:             cfg.Stream.URL,
			StreamName:      cfg.Stream.StreamName,
			SubjectPrefix:   cfg.Stream.SubjectPrefix,
			Replicas:        cfg.Stream.Replicas,
			MaxAge:          cfg.Stream.MaxAge.Std(),
			DuplicateWindow: cfg.Stream.DuplicateWindow.Std(),
		})
	default:
		return nil, fmt.Errorf("unknown publisher backend %q", cfg.Backend)
	}
}
