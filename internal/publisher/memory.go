package publisher

import (
	"context"
	"sync"

	"github.com/harborpay/eventflow/internal/event"
)

// InMemory records every published envelope in arrival order for test
// inspection.
type InMemory struct {
	mu     sync.Mutex
	events []event.Envelope
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (p *InMemory) Publish(ctx context.Context, env *event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *env)
	return nil
}

// Events returns a copy of the published envelopes in arrival order.
func (p *InMemory) Events() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Envelope, len(p.events))
	copy(out, p.events)
	return out
}

func (p *InMemory) Close() error {
	return nil
}
