package audit

import (
	"context"
	"time"
)

// Store persists audit events. Implementations: in-memory (tests, dev) and
// PostgreSQL outbox (production, relayed to Kafka by the relay worker).
type Store interface {
	Append(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Publisher captures structured audit events. It is append-only and uses
// the storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	return p.store.Append(ctx, event)
}

func (p *Publisher) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	return p.store.ListRecent(ctx, limit)
}
