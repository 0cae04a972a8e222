package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink publishes relayed audit payloads to the downstream broker.
type Sink interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// OutboxSource is the slice of PostgresStore the relay depends on.
type OutboxSource interface {
	FetchUnrelayed(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkRelayed(ctx context.Context, ids []uuid.UUID) error
}

// Relay drains the audit outbox into the sink. It keeps background
// publishing out of the request path: services only ever write the outbox
// row, and delivery failures are retried on the next tick.
type Relay struct {
	source    OutboxSource
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewRelay(source OutboxSource, sink Sink, interval time.Duration, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{source: source, sink: sink, interval: interval, batchSize: 256, logger: logger}
}

// Run drains the outbox on each tick until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "audit outbox relay pass failed", "error", err)
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	entries, err := r.source.FetchUnrelayed(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	relayed := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if err := r.sink.Publish(ctx, e.EventType, e.Payload); err != nil {
			// Stop the batch; unpublished rows stay unrelayed and are
			// picked up on the next tick.
			r.logger.WarnContext(ctx, "audit sink publish failed", "event_type", e.EventType, "error", err)
			break
		}
		relayed = append(relayed, e.ID)
	}
	return r.source.MarkRelayed(ctx, relayed)
}
