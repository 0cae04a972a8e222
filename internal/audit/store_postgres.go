package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store using the transactional outbox pattern.
// Events are written to the audit_outbox table and relayed to Kafka by the
// relay worker; the broker is the source of truth for downstream consumers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// outboxPayload is the JSON structure relayed to Kafka. Field names match
// audit.Event so consumers can deserialize without a schema registry.
type outboxPayload struct {
	ID         string `json:"ID"`
	Category   string `json:"Category"`
	Timestamp  string `json:"Timestamp"`
	Action     string `json:"Action"`
	CeremonyID string `json:"CeremonyID,omitempty"`
	KeeperID   string `json:"KeeperID,omitempty"`
	ActorID    string `json:"ActorID,omitempty"`
	KeyID      string `json:"KeyID,omitempty"`
	Decision   string `json:"Decision,omitempty"`
	Reason     string `json:"Reason,omitempty"`
	Severity   string `json:"Severity,omitempty"`
	RequestID  string `json:"RequestID,omitempty"`
}

// Append writes an audit event to the outbox table.
func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	eventID := uuid.New()
	category := AuditEvent(event.Action).Category()

	payload := outboxPayload{
		ID:         eventID.String(),
		Category:   string(category),
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		Action:     event.Action,
		CeremonyID: event.CeremonyID,
		KeeperID:   event.KeeperID,
		ActorID:    event.ActorID,
		KeyID:      event.KeyID,
		Decision:   event.Decision,
		Reason:     event.Reason,
		Severity:   string(event.Severity),
		RequestID:  event.RequestID,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	aggregateType := "ceremony"
	aggregateID := event.CeremonyID
	if aggregateID == "" {
		aggregateType = "key"
		aggregateID = event.KeyID
	}
	_, err = s.db.ExecContext(ctx, query,
		eventID,
		aggregateType,
		aggregateID,
		event.Action,
		payloadBytes,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert audit outbox entry: %w", err)
	}
	return nil
}

// ListRecent returns the N most recent events materialized from the outbox.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT payload FROM audit_outbox
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit outbox: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan audit outbox row: %w", err)
		}
		var p outboxPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", p.Timestamp, err)
		}
		events = append(events, Event{
			Timestamp:  ts,
			Action:     p.Action,
			CeremonyID: p.CeremonyID,
			KeeperID:   p.KeeperID,
			ActorID:    p.ActorID,
			KeyID:      p.KeyID,
			Decision:   p.Decision,
			Reason:     p.Reason,
			Severity:   Severity(p.Severity),
			RequestID:  p.RequestID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit outbox: %w", err)
	}
	return events, nil
}

// OutboxEntry is one unrelayed row handed to the relay worker.
type OutboxEntry struct {
	ID        uuid.UUID
	EventType string
	Payload   []byte
}

// FetchUnrelayed returns up to limit outbox rows not yet published.
func (s *PostgresStore) FetchUnrelayed(ctx context.Context, limit int) ([]OutboxEntry, error) {
	query := `
		SELECT id, event_type, payload FROM audit_outbox
		WHERE relayed_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unrelayed outbox rows: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

// MarkRelayed stamps rows after a successful publish. Idempotent.
func (s *PostgresStore) MarkRelayed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE audit_outbox SET relayed_at = $1 WHERE id = ANY($2) AND relayed_at IS NULL`
	args := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	if _, err := s.db.ExecContext(ctx, query, time.Now(), pq.Array(args)); err != nil {
		return fmt.Errorf("mark outbox rows relayed: %w", err)
	}
	return nil
}
