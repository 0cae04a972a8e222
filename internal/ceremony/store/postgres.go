package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"conclave/internal/ceremony/models"
	"conclave/pkg/domain"
	"conclave/pkg/requestcontext"
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Postgres persists ceremonies and their witness sets.
//
// Schema:
//
//	CREATE TABLE ceremonies (
//	    id                UUID PRIMARY KEY,
//	    keeper_id         TEXT NOT NULL,
//	    ceremony_type     TEXT NOT NULL,
//	    state             TEXT NOT NULL,
//	    initiator_id      TEXT NOT NULL,
//	    new_key_id        TEXT NOT NULL DEFAULT '',
//	    old_key_id        TEXT NOT NULL DEFAULT '',
//	    transition_end_at TIMESTAMPTZ,
//	    created_at        TIMESTAMPTZ NOT NULL,
//	    completed_at      TIMESTAMPTZ,
//	    failure_reason    TEXT NOT NULL DEFAULT ''
//	);
//	-- One active ceremony per keeper, enforced by the database rather
//	-- than an application-level lock: multiple orchestrator instances
//	-- may run concurrently.
//	CREATE UNIQUE INDEX ceremonies_active_keeper_uidx
//	    ON ceremonies (keeper_id)
//	    WHERE state IN ('PENDING','APPROVED','EXECUTING');
//
//	CREATE TABLE ceremony_witnesses (
//	    ceremony_id  UUID NOT NULL REFERENCES ceremonies (id),
//	    witness_id   TEXT NOT NULL,
//	    signature    BYTEA NOT NULL,
//	    witness_type TEXT NOT NULL,
//	    verified     BOOLEAN NOT NULL,
//	    witnessed_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (ceremony_id, witness_id)
//	);
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Create(ctx context.Context, c *models.Ceremony) error {
	query := `
		INSERT INTO ceremonies (id, keeper_id, ceremony_type, state, initiator_id, old_key_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(c.ID),
		c.KeeperID.String(),
		c.Type.String(),
		c.State.String(),
		c.InitiatorID.String(),
		c.OldKeyID.String(),
		c.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("keeper %s: %w", c.KeeperID, models.ErrCeremonyConflict)
		}
		return fmt.Errorf("create ceremony: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id domain.CeremonyID) (*models.Ceremony, error) {
	return s.get(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Postgres) get(ctx context.Context, q querier, id domain.CeremonyID) (*models.Ceremony, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, keeper_id, ceremony_type, state, initiator_id, new_key_id, old_key_id,
		       transition_end_at, created_at, completed_at, failure_reason
		FROM ceremonies WHERE id = $1
	`, uuid.UUID(id))
	c, err := scanCeremony(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ceremony %s: %w", id, models.ErrCeremonyNotFound)
		}
		return nil, fmt.Errorf("get ceremony: %w", err)
	}
	if err := s.loadWitnesses(ctx, q, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Postgres) GetActiveForKeeper(ctx context.Context, keeperID domain.KeeperID) (*models.Ceremony, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, keeper_id, ceremony_type, state, initiator_id, new_key_id, old_key_id,
		       transition_end_at, created_at, completed_at, failure_reason
		FROM ceremonies
		WHERE keeper_id = $1 AND state IN ('PENDING','APPROVED','EXECUTING')
	`, keeperID.String())
	c, err := scanCeremony(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active ceremony for keeper %s: %w", keeperID, models.ErrCeremonyNotFound)
		}
		return nil, fmt.Errorf("get active ceremony: %w", err)
	}
	if err := s.loadWitnesses(ctx, s.db, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddWitness appends a witness inside a transaction that locks the ceremony
// row, so the PENDING check, the duplicate check (composite primary key)
// and the insert are atomic.
func (s *Postgres) AddWitness(ctx context.Context, id domain.CeremonyID, w models.Witness) (*models.Ceremony, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add witness: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM ceremonies WHERE id = $1 FOR UPDATE`, uuid.UUID(id),
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ceremony %s: %w", id, models.ErrCeremonyNotFound)
		}
		return nil, fmt.Errorf("lock ceremony: %w", err)
	}
	if models.State(state) != models.StatePending {
		return nil, models.NewInvalidStateError(models.State(state), models.StatePending)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ceremony_witnesses (ceremony_id, witness_id, signature, witness_type, verified, witnessed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.UUID(id), w.WitnessID.String(), w.Signature, w.Type.String(), w.Verified, w.WitnessedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, fmt.Errorf("witness %s on ceremony %s: %w", w.WitnessID, id, models.ErrDuplicateWitness)
		}
		return nil, fmt.Errorf("insert witness: %w", err)
	}

	c, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add witness: %w", err)
	}
	return c, nil
}

// Transition is a compare-and-set state change implemented as a conditional
// UPDATE. Zero rows affected means the CAS lost; the current state is
// reloaded to build the typed error.
func (s *Postgres) Transition(ctx context.Context, id domain.CeremonyID, from, to models.State, reason string) (*models.Ceremony, error) {
	if !from.CanTransitionTo(to) {
		return nil, models.NewInvalidStateError(from, to)
	}
	now := requestcontext.Now(ctx)
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ceremonies
		SET state = $3, failure_reason = $4, completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND state = $2
	`, uuid.UUID(id), from.String(), to.String(), reason, completedAt)
	if err != nil {
		return nil, fmt.Errorf("transition ceremony: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		current, getErr := s.get(ctx, s.db, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, models.NewInvalidStateError(current.State, to)
	}
	return s.get(ctx, s.db, id)
}

func (s *Postgres) MarkCompleted(ctx context.Context, id domain.CeremonyID, newKeyID domain.KeyID, transitionEndAt *time.Time, completedAt time.Time) (*models.Ceremony, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ceremonies
		SET state = $2, new_key_id = $3, transition_end_at = $4, completed_at = $5
		WHERE id = $1 AND state = $6
	`, uuid.UUID(id), models.StateCompleted.String(), newKeyID.String(), transitionEndAt, completedAt, models.StateExecuting.String())
	if err != nil {
		return nil, fmt.Errorf("mark ceremony completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark completed rows affected: %w", err)
	}
	if n == 0 {
		current, getErr := s.get(ctx, s.db, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, models.NewInvalidStateError(current.State, models.StateCompleted)
	}
	return s.get(ctx, s.db, id)
}

func (s *Postgres) ListActive(ctx context.Context) ([]*models.Ceremony, error) {
	return s.list(ctx, `
		SELECT id, keeper_id, ceremony_type, state, initiator_id, new_key_id, old_key_id,
		       transition_end_at, created_at, completed_at, failure_reason
		FROM ceremonies
		WHERE state IN ('PENDING','APPROVED','EXECUTING')
		ORDER BY created_at
	`)
}

func (s *Postgres) ListTimedOut(ctx context.Context, before time.Time) ([]*models.Ceremony, error) {
	return s.list(ctx, `
		SELECT id, keeper_id, ceremony_type, state, initiator_id, new_key_id, old_key_id,
		       transition_end_at, created_at, completed_at, failure_reason
		FROM ceremonies
		WHERE state IN ('PENDING','APPROVED') AND created_at < $1
		ORDER BY created_at
	`, before)
}

func (s *Postgres) ListStalledExecuting(ctx context.Context, before time.Time) ([]*models.Ceremony, error) {
	return s.list(ctx, `
		SELECT id, keeper_id, ceremony_type, state, initiator_id, new_key_id, old_key_id,
		       transition_end_at, created_at, completed_at, failure_reason
		FROM ceremonies
		WHERE state = 'EXECUTING' AND created_at < $1
		ORDER BY created_at
	`, before)
}

func (s *Postgres) list(ctx context.Context, query string, args ...any) ([]*models.Ceremony, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ceremonies: %w", err)
	}
	defer rows.Close()

	var out []*models.Ceremony
	for rows.Next() {
		c, err := scanCeremony(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ceremony: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ceremonies: %w", err)
	}
	for _, c := range out {
		if err := s.loadWitnesses(ctx, s.db, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Postgres) loadWitnesses(ctx context.Context, q querier, c *models.Ceremony) error {
	rows, err := q.QueryContext(ctx, `
		SELECT witness_id, signature, witness_type, verified, witnessed_at
		FROM ceremony_witnesses
		WHERE ceremony_id = $1
		ORDER BY witnessed_at
	`, uuid.UUID(c.ID))
	if err != nil {
		return fmt.Errorf("query witnesses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			w           models.Witness
			witnessID   string
			witnessType string
		)
		if err := rows.Scan(&witnessID, &w.Signature, &witnessType, &w.Verified, &w.WitnessedAt); err != nil {
			return fmt.Errorf("scan witness: %w", err)
		}
		w.WitnessID = domain.WitnessID(witnessID)
		w.Type = models.WitnessType(witnessType)
		c.Witnesses = append(c.Witnesses, w)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCeremony(row rowScanner) (*models.Ceremony, error) {
	var (
		c            models.Ceremony
		id           uuid.UUID
		keeperID     string
		ceremonyType string
		state        string
		initiatorID  string
		newKeyID     string
		oldKeyID     string
	)
	err := row.Scan(&id, &keeperID, &ceremonyType, &state, &initiatorID, &newKeyID, &oldKeyID,
		&c.TransitionEndAt, &c.CreatedAt, &c.CompletedAt, &c.FailureReason)
	if err != nil {
		return nil, err
	}
	c.ID = domain.CeremonyID(id)
	c.KeeperID = domain.KeeperID(keeperID)
	c.Type = models.CeremonyType(ceremonyType)
	c.State = models.State(state)
	c.InitiatorID = domain.KeeperID(initiatorID)
	c.NewKeyID = domain.KeyID(newKeyID)
	c.OldKeyID = domain.KeyID(oldKeyID)
	return &c, nil
}
