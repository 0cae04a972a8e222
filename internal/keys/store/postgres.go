package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"conclave/internal/keys/models"
	"conclave/pkg/domain"
	"conclave/pkg/platform/sentinel"
	"conclave/pkg/requestcontext"
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Postgres persists keeper keys.
//
// Schema:
//
//	CREATE TABLE keeper_keys (
//	    key_id            TEXT PRIMARY KEY,
//	    keeper_id         TEXT NOT NULL,
//	    public_key        BYTEA NOT NULL,
//	    algorithm         TEXT NOT NULL,
//	    active_from       TIMESTAMPTZ NOT NULL,
//	    active_until      TIMESTAMPTZ,
//	    revoked_at        TIMESTAMPTZ,
//	    revoked_by        TEXT NOT NULL DEFAULT '',
//	    revocation_reason TEXT NOT NULL DEFAULT ''
//	);
//	CREATE INDEX keeper_keys_keeper_idx ON keeper_keys (keeper_id, active_from DESC);
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) RegisterKey(ctx context.Context, key *models.Key) error {
	query := `
		INSERT INTO keeper_keys (key_id, keeper_id, public_key, algorithm, active_from, active_until)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.KeyID.String(),
		key.KeeperID.String(),
		key.PublicKey,
		key.Algorithm.String(),
		key.ActiveFrom,
		key.ActiveUntil,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("key %s: %w", key.KeyID, sentinel.ErrConflict)
		}
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

func (s *Postgres) GetActiveKeyForKeeper(ctx context.Context, keeperID domain.KeeperID) (*models.Key, error) {
	now := requestcontext.Now(ctx)
	query := `
		SELECT key_id, keeper_id, public_key, algorithm, active_from, active_until,
		       revoked_at, revoked_by, revocation_reason
		FROM keeper_keys
		WHERE keeper_id = $1
		  AND active_from <= $2
		  AND (active_until IS NULL OR active_until > $2)
		  AND (revoked_at IS NULL OR revoked_at > $2)
		ORDER BY active_from DESC
		LIMIT 1
	`
	key, err := scanKey(s.db.QueryRowContext(ctx, query, keeperID.String(), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active key for keeper %s: %w", keeperID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get active key: %w", err)
	}
	return key, nil
}

func (s *Postgres) GetKey(ctx context.Context, keyID domain.KeyID) (*models.Key, error) {
	query := `
		SELECT key_id, keeper_id, public_key, algorithm, active_from, active_until,
		       revoked_at, revoked_by, revocation_reason
		FROM keeper_keys
		WHERE key_id = $1
	`
	key, err := scanKey(s.db.QueryRowContext(ctx, query, keyID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return key, nil
}

func (s *Postgres) DeactivateKey(ctx context.Context, keyID domain.KeyID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE keeper_keys SET active_until = $2 WHERE key_id = $1`,
		keyID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("deactivate key: %w", err)
	}
	return requireRowAffected(res, keyID)
}

func (s *Postgres) EmergencyRevokeKey(ctx context.Context, keyID domain.KeyID, reason string, revokedBy domain.KeeperID) (time.Time, error) {
	revokedAt := requestcontext.Now(ctx)
	res, err := s.db.ExecContext(ctx, `
		UPDATE keeper_keys
		SET revoked_at = $2, revoked_by = $3, revocation_reason = $4, active_until = $2
		WHERE key_id = $1
	`, keyID.String(), revokedAt, revokedBy.String(), reason)
	if err != nil {
		return time.Time{}, fmt.Errorf("emergency revoke key: %w", err)
	}
	if err := requireRowAffected(res, keyID); err != nil {
		return time.Time{}, err
	}
	return revokedAt, nil
}

func requireRowAffected(res sql.Result, keyID domain.KeyID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
	}
	return nil
}

func scanKey(row *sql.Row) (*models.Key, error) {
	var (
		k         models.Key
		keyID     string
		keeperID  string
		algorithm string
		revokedBy string
	)
	err := row.Scan(&keyID, &keeperID, &k.PublicKey, &algorithm, &k.ActiveFrom,
		&k.ActiveUntil, &k.RevokedAt, &revokedBy, &k.RevocationReason)
	if err != nil {
		return nil, err
	}
	k.KeyID = domain.KeyID(keyID)
	k.KeeperID = domain.KeeperID(keeperID)
	k.Algorithm = models.KeyAlgorithm(algorithm)
	k.RevokedBy = domain.KeeperID(revokedBy)
	return &k, nil
}
