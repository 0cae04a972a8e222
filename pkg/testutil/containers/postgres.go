//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// schema is the full DDL for integration tests. It must stay in sync with
// the schemas documented on the postgres store types.
const schema = `
CREATE TABLE IF NOT EXISTS ceremonies (
    id                UUID PRIMARY KEY,
    keeper_id         TEXT NOT NULL,
    ceremony_type     TEXT NOT NULL,
    state             TEXT NOT NULL,
    initiator_id      TEXT NOT NULL,
    new_key_id        TEXT NOT NULL DEFAULT '',
    old_key_id        TEXT NOT NULL DEFAULT '',
    transition_end_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    completed_at      TIMESTAMPTZ,
    failure_reason    TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS ceremonies_active_keeper_uidx
    ON ceremonies (keeper_id)
    WHERE state IN ('PENDING','APPROVED','EXECUTING');

CREATE TABLE IF NOT EXISTS ceremony_witnesses (
    ceremony_id  UUID NOT NULL REFERENCES ceremonies (id),
    witness_id   TEXT NOT NULL,
    signature    BYTEA NOT NULL,
    witness_type TEXT NOT NULL,
    verified     BOOLEAN NOT NULL,
    witnessed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (ceremony_id, witness_id)
);

CREATE TABLE IF NOT EXISTS keeper_keys (
    key_id            TEXT PRIMARY KEY,
    keeper_id         TEXT NOT NULL,
    public_key        BYTEA NOT NULL,
    algorithm         TEXT NOT NULL,
    active_from       TIMESTAMPTZ NOT NULL,
    active_until      TIMESTAMPTZ,
    revoked_at        TIMESTAMPTZ,
    revoked_by        TEXT NOT NULL DEFAULT '',
    revocation_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS keeper_keys_keeper_idx ON keeper_keys (keeper_id, active_from DESC);

CREATE TABLE IF NOT EXISTS audit_outbox (
    id             UUID PRIMARY KEY,
    aggregate_type TEXT NOT NULL,
    aggregate_id   TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    payload        JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    relayed_at     TIMESTAMPTZ
);
`

// PostgresContainer wraps a testcontainers Postgres instance with an open
// database handle and the test schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a new Postgres container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("conclave_test"),
		tcpostgres.WithUsername("conclave"),
		tcpostgres.WithPassword("conclave"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Note: We don't register t.Cleanup here because the container is managed
	// by the singleton Manager and shared across test suites. Ryuk handles cleanup.

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
}

// TruncateTables truncates the given tables in order, cascading to dependents.
// Use between tests to ensure isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(tables, ", "))
	if _, err := p.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
