package store

import (
	"context"
	"fmt"

	"github.com/cadenceapp/cadence-sync/internal/sync/record"
)

// InstallSchema creates the database schema if it doesn't exist.
//
// This creates one table per entity kind, the outbox table, and the metadata
// table, along with indexes. Idempotent - safe to call multiple times.
func (s *Store) InstallSchema() error {
	return s.InstallSchemaContext(context.Background())
}

// InstallSchemaContext creates the database schema with context support.
func (s *Store) InstallSchemaContext(ctx context.Context) error {
	schema := `
	-- Durable queue of locally-originated mutations awaiting acknowledgment.
	-- Rows are deleted on success; status never reaches a "succeeded" value.
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		client_mutation_id TEXT NOT NULL UNIQUE,
		entity TEXT NOT NULL,
		op TEXT NOT NULL CHECK (op IN ('create', 'update', 'delete')),
		record_id TEXT NOT NULL,
		payload_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'in_flight', 'failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_eligible
	    ON outbox(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);

	-- Sync metadata (last pull time, server timestamp, account scope)
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	for _, kind := range record.Kinds() {
		table := kind.TableName()
		entitySchema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
		`, table)

		if _, err := s.conn.ExecContext(ctx, entitySchema); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table, err)
		}
	}

	return nil
}
