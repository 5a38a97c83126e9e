package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cadenceapp/cadence-sync/internal/sync/record"
)

// ReplaceEntityTableTx deletes every row in the kind's table and inserts the
// given snapshot rows, inside the caller's transaction. Each row is keyed by
// its extracted id and stamped with its derived last-changed timestamp
// (fallback is used for rows without a usable timestamp field).
//
// The remote snapshot is the sole source of truth for entity tables: this is
// a full delete+reinsert, never a merge. A row without an extractable id
// fails with record.ErrMalformedRecord, which aborts the enclosing
// transaction.
func (s *Store) ReplaceEntityTableTx(ctx context.Context, tx *sql.Tx, kind record.Kind, rows []json.RawMessage, fallback time.Time) error {
	table := kind.TableName()
	if table == "" {
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	insert := fmt.Sprintf(`
	INSERT INTO %s (id, payload_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload_json = excluded.payload_json,
		updated_at = excluded.updated_at
	`, table)

	for _, raw := range rows {
		rec, err := record.Decode(raw)
		if err != nil {
			return fmt.Errorf("%s snapshot row: %w", table, err)
		}
		id, err := rec.ID()
		if err != nil {
			return fmt.Errorf("%s snapshot row: %w", table, err)
		}
		changed := rec.LastChanged(kind, fallback)

		if _, err := tx.ExecContext(ctx, insert, id, string(raw), record.FormatTime(changed)); err != nil {
			return fmt.Errorf("failed to insert %s row %s: %w", table, id, err)
		}
	}

	return nil
}

// ReplaceEntityTable replaces a single entity table in its own transaction.
func (s *Store) ReplaceEntityTable(ctx context.Context, kind record.Kind, rows []json.RawMessage, fallback time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ReplaceEntityTableTx(ctx, tx, kind, rows, fallback)
	})
}

// DeleteTombstonedTx deletes one row from the kind's table if present.
// No error if the row is absent (idempotent).
func (s *Store) DeleteTombstonedTx(ctx context.Context, tx *sql.Tx, kind record.Kind, id string) error {
	table := kind.TableName()
	if table == "" {
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete tombstoned %s row %s: %w", table, id, err)
	}
	return nil
}

// DeleteTombstoned deletes one tombstoned row in its own transaction.
func (s *Store) DeleteTombstoned(ctx context.Context, kind record.Kind, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteTombstonedTx(ctx, tx, kind, id)
	})
}

// ClearAll truncates every entity table, the outbox, and the metadata table
// in one transaction. Used on logout so no data leaks across accounts.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, kind := range record.Kinds() {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", kind.TableName())); err != nil {
				return fmt.Errorf("failed to clear %s: %w", kind.TableName(), err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM outbox"); err != nil {
			return fmt.Errorf("failed to clear outbox: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_meta"); err != nil {
			return fmt.Errorf("failed to clear sync metadata: %w", err)
		}
		return nil
	})
}

// EntityRows returns the raw payloads of every row in the kind's table,
// ordered by id for deterministic snapshots.
func (s *Store) EntityRows(ctx context.Context, kind record.Kind) ([]json.RawMessage, error) {
	table := kind.TableName()
	if table == "" {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("SELECT payload_json FROM %s ORDER BY id ASC", table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var payloads []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("%s row: %w: stored payload is not valid JSON", table, record.ErrMalformedRecord)
		}
		payloads = append(payloads, json.RawMessage(payload))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return payloads, nil
}

// EntityCount returns the number of rows in the kind's table.
func (s *Store) EntityCount(ctx context.Context, kind record.Kind) (int, error) {
	table := kind.TableName()
	if table == "" {
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}

	var count int
	err := s.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// Well-known metadata keys.
const (
	MetaLastPullAt      = "last_pull_at"
	MetaServerTimestamp = "last_server_timestamp"
	MetaAccountScope    = "account_scope"
)

// GetMetadata returns the value stored under key, or "" if the key is
// absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %q: %w", key, err)
	}
	return value, nil
}

// SetMetadata stores value under key, replacing any previous value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.setMetadata(ctx, s.conn, key, value)
}

// SetMetadataTx stores value under key inside the caller's transaction.
func (s *Store) SetMetadataTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	return s.setMetadata(ctx, tx, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) setMetadata(ctx context.Context, e execer, key, value string) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := e.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write metadata %q: %w", key, err)
	}
	return nil
}
