package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadenceapp/cadence-sync/internal/sync/record"
)

// testStore creates a temporary database with the schema installed.
func testStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InstallSchema(); err != nil {
		t.Fatalf("Failed to install schema: %v", err)
	}

	return st
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if st.Path() != path {
		t.Errorf("Path() = %q, want %q", st.Path(), path)
	}
}

func TestInstallSchema_Idempotent(t *testing.T) {
	st := testStore(t)

	// Second install must not fail or disturb data
	if err := st.SetMetadata(context.Background(), "probe", "kept"); err != nil {
		t.Fatalf("Failed to set metadata: %v", err)
	}
	if err := st.InstallSchema(); err != nil {
		t.Fatalf("Second InstallSchema() failed: %v", err)
	}

	v, err := st.GetMetadata(context.Background(), "probe")
	if err != nil {
		t.Fatalf("Failed to get metadata: %v", err)
	}
	if v != "kept" {
		t.Errorf("Metadata = %q, want %q after reinstall", v, "kept")
	}
}

func TestReplaceEntityTable_FullReplace(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	fallback := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	first := []json.RawMessage{
		json.RawMessage(`{"id": "r1", "title": "Stretch", "updatedAt": "2026-05-01T08:00:00Z"}`),
		json.RawMessage(`{"id": "r2", "title": "Journal"}`),
	}
	if err := st.ReplaceEntityTable(ctx, record.KindRoutine, first, fallback); err != nil {
		t.Fatalf("Failed to replace table: %v", err)
	}

	count, err := st.EntityCount(ctx, record.KindRoutine)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}

	// A later snapshot with different rows fully replaces the table
	second := []json.RawMessage{
		json.RawMessage(`{"id": "r3", "title": "Walk"}`),
	}
	if err := st.ReplaceEntityTable(ctx, record.KindRoutine, second, fallback); err != nil {
		t.Fatalf("Failed to replace table: %v", err)
	}

	rows, err := st.EntityRows(ctx, record.KindRoutine)
	if err != nil {
		t.Fatalf("Failed to read rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Got %d rows, want 1", len(rows))
	}

	rec, err := record.Decode(rows[0])
	if err != nil {
		t.Fatalf("Failed to decode stored row: %v", err)
	}
	id, _ := rec.ID()
	if id != "r3" {
		t.Errorf("Surviving row id = %q, want %q", id, "r3")
	}
}

// TestReplaceEntityTable_EmptySnapshot tests that an empty (or absent)
// snapshot array clears the table completely
func TestReplaceEntityTable_EmptySnapshot(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	fallback := time.Now().UTC()

	seed := []json.RawMessage{json.RawMessage(`{"id": "g1"}`)}
	if err := st.ReplaceEntityTable(ctx, record.KindGoal, seed, fallback); err != nil {
		t.Fatalf("Failed to seed table: %v", err)
	}

	if err := st.ReplaceEntityTable(ctx, record.KindGoal, nil, fallback); err != nil {
		t.Fatalf("Failed to replace with empty snapshot: %v", err)
	}

	count, err := st.EntityCount(ctx, record.KindGoal)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 0 {
		t.Errorf("Count = %d, want 0 after empty snapshot", count)
	}
}

// TestReplaceEntityTable_MalformedRowRollsBack tests that a bad row aborts
// the transaction and leaves prior contents intact
func TestReplaceEntityTable_MalformedRowRollsBack(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	fallback := time.Now().UTC()

	seed := []json.RawMessage{json.RawMessage(`{"id": "n1", "body": "keep me"}`)}
	if err := st.ReplaceEntityTable(ctx, record.KindNote, seed, fallback); err != nil {
		t.Fatalf("Failed to seed table: %v", err)
	}

	bad := []json.RawMessage{
		json.RawMessage(`{"id": "n2"}`),
		json.RawMessage(`{"body": "no id"}`),
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.ReplaceEntityTableTx(ctx, tx, record.KindNote, bad, fallback)
	})
	if !errors.Is(err, record.ErrMalformedRecord) {
		t.Fatalf("Expected ErrMalformedRecord, got %v", err)
	}

	rows, err := st.EntityRows(ctx, record.KindNote)
	if err != nil {
		t.Fatalf("Failed to read rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Got %d rows after rollback, want the original 1", len(rows))
	}
	rec, _ := record.Decode(rows[0])
	id, _ := rec.ID()
	if id != "n1" {
		t.Errorf("Surviving row id = %q, want %q", id, "n1")
	}
}

func TestDeleteTombstoned_Idempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	seed := []json.RawMessage{json.RawMessage(`{"id": "e1"}`)}
	if err := st.ReplaceEntityTable(ctx, record.KindEntry, seed, time.Now().UTC()); err != nil {
		t.Fatalf("Failed to seed table: %v", err)
	}

	if err := st.DeleteTombstoned(ctx, record.KindEntry, "e1"); err != nil {
		t.Fatalf("Failed to delete row: %v", err)
	}
	// Deleting again, or deleting a row that never existed, is a no-op
	if err := st.DeleteTombstoned(ctx, record.KindEntry, "e1"); err != nil {
		t.Errorf("Second delete failed: %v", err)
	}
	if err := st.DeleteTombstoned(ctx, record.KindEntry, "never-existed"); err != nil {
		t.Errorf("Delete of absent row failed: %v", err)
	}

	count, _ := st.EntityCount(ctx, record.KindEntry)
	if count != 0 {
		t.Errorf("Count = %d, want 0", count)
	}
}

func TestClearAll(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, kind := range record.Kinds() {
		seed := []json.RawMessage{json.RawMessage(`{"id": "x1"}`)}
		if err := st.ReplaceEntityTable(ctx, kind, seed, time.Now().UTC()); err != nil {
			t.Fatalf("Failed to seed %s: %v", kind, err)
		}
	}
	if err := st.SetMetadata(ctx, MetaLastPullAt, "2026-08-01T00:00:00.000Z"); err != nil {
		t.Fatalf("Failed to set metadata: %v", err)
	}

	if err := st.ClearAll(ctx); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}

	for _, kind := range record.Kinds() {
		count, err := st.EntityCount(ctx, kind)
		if err != nil {
			t.Fatalf("Failed to count %s: %v", kind, err)
		}
		if count != 0 {
			t.Errorf("%s count = %d after clear, want 0", kind.TableName(), count)
		}
	}

	v, err := st.GetMetadata(ctx, MetaLastPullAt)
	if err != nil {
		t.Fatalf("Failed to get metadata: %v", err)
	}
	if v != "" {
		t.Errorf("Metadata survived clear: %q", v)
	}
}

func TestMetadata_SetGetOverwrite(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	v, err := st.GetMetadata(ctx, "absent")
	if err != nil {
		t.Fatalf("GetMetadata() failed: %v", err)
	}
	if v != "" {
		t.Errorf("Absent key = %q, want empty", v)
	}

	if err := st.SetMetadata(ctx, MetaServerTimestamp, "2026-08-01T00:00:00.000Z"); err != nil {
		t.Fatalf("SetMetadata() failed: %v", err)
	}
	if err := st.SetMetadata(ctx, MetaServerTimestamp, "2026-08-02T00:00:00.000Z"); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	v, err = st.GetMetadata(ctx, MetaServerTimestamp)
	if err != nil {
		t.Fatalf("GetMetadata() failed: %v", err)
	}
	if v != "2026-08-02T00:00:00.000Z" {
		t.Errorf("Metadata = %q, want the overwritten value", v)
	}
}
