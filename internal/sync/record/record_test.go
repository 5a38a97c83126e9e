package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// TestKinds_TableMapping tests that every kind maps to a table and back
func TestKinds_TableMapping(t *testing.T) {
	seen := make(map[string]Kind)
	for _, kind := range Kinds() {
		table := kind.TableName()
		if table == "" {
			t.Errorf("Kind %q has no table name", kind)
		}
		if prev, dup := seen[table]; dup {
			t.Errorf("Table %q claimed by both %q and %q", table, prev, kind)
		}
		seen[table] = kind

		if !kind.Valid() {
			t.Errorf("Kind %q should be valid", kind)
		}
	}

	if len(seen) != 8 {
		t.Errorf("Expected 8 entity kinds, got %d", len(seen))
	}
}

func TestKind_Unknown(t *testing.T) {
	k := Kind("widget")
	if k.Valid() {
		t.Error("Unknown kind should not be valid")
	}
	if k.TableName() != "" {
		t.Errorf("Unknown kind table = %q, want empty", k.TableName())
	}
}

func TestRecord_ID_String(t *testing.T) {
	rec, err := Decode(json.RawMessage(`{"id": "abc-123", "title": "Morning run"}`))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	id, err := rec.ID()
	if err != nil {
		t.Fatalf("ID() failed: %v", err)
	}
	if id != "abc-123" {
		t.Errorf("id = %q, want %q", id, "abc-123")
	}
}

// TestRecord_ID_Numeric tests that numeric ids normalize to decimal strings
// without a trailing ".0"
func TestRecord_ID_Numeric(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"id": 42}`, "42"},
		{`{"id": 42.5}`, "42.5"},
		{`{"id": 9007199254740}`, "9007199254740"},
	}

	for _, tt := range tests {
		rec, err := Decode(json.RawMessage(tt.raw))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", tt.raw, err)
		}
		id, err := rec.ID()
		if err != nil {
			t.Fatalf("ID() failed for %s: %v", tt.raw, err)
		}
		if id != tt.want {
			t.Errorf("ID() for %s = %q, want %q", tt.raw, id, tt.want)
		}
	}
}

func TestRecord_ID_Malformed(t *testing.T) {
	tests := []string{
		`{"title": "no id"}`,
		`{"id": ""}`,
		`{"id": null}`,
		`{"id": true}`,
		`{"id": {"nested": 1}}`,
	}

	for _, raw := range tests {
		rec, err := Decode(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", raw, err)
		}
		if _, err := rec.ID(); !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("ID() for %s = %v, want ErrMalformedRecord", raw, err)
		}
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	if _, err := Decode(json.RawMessage(`{"id": `)); !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("Decode() = %v, want ErrMalformedRecord", err)
	}
}

func TestRecord_LastChanged_CandidateOrder(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// updatedAt wins over createdAt
	rec := Record{
		"id":        "r1",
		"updatedAt": "2026-03-02T10:00:00Z",
		"createdAt": "2026-03-01T10:00:00Z",
	}
	got := rec.LastChanged(KindRoutine, fallback)
	want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("LastChanged = %v, want %v (updatedAt should win)", got, want)
	}

	// snake_case variant
	rec = Record{"id": "r2", "updated_at": "2026-03-03T10:00:00Z"}
	got = rec.LastChanged(KindRoutine, fallback)
	if !got.Equal(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("LastChanged = %v, want updated_at value", got)
	}
}

// TestRecord_LastChanged_ParseFailureFallsThrough tests that an unparseable
// candidate is skipped, not fatal
func TestRecord_LastChanged_ParseFailureFallsThrough(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := Record{
		"id":        "r3",
		"updatedAt": "yesterday-ish",
		"createdAt": "2026-03-01T10:00:00Z",
	}
	got := rec.LastChanged(KindGoal, fallback)
	if !got.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("LastChanged = %v, want createdAt value after fallthrough", got)
	}
}

func TestRecord_LastChanged_KindSpecific(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := Record{"id": "e1", "completedAt": "2026-04-05T07:30:00Z"}

	got := rec.LastChanged(KindEntry, fallback)
	if !got.Equal(time.Date(2026, 4, 5, 7, 30, 0, 0, time.UTC)) {
		t.Errorf("LastChanged = %v, want completedAt value for entries", got)
	}

	// The same field means nothing on another kind
	got = rec.LastChanged(KindNote, fallback)
	if !got.Equal(fallback) {
		t.Errorf("LastChanged = %v, want fallback for notes", got)
	}
}

func TestRecord_LastChanged_Fallback(t *testing.T) {
	fallback := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

	rec := Record{"id": "r4"}
	if got := rec.LastChanged(KindProfile, fallback); !got.Equal(fallback) {
		t.Errorf("LastChanged = %v, want fallback %v", got, fallback)
	}

	// Zero fallback yields roughly now
	before := time.Now().UTC().Add(-time.Minute)
	got := rec.LastChanged(KindProfile, time.Time{})
	if got.Before(before) {
		t.Errorf("LastChanged with zero fallback = %v, want approximately now", got)
	}
}

func TestFormatTime_RoundTrip(t *testing.T) {
	orig := time.Date(2026, 5, 6, 7, 8, 9, 123_000_000, time.UTC)

	s := FormatTime(orig)
	if s != "2026-05-06T07:08:09.123Z" {
		t.Errorf("FormatTime = %q", s)
	}

	parsed, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime() failed: %v", err)
	}
	if !parsed.Equal(orig) {
		t.Errorf("round trip = %v, want %v", parsed, orig)
	}
}

// TestTombstone_NumericID tests that tombstones normalize numeric ids to
// decimal strings instead of failing the decode
func TestTombstone_NumericID(t *testing.T) {
	raw := `[
		{"entity": "note", "id": "n1", "deletedAt": "2026-08-01T09:00:00.000Z"},
		{"entity": "note", "id": 7, "deletedAt": "2026-08-01T09:00:00.000Z"},
		{"entity": "entry", "id": 42.5}
	]`

	var ts []Tombstone
	if err := json.Unmarshal([]byte(raw), &ts); err != nil {
		t.Fatalf("Failed to decode tombstones: %v", err)
	}

	if ts[0].ID != "n1" || ts[0].Entity != KindNote {
		t.Errorf("Tombstone[0] = %+v", ts[0])
	}
	if ts[0].DeletedAt != "2026-08-01T09:00:00.000Z" {
		t.Errorf("Tombstone[0].DeletedAt = %q", ts[0].DeletedAt)
	}
	if ts[1].ID != "7" {
		t.Errorf("Tombstone[1].ID = %q, want %q", ts[1].ID, "7")
	}
	if ts[2].ID != "42.5" || ts[2].Entity != KindEntry {
		t.Errorf("Tombstone[2] = %+v", ts[2])
	}
}

func TestTombstone_UnusableID(t *testing.T) {
	var ts Tombstone
	if err := json.Unmarshal([]byte(`{"entity": "note", "id": {"nested": 1}}`), &ts); err == nil {
		t.Error("Expected error for an object-valued id")
	}

	// A null or absent id decodes to "" rather than failing; deleting an
	// empty id is a no-op downstream
	if err := json.Unmarshal([]byte(`{"entity": "note", "id": null}`), &ts); err != nil {
		t.Errorf("Null id should decode: %v", err)
	}
	if ts.ID != "" {
		t.Errorf("ID = %q, want empty for null", ts.ID)
	}
}

func TestParseTime_Invalid(t *testing.T) {
	if _, err := ParseTime("not-a-time"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("ParseTime() = %v, want ErrInvalidTimestamp", err)
	}
}
