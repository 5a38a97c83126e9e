// Package record defines the syncable data model for the Cadence client:
// entity kinds, opaque entity records, tombstones, and the account scope
// metadata reported by the backend.
//
// Entity records are opaque JSON objects. The engine never interprets their
// full shape; it only extracts a record id and a last-changed timestamp so
// rows can be keyed and indexed in the local store.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies one of the fixed set of syncable entity kinds.
//
// The set is closed: adding a kind means adding a constant here, an entry in
// Kinds, and a case in TableName. TableName returning "" for an unknown
// value is how every caller detects a kind that slipped past the enum.
type Kind string

const (
	KindProfile    Kind = "profile"
	KindRoutine    Kind = "routine"
	KindEntry      Kind = "entry"
	KindGoal       Kind = "goal"
	KindReminder   Kind = "reminder"
	KindNote       Kind = "note"
	KindAttachment Kind = "attachment"
	KindPreference Kind = "preference"
)

// Kinds returns every syncable entity kind in stable order.
//
// The order is the order entity tables are created and replaced in; it is
// stable so that pull transactions touch tables deterministically.
func Kinds() []Kind {
	return []Kind{
		KindProfile,
		KindRoutine,
		KindEntry,
		KindGoal,
		KindReminder,
		KindNote,
		KindAttachment,
		KindPreference,
	}
}

// TableName maps a kind to its local storage table.
// Returns "" for an unknown kind.
func (k Kind) TableName() string {
	switch k {
	case KindProfile:
		return "profiles"
	case KindRoutine:
		return "routines"
	case KindEntry:
		return "entries"
	case KindGoal:
		return "goals"
	case KindReminder:
		return "reminders"
	case KindNote:
		return "notes"
	case KindAttachment:
		return "attachments"
	case KindPreference:
		return "preferences"
	}
	return ""
}

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	return k.TableName() != ""
}

// TimeLayout is the canonical timestamp format for everything the engine
// persists: ISO-8601 with millisecond precision, always UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in the canonical persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp in any RFC 3339 form (fractional seconds
// optional). Returns ErrInvalidTimestamp on failure.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return t, nil
}

// Sentinel errors for the engine's failure taxonomy.
var (
	// ErrMalformedRecord marks a snapshot row without an extractable id, or
	// stored payload JSON that does not decode. Fatal to the enclosing
	// transaction.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrInvalidTimestamp marks a timestamp string that does not parse.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrAccountScopeAmbiguous marks a write refused because the backend
	// could not resolve which account owns the data.
	ErrAccountScopeAmbiguous = errors.New("account scope ambiguous")
)

// Record is one entity row as received from the backend: an arbitrary JSON
// object carrying at least an "id" field.
type Record map[string]any

// Decode parses raw JSON into a Record. The payload must be a JSON object.
func Decode(raw json.RawMessage) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return r, nil
}

// ID extracts the record id, normalizing numeric ids to their decimal string
// form. Returns ErrMalformedRecord if the id field is missing, empty, or of
// an unusable type.
func (r Record) ID() (string, error) {
	v, ok := r["id"]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("%w: empty id", ErrMalformedRecord)
		}
		return id, nil
	case float64:
		// encoding/json decodes all JSON numbers to float64. Integral ids
		// must not grow a trailing ".0" on the way through.
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: id has type %T", ErrMalformedRecord, v)
}

// timestampCandidates are searched in order on every record.
var timestampCandidates = []string{
	"updatedAt",
	"updated_at",
	"createdAt",
	"created_at_iso",
}

// kindTimestampCandidates extends the search with fields particular to one
// entity kind, tried after the common candidates.
var kindTimestampCandidates = map[Kind][]string{
	KindEntry:      {"completedAt", "loggedAt"},
	KindReminder:   {"scheduledAt"},
	KindAttachment: {"uploadedAt"},
	KindNote:       {"editedAt"},
}

// LastChanged derives the record's last-changed timestamp. Candidate fields
// are tried in order; the first non-empty value that parses wins. Parse
// failures fall through to the next candidate. If nothing matches, fallback
// is used; a zero fallback yields the current time.
func (r Record) LastChanged(kind Kind, fallback time.Time) time.Time {
	candidates := timestampCandidates
	if extra, ok := kindTimestampCandidates[kind]; ok {
		candidates = append(append([]string{}, candidates...), extra...)
	}
	for _, field := range candidates {
		s, ok := r[field].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := ParseTime(s); err == nil {
			return t
		}
	}
	if fallback.IsZero() {
		return time.Now().UTC()
	}
	return fallback
}

// Tombstone records a remote-side deletion to be propagated locally.
type Tombstone struct {
	Entity    Kind   `json:"entity"`
	ID        string `json:"id"`
	DeletedAt string `json:"deletedAt,omitempty"`
}

// UnmarshalJSON decodes a tombstone, normalizing a numeric id to its decimal
// string form the same way Record.ID does. The backend emits ids as strings
// or numbers; a tombstone must never be the reason a whole pull fails.
func (t *Tombstone) UnmarshalJSON(data []byte) error {
	var raw struct {
		Entity    Kind            `json:"entity"`
		ID        json.RawMessage `json:"id"`
		DeletedAt string          `json:"deletedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tombstone: %w", err)
	}

	t.Entity = raw.Entity
	t.DeletedAt = raw.DeletedAt
	t.ID = ""

	if len(raw.ID) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.ID, &s); err == nil {
		t.ID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.ID, &n); err != nil {
		return fmt.Errorf("tombstone: id %s is neither string nor number", raw.ID)
	}
	t.ID = n.String()
	return nil
}

// AccountScope is the account identity metadata the backend attaches to
// pull, mutate and push responses. When Ambiguous is set the entire write
// path must halt: the authenticated identity maps to more than one possible
// data-owning account and writing under a guessed identity risks corrupting
// someone else's data.
type AccountScope struct {
	AccountID    string   `json:"accountId,omitempty"`
	MemberIDs    []string `json:"memberIds,omitempty"`
	Email        string   `json:"email,omitempty"`
	Consolidated bool     `json:"consolidated,omitempty"`
	Ambiguous    bool     `json:"ambiguous,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}
