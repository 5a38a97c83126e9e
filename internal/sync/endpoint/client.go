// Package endpoint is the boundary to the Cadence backend: three JSON
// operations (pull, mutate, push-snapshot) over an authenticated transport.
//
// Transport failures are opaque errors; application-level outcomes travel
// in the response structs, including the error codes the engine recognizes.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cadenceapp/cadence-sync/internal/sync/record"
)

// Error codes the backend reports. Matched verbatim, case-sensitive.
const (
	// ErrorCodeStaleMutation rejects a write because the client's view of
	// the record is out of date. Acknowledged, not retried.
	ErrorCodeStaleMutation = "STALE_MUTATION"

	// ErrorCodeAccountScopeAmbiguous refuses a write because the
	// authenticated identity maps to multiple possible accounts.
	ErrorCodeAccountScopeAmbiguous = "ACCOUNT_SCOPE_AMBIGUOUS"
)

// ErrNotConfigured is returned immediately, without touching the store or
// the network, when no endpoint base URL has been supplied.
var ErrNotConfigured = errors.New("sync endpoint not configured")

// Client performs the three remote sync operations.
type Client interface {
	// Pull fetches the full snapshot plus tombstones.
	Pull(ctx context.Context) (*PullResponse, error)

	// Mutate sends one locally-originated mutation.
	Mutate(ctx context.Context, req MutationRequest) (*MutationResponse, error)

	// Push uploads the full local snapshot.
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
}

// SessionClearer is implemented by clients that can ask the backend to drop
// the device session. Used best-effort during logout.
type SessionClearer interface {
	ClearSession(ctx context.Context) error
}

// PullResponse is the wire shape of a pull: one array per entity kind keyed
// by table name at the top level, plus tombstones, account scope, and the
// server's timestamp.
type PullResponse struct {
	Snapshot        map[record.Kind][]json.RawMessage
	Tombstones      []record.Tombstone
	AccountScope    *record.AccountScope
	ServerTimestamp string
}

// UnmarshalJSON decodes the flat wire object, picking out the known entity
// arrays and leaving unknown keys alone (forward compatibility with kinds
// this client doesn't know yet).
func (p *PullResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("pull response: %w", err)
	}

	p.Snapshot = make(map[record.Kind][]json.RawMessage)
	for _, kind := range record.Kinds() {
		arr, ok := raw[kind.TableName()]
		if !ok {
			continue
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(arr, &rows); err != nil {
			return fmt.Errorf("pull response %s: %w", kind.TableName(), err)
		}
		p.Snapshot[kind] = rows
	}

	if ts, ok := raw["tombstones"]; ok {
		if err := json.Unmarshal(ts, &p.Tombstones); err != nil {
			return fmt.Errorf("pull response tombstones: %w", err)
		}
	}
	if sc, ok := raw["accountScope"]; ok {
		if err := json.Unmarshal(sc, &p.AccountScope); err != nil {
			return fmt.Errorf("pull response account scope: %w", err)
		}
	}
	if st, ok := raw["serverTimestamp"]; ok {
		if err := json.Unmarshal(st, &p.ServerTimestamp); err != nil {
			return fmt.Errorf("pull response server timestamp: %w", err)
		}
	}

	return nil
}

// MarshalJSON renders the flat wire object (used by test servers and the
// push path's snapshot echo).
func (p *PullResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Snapshot)+3)
	for kind, rows := range p.Snapshot {
		out[kind.TableName()] = rows
	}
	if len(p.Tombstones) > 0 {
		out["tombstones"] = p.Tombstones
	}
	if p.AccountScope != nil {
		out["accountScope"] = p.AccountScope
	}
	if p.ServerTimestamp != "" {
		out["serverTimestamp"] = p.ServerTimestamp
	}
	return json.Marshal(out)
}

// MutationRequest is one locally-originated write.
type MutationRequest struct {
	ClientMutationID string          `json:"clientMutationId"`
	Entity           record.Kind     `json:"entity"`
	Op               string          `json:"op"`
	ID               string          `json:"id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp  string          `json:"clientTimestamp"`
}

// MutationResponse is the backend's verdict on one mutation.
type MutationResponse struct {
	OK           bool                 `json:"ok"`
	Status       int                  `json:"status"`
	ErrorCode    string               `json:"errorCode,omitempty"`
	Error        string               `json:"error,omitempty"`
	AccountScope *record.AccountScope `json:"accountScope,omitempty"`
	AppliedAt    string               `json:"appliedAt,omitempty"`
}

// Ambiguous reports whether the response signals account-scope ambiguity,
// via either the error code or the scope metadata itself.
func (m *MutationResponse) Ambiguous() bool {
	if m.ErrorCode == ErrorCodeAccountScopeAmbiguous {
		return true
	}
	return m.AccountScope != nil && m.AccountScope.Ambiguous
}

// PushRequest uploads the complete local state.
type PushRequest struct {
	Snapshot map[record.Kind][]json.RawMessage
	Replace  bool
}

// MarshalJSON renders the snapshot arrays flat at the top level, matching
// the pull wire shape, with the replace flag alongside.
func (p PushRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Snapshot)+1)
	for kind, rows := range p.Snapshot {
		out[kind.TableName()] = rows
	}
	out["replace"] = p.Replace
	return json.Marshal(out)
}

// PushResponse is the backend's verdict on a snapshot push.
type PushResponse struct {
	OK               bool                 `json:"ok"`
	Status           int                  `json:"status"`
	ErrorCode        string               `json:"errorCode,omitempty"`
	Error            string               `json:"error,omitempty"`
	ReplaceRequested bool                 `json:"replaceRequested,omitempty"`
	Mode             string               `json:"mode,omitempty"`
	AccountScope     *record.AccountScope `json:"accountScope,omitempty"`
}
