// Package engine sequences pull and drain operations into sync cycles and
// computes the user-facing sync state.
//
// A cycle is: pull → drain → (fresh pull + drain, if the backend signalled
// the local view was stale) → ready. Account-scope ambiguity at any step
// blocks the cycle; any error fails it. The engine spawns no goroutines of
// its own and must be invoked by the host application's scheduling; the
// caller is responsible for never running two cycles concurrently.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cadenceapp/cadence-sync/internal/sync/endpoint"
	"github.com/cadenceapp/cadence-sync/internal/sync/outbox"
	"github.com/cadenceapp/cadence-sync/internal/sync/pull"
	"github.com/cadenceapp/cadence-sync/internal/sync/record"
	"github.com/cadenceapp/cadence-sync/internal/sync/store"
)

// State is the user-facing outcome of the most recent sync cycle.
type State string

const (
	// StateIdle means no cycle has run yet.
	StateIdle State = "idle"

	// StateReady means the last cycle completed: local state matches the
	// backend and the outbox drained as far as the backoff schedule allows.
	StateReady State = "ready"

	// StateBlocked means the write path is halted on account-scope
	// ambiguity and needs out-of-band resolution.
	StateBlocked State = "blocked"

	// StateFailed means the last cycle hit an error.
	StateFailed State = "failed"
)

// Status describes the outcome of a sync cycle.
type Status struct {
	State       State
	CompletedAt time.Time
	Reason      string // block reason or error description
	Pulled      int    // snapshot rows applied (last successful pull)
	Processed   int    // outbox items acknowledged across the cycle's drains
	Failed      int    // outbox items that ended the cycle failed
}

// defaultMaxBatch bounds how many outbox items one cycle may send.
const defaultMaxBatch = 250

// Engine owns one installation's sync machinery. Construct it explicitly
// and pass it where it's needed; there is no ambient shared instance.
type Engine struct {
	store      *store.Store
	outbox     *outbox.Manager
	reconciler *pull.Reconciler
	client     endpoint.Client
	logger     *log.Logger
	maxBatch   int

	mu      sync.Mutex
	last    Status
	onCycle func(Status)
}

// New creates an engine over an opened store and endpoint client.
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, client endpoint.Client, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:      st,
		outbox:     outbox.New(st, client, logger),
		reconciler: pull.New(st, client, logger),
		client:     client,
		logger:     logger,
		maxBatch:   defaultMaxBatch,
		last:       Status{State: StateIdle},
	}
}

// Outbox exposes the engine's outbox manager for enqueueing local mutations
// and inspecting the queue.
func (e *Engine) Outbox() *outbox.Manager {
	return e.outbox
}

// Store exposes the engine's local store for read-only inspection.
func (e *Engine) Store() *store.Store {
	return e.store
}

// OnCycle registers a callback invoked with the status after every cycle.
// Must be set before the first Sync call.
func (e *Engine) OnCycle(fn func(Status)) {
	e.onCycle = fn
}

// Status returns the outcome of the most recent cycle.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Sync runs one full cycle and returns its status. Errors are folded into
// the status (StateFailed with the error description) rather than crashing
// the host; callers that need the raw error can inspect Reason.
func (e *Engine) Sync(ctx context.Context) Status {
	status := e.runCycle(ctx)
	status.CompletedAt = time.Now().UTC()

	e.mu.Lock()
	e.last = status
	e.mu.Unlock()

	if e.onCycle != nil {
		e.onCycle(status)
	}

	e.logger.Printf("Sync cycle finished: state=%s processed=%d failed=%d", status.State, status.Processed, status.Failed)
	return status
}

func (e *Engine) runCycle(ctx context.Context) Status {
	var status Status

	pr, err := e.reconciler.Pull(ctx)
	if err != nil {
		return failedStatus(err)
	}
	status.Pulled = countRows(pr)
	if pr.Ambiguous() {
		return blockedStatus(pr.AccountScope)
	}

	dr, err := e.outbox.PushPending(ctx, e.maxBatch)
	if err != nil {
		return failedStatus(err)
	}
	status.Processed += dr.Processed
	status.Failed += dr.Failed

	// Ambiguity halts the write path before anything else. A single drain can
	// report both flags (a stale ack followed by an ambiguous verdict); the
	// fresh pull must not run, because its drain would send further mutations
	// under an uncertain account identity.
	if dr.AccountScopeAmbiguous {
		status2 := blockedStatus(nil)
		status2.Pulled = status.Pulled
		status2.Processed, status2.Failed = status.Processed, status.Failed
		return status2
	}

	if dr.RequiresFreshPull {
		pr, err = e.reconciler.Pull(ctx)
		if err != nil {
			return failedStatus(err)
		}
		status.Pulled = countRows(pr)
		if pr.Ambiguous() {
			status2 := blockedStatus(pr.AccountScope)
			status2.Processed, status2.Failed = status.Processed, status.Failed
			return status2
		}

		dr, err = e.outbox.PushPending(ctx, e.maxBatch)
		if err != nil {
			return failedStatus(err)
		}
		status.Processed += dr.Processed
		status.Failed += dr.Failed
	}

	if dr.AccountScopeAmbiguous {
		status2 := blockedStatus(nil)
		status2.Pulled = status.Pulled
		status2.Processed, status2.Failed = status.Processed, status.Failed
		return status2
	}

	status.State = StateReady
	return status
}

// PushSnapshot reads every entity table and uploads the complete local
// state. Refuses to report success if the backend signals account-scope
// ambiguity: pushing under an uncertain identity is a write like any other.
func (e *Engine) PushSnapshot(ctx context.Context, replace bool) (*endpoint.PushResponse, error) {
	req := endpoint.PushRequest{
		Snapshot: make(map[record.Kind][]json.RawMessage, len(record.Kinds())),
		Replace:  replace,
	}
	for _, kind := range record.Kinds() {
		rows, err := e.store.EntityRows(ctx, kind)
		if err != nil {
			return nil, err
		}
		req.Snapshot[kind] = rows
	}

	resp, err := e.client.Push(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}
	if resp.ErrorCode == endpoint.ErrorCodeAccountScopeAmbiguous ||
		(resp.AccountScope != nil && resp.AccountScope.Ambiguous) {
		return resp, record.ErrAccountScopeAmbiguous
	}
	if !resp.OK {
		return resp, fmt.Errorf("push rejected with status %d: %s", resp.Status, resp.Error)
	}
	return resp, nil
}

// Logout clears every local table so no data leaks across accounts, and
// asks the backend to drop the device session. The remote clear is
// best-effort: its failure is logged, never returned.
func (e *Engine) Logout(ctx context.Context) error {
	if sc, ok := e.client.(endpoint.SessionClearer); ok {
		if err := sc.ClearSession(ctx); err != nil {
			e.logger.Printf("Warning: remote session clear failed: %v", err)
		}
	}

	if err := e.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	e.mu.Lock()
	e.last = Status{State: StateIdle}
	e.mu.Unlock()

	e.logger.Printf("Local store cleared for account switch")
	return nil
}

func failedStatus(err error) Status {
	return Status{State: StateFailed, Reason: err.Error()}
}

func blockedStatus(scope *record.AccountScope) Status {
	reason := "account scope ambiguous"
	if scope != nil && scope.Reason != "" {
		reason = fmt.Sprintf("account scope ambiguous: %s", scope.Reason)
	}
	return Status{State: StateBlocked, Reason: reason}
}

func countRows(pr *pull.Result) int {
	total := 0
	for _, rows := range pr.Snapshot {
		total += len(rows)
	}
	return total
}
