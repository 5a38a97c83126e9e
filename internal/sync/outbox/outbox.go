// Package outbox implements the durable queue of locally-originated
// mutations and the drain loop that sends them to the backend.
//
// Lifecycle of an outbox item:
//
//	enqueue            → pending   (attempts=0, nextAttemptAt=now)
//	picked for sending → in_flight (durable, so a crash mid-send leaves evidence)
//	acknowledged       → row deleted (success and stale-ack both delete;
//	                     there is no "succeeded" status)
//	rejected           → failed    (attempts+1, backoff pushes nextAttemptAt)
//	stuck in_flight    → failed    (staleness reset with a synthetic timeout error)
//
// The drain is strictly sequential, oldest-first, one item in flight at a
// time. After any ordinary failure the drain stops for this invocation
// rather than working through the rest of the batch; the caller retries
// later on the backoff schedule.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cadenceapp/cadence-sync/internal/sync/endpoint"
	"github.com/cadenceapp/cadence-sync/internal/sync/record"
	"github.com/cadenceapp/cadence-sync/internal/sync/store"
)

// Op is the mutation operation carried by an outbox item.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known mutation operation.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the durable state of an outbox item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
)

// Item is one durable outbox row.
type Item struct {
	ID               string
	ClientMutationID string
	Entity           record.Kind
	Op               Op
	RecordID         string
	Payload          json.RawMessage
	Status           Status
	Attempts         int
	LastError        string
	NextAttemptAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DrainResult summarizes one PushPending invocation.
type DrainResult struct {
	Processed             int
	Failed                int
	RequiresFreshPull     bool
	AccountScopeAmbiguous bool
}

// Backoff is the retry delay after the given number of attempts:
// min(30s, 400ms * 2^attempts).
func Backoff(attempts int) time.Duration {
	const (
		base     = 400 * time.Millisecond
		maxDelay = 30 * time.Second
	)
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		return maxDelay
	}
	d := base * (1 << uint(attempts))
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// timedOutError is the synthetic error assigned to reclaimed in-flight rows.
const timedOutError = "Timed out while in flight."

// staleInFlightMaxAge is how long an in_flight row may sit before the next
// drain reclaims it. Long enough for any plausible request timeout, short
// enough that a crashed drain doesn't wedge the queue.
const staleInFlightMaxAge = 45 * time.Second

// Manager queues mutations and drains them against the backend.
type Manager struct {
	store  *store.Store
	client endpoint.Client
	logger *log.Logger

	now func() time.Time
}

// New creates an outbox manager. The store must have its schema installed.
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, client endpoint.Client, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Manager{
		store:  st,
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts a pending mutation and returns the created item.
//
// clientMutationID is the idempotency key; pass "" to have one generated.
// Enqueueing the same clientMutationID twice is a no-op: the insert is
// ignored on conflict and the original row is returned. Enqueue never
// touches the network.
func (m *Manager) Enqueue(ctx context.Context, kind record.Kind, op Op, recordID string, payload json.RawMessage, clientMutationID string) (*Item, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if !op.Valid() {
		return nil, fmt.Errorf("unknown mutation op %q", op)
	}
	if clientMutationID == "" {
		clientMutationID = uuid.NewString()
	}

	now := record.FormatTime(m.now())
	var payloadArg sql.NullString
	if len(payload) > 0 {
		payloadArg = sql.NullString{String: string(payload), Valid: true}
	}

	query := `
	INSERT INTO outbox (
		id, client_mutation_id, entity, op, record_id, payload_json,
		status, attempts, next_attempt_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	ON CONFLICT(client_mutation_id) DO NOTHING
	`

	_, err := m.store.DB().ExecContext(ctx, query,
		uuid.NewString(), clientMutationID, string(kind), string(op), recordID,
		payloadArg, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	item, err := m.getByClientMutationID(ctx, clientMutationID)
	if err != nil {
		return nil, err
	}

	m.logger.Printf("Enqueued %s %s %s (mutation %s)", op, kind, recordID, clientMutationID)
	return item, nil
}

// List returns outbox items ordered by creation time ascending.
// The limit is clamped to at least 1.
func (m *Manager) List(ctx context.Context, limit int) ([]*Item, error) {
	if limit < 1 {
		limit = 1
	}

	rows, err := m.store.DB().QueryContext(ctx, selectItemColumns+`
		FROM outbox ORDER BY created_at ASC, rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return items, nil
}

// Count returns the number of items currently in the outbox.
func (m *Manager) Count(ctx context.Context) (int, error) {
	var count int
	if err := m.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

// PushPending drains up to maxBatch eligible items against the backend.
//
// Items are sent strictly oldest-first, one at a time. Each item is marked
// in_flight before its request goes out. A successful or stale-acknowledged
// mutation deletes the row. Any other rejection marks the item failed with
// backoff and STOPS this drain; ambiguity additionally sets the result flag
// so the caller halts the whole write path.
//
// A transport error during Mutate propagates out of PushPending with the
// current item left in_flight: the mutation may have been applied
// server-side, so it must not be resubmitted without evidence of
// non-delivery. The staleness reset reclaims it on a later drain.
func (m *Manager) PushPending(ctx context.Context, maxBatch int) (*DrainResult, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}

	if _, err := m.ResetStaleInFlight(ctx, staleInFlightMaxAge); err != nil {
		return nil, err
	}

	res := &DrainResult{}
	for i := 0; i < maxBatch; i++ {
		item, err := m.nextEligible(ctx)
		if err != nil {
			return res, err
		}
		if item == nil {
			break // queue drained; normal termination
		}

		if err := m.markInFlight(ctx, item.ID); err != nil {
			return res, err
		}

		req := endpoint.MutationRequest{
			ClientMutationID: item.ClientMutationID,
			Entity:           item.Entity,
			Op:               string(item.Op),
			ID:               item.RecordID,
			Payload:          item.Payload,
			ClientTimestamp:  record.FormatTime(item.CreatedAt),
		}

		resp, err := m.client.Mutate(ctx, req)
		if err != nil {
			// Deliberately leave the row in_flight; see function comment.
			return res, fmt.Errorf("mutate %s %s %s: %w", item.Op, item.Entity, item.RecordID, err)
		}

		switch {
		case resp.OK:
			if err := m.deleteItem(ctx, item.ID); err != nil {
				return res, err
			}
			res.Processed++

		case resp.ErrorCode == endpoint.ErrorCodeStaleMutation:
			// The backend already has a newer version: acknowledged, not
			// retried. The local view is stale, so a fresh pull is needed
			// before further mutations mean anything.
			if err := m.deleteItem(ctx, item.ID); err != nil {
				return res, err
			}
			res.Processed++
			res.RequiresFreshPull = true
			m.logger.Printf("Stale mutation %s acknowledged, fresh pull required", item.ClientMutationID)

		default:
			if err := m.markFailed(ctx, item, resp); err != nil {
				return res, err
			}
			res.Failed++
			if resp.Ambiguous() {
				res.AccountScopeAmbiguous = true
				m.logger.Printf("Account scope ambiguous, halting drain")
				return res, nil
			}
			// One failing item per drain invocation; the caller retries
			// later per the backoff schedule instead of hammering the
			// endpoint with the rest of the batch.
			return res, nil
		}
	}

	return res, nil
}

// ResetStaleInFlight forces any in_flight row older than maxAge back to
// failed, immediately retryable, with a synthetic timeout error if it had
// none. This reclaims items abandoned by a crashed or interrupted drain.
// Returns the number of rows reclaimed.
func (m *Manager) ResetStaleInFlight(ctx context.Context, maxAge time.Duration) (int, error) {
	now := m.now()
	cutoff := record.FormatTime(now.Add(-maxAge))

	query := `
	UPDATE outbox SET
		status = 'failed',
		last_error = CASE
			WHEN last_error IS NULL OR last_error = '' THEN ?
			ELSE last_error
		END,
		next_attempt_at = ?,
		updated_at = ?
	WHERE status = 'in_flight' AND updated_at < ?
	`

	result, err := m.store.DB().ExecContext(ctx, query,
		timedOutError, record.FormatTime(now), record.FormatTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale in-flight mutations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed mutations: %w", err)
	}
	if n > 0 {
		m.logger.Printf("Reclaimed %d stale in-flight mutation(s)", n)
	}
	return int(n), nil
}

// nextEligible selects the single oldest pending or failed item whose
// next attempt is due. Returns nil when the queue has nothing to send.
func (m *Manager) nextEligible(ctx context.Context) (*Item, error) {
	row := m.store.DB().QueryRowContext(ctx, selectItemColumns+`
		FROM outbox
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`, record.FormatTime(m.now()))

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (m *Manager) markInFlight(ctx context.Context, id string) error {
	_, err := m.store.DB().ExecContext(ctx,
		"UPDATE outbox SET status = 'in_flight', updated_at = ? WHERE id = ?",
		record.FormatTime(m.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation in flight: %w", err)
	}
	return nil
}

func (m *Manager) markFailed(ctx context.Context, item *Item, resp *endpoint.MutationResponse) error {
	attempts := item.Attempts + 1
	now := m.now()
	next := now.Add(Backoff(attempts))

	lastError := resp.Error
	if lastError == "" {
		if resp.ErrorCode != "" {
			lastError = resp.ErrorCode
		} else {
			lastError = fmt.Sprintf("mutation rejected with status %d", resp.Status)
		}
	}

	_, err := m.store.DB().ExecContext(ctx, `
		UPDATE outbox SET
			status = 'failed',
			attempts = ?,
			last_error = ?,
			next_attempt_at = ?,
			updated_at = ?
		WHERE id = ?`,
		attempts, lastError, record.FormatTime(next), record.FormatTime(now), item.ID)
	if err != nil {
		return fmt.Errorf("failed to mark mutation failed: %w", err)
	}

	m.logger.Printf("Mutation %s failed (attempt %d): %s", item.ClientMutationID, attempts, lastError)
	return nil
}

func (m *Manager) deleteItem(ctx context.Context, id string) error {
	if _, err := m.store.DB().ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete outbox item: %w", err)
	}
	return nil
}

func (m *Manager) getByClientMutationID(ctx context.Context, clientMutationID string) (*Item, error) {
	row := m.store.DB().QueryRowContext(ctx, selectItemColumns+`
		FROM outbox WHERE client_mutation_id = ?`, clientMutationID)

	item, err := scanItem(row)
	if err != nil {
		return nil, err
	}
	return item, nil
}

const selectItemColumns = `
	SELECT id, client_mutation_id, entity, op, record_id, payload_json,
	       status, attempts, last_error, next_attempt_at, created_at, updated_at`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var entity, op, status string
	var payload, lastError sql.NullString
	var nextAttemptAt, createdAt, updatedAt string

	err := row.Scan(
		&item.ID,
		&item.ClientMutationID,
		&entity,
		&op,
		&item.RecordID,
		&payload,
		&status,
		&item.Attempts,
		&lastError,
		&nextAttemptAt,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox item: %w", err)
	}

	item.Entity = record.Kind(entity)
	item.Op = Op(op)
	item.Status = Status(status)
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}

	if item.NextAttemptAt, err = record.ParseTime(nextAttemptAt); err != nil {
		return nil, fmt.Errorf("outbox item %s: %w", item.ID, err)
	}
	if item.CreatedAt, err = record.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("outbox item %s: %w", item.ID, err)
	}
	if item.UpdatedAt, err = record.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("outbox item %s: %w", item.ID, err)
	}

	return &item, nil
}
