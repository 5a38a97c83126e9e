// Package pull fetches the backend's full snapshot plus tombstones and
// applies it to the local store atomically.
//
// The snapshot is authoritative: applying it is a full replacement of every
// entity table, not a merge. Tombstones are applied first within the same
// transaction, so if a tombstoned id reappears in the snapshot arrays the
// snapshot row survives. Partial application is forbidden: any failure rolls
// the whole transaction back, leaving local tables exactly as before.
package pull

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cadenceapp/cadence-sync/internal/sync/endpoint"
	"github.com/cadenceapp/cadence-sync/internal/sync/record"
	"github.com/cadenceapp/cadence-sync/internal/sync/store"
)

// Result is the outcome of one pull, returned regardless of account-scope
// ambiguity; it is the orchestrator's job to inspect AccountScope and refuse
// to proceed to drains.
type Result struct {
	Snapshot        map[record.Kind][]json.RawMessage
	Tombstones      []record.Tombstone
	AccountScope    *record.AccountScope
	ServerTimestamp time.Time
}

// Ambiguous reports whether the pull's account scope is ambiguous.
func (r *Result) Ambiguous() bool {
	return r.AccountScope != nil && r.AccountScope.Ambiguous
}

// Reconciler pulls from the backend and reconciles the local store.
type Reconciler struct {
	store  *store.Store
	client endpoint.Client
	logger *log.Logger

	now func() time.Time
}

// New creates a reconciler. If logger is nil, a default logger writing to
// stderr is used.
func New(st *store.Store, client endpoint.Client, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	return &Reconciler{
		store:  st,
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Pull fetches a snapshot from the backend and applies it in one
// transaction: every tombstone first, then a full table replacement per
// entity kind, with the server timestamp as the fallback for rows without a
// usable timestamp field.
func (r *Reconciler) Pull(ctx context.Context) (*Result, error) {
	resp, err := r.client.Pull(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	result := &Result{
		Snapshot:     resp.Snapshot,
		Tombstones:   resp.Tombstones,
		AccountScope: resp.AccountScope,
	}
	if resp.ServerTimestamp != "" {
		ts, err := record.ParseTime(resp.ServerTimestamp)
		if err != nil {
			r.logger.Printf("Warning: unparseable server timestamp %q", resp.ServerTimestamp)
		} else {
			result.ServerTimestamp = ts
		}
	}

	if err := r.apply(ctx, result); err != nil {
		return nil, err
	}

	total := 0
	for _, rows := range result.Snapshot {
		total += len(rows)
	}
	r.logger.Printf("Pull applied: %d rows, %d tombstones", total, len(result.Tombstones))

	return result, nil
}

// apply writes the pull result into the store atomically.
func (r *Reconciler) apply(ctx context.Context, result *Result) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, ts := range result.Tombstones {
			if !ts.Entity.Valid() {
				r.logger.Printf("Warning: tombstone for unknown entity kind %q, skipping", ts.Entity)
				continue
			}
			if err := r.store.DeleteTombstonedTx(ctx, tx, ts.Entity, ts.ID); err != nil {
				return err
			}
		}

		// A kind absent from the snapshot is an empty snapshot for that
		// kind: the table is cleared. The remote is the sole source of
		// truth for entity tables.
		for _, kind := range record.Kinds() {
			if err := r.store.ReplaceEntityTableTx(ctx, tx, kind, result.Snapshot[kind], result.ServerTimestamp); err != nil {
				return err
			}
		}

		if err := r.store.SetMetadataTx(ctx, tx, store.MetaLastPullAt, record.FormatTime(r.now())); err != nil {
			return err
		}
		if !result.ServerTimestamp.IsZero() {
			if err := r.store.SetMetadataTx(ctx, tx, store.MetaServerTimestamp, record.FormatTime(result.ServerTimestamp)); err != nil {
				return err
			}
		}
		if result.AccountScope != nil {
			scope, err := json.Marshal(result.AccountScope)
			if err != nil {
				return fmt.Errorf("failed to encode account scope: %w", err)
			}
			if err := r.store.SetMetadataTx(ctx, tx, store.MetaAccountScope, string(scope)); err != nil {
				return err
			}
		}

		return nil
	})
}
