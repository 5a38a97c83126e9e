package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadenceapp/cadence-sync/internal/sync/engine"
	"github.com/cadenceapp/cadence-sync/internal/sync/record"
	"github.com/cadenceapp/cadence-sync/internal/sync/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Run a single sync cycle against the backend:

  1. Pull the full snapshot plus tombstones and apply it atomically
  2. Drain the outbox (oldest first, backoff-governed)
  3. Pull and drain again if the backend signalled a stale local view`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng, cleanup := openEngine(cfg, nil)
		defer cleanup()

		start := time.Now()
		status := eng.Sync(context.Background())
		elapsed := time.Since(start).Round(time.Millisecond)

		switch status.State {
		case engine.StateReady:
			fmt.Printf("Sync complete in %v\n", elapsed)
			fmt.Printf("   Pulled:    %d rows\n", status.Pulled)
			fmt.Printf("   Processed: %d mutations\n", status.Processed)
			if status.Failed > 0 {
				fmt.Printf("   Failed:    %d mutations (will retry with backoff)\n", status.Failed)
			}
		case engine.StateBlocked:
			fmt.Fprintf(os.Stderr, "Sync blocked: %s\n", status.Reason)
			fmt.Fprintf(os.Stderr, "Local writes are halted until the account scope is resolved.\n")
			os.Exit(2)
		default:
			fmt.Fprintf(os.Stderr, "Sync failed: %s\n", status.Reason)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display the local database contents and outbox depth.

Shows per-entity row counts, queued mutations, and the last pull metadata.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng, cleanup := openEngine(cfg, nil)
		defer cleanup()

		ctx := context.Background()
		st := eng.Store()

		fmt.Printf("Database: %s\n\n", st.Path())

		total := 0
		for _, kind := range record.Kinds() {
			count, err := st.EntityCount(ctx, kind)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", kind.TableName(), err)
				os.Exit(1)
			}
			fmt.Printf("   %-12s %d\n", kind.TableName(), count)
			total += count
		}
		fmt.Printf("   %-12s %d\n\n", "total", total)

		depth, err := eng.Outbox().Count(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting outbox: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Outbox: %d queued mutation(s)\n", depth)

		if lastPull, _ := st.GetMetadata(ctx, store.MetaLastPullAt); lastPull != "" {
			fmt.Printf("Last pull: %s\n", lastPull)
		}
		if serverTS, _ := st.GetMetadata(ctx, store.MetaServerTimestamp); serverTS != "" {
			fmt.Printf("Server timestamp: %s\n", serverTS)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
