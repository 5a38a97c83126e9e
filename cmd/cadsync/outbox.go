package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cadenceapp/cadence-sync/internal/sync/outbox"
	"github.com/cadenceapp/cadence-sync/internal/sync/record"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage the mutation outbox",
}

var outboxListLimit int

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng, cleanup := openEngine(cfg, nil)
		defer cleanup()

		items, err := eng.Outbox().List(context.Background(), outboxListLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing outbox: %v\n", err)
			os.Exit(1)
		}

		if len(items) == 0 {
			fmt.Println("Outbox is empty")
			return
		}

		for _, item := range items {
			fmt.Printf("%s  %-9s %-7s %-12s %s  attempts=%d",
				item.CreatedAt.Format("2006-01-02 15:04:05"),
				item.Status, item.Op, item.Entity, item.RecordID, item.Attempts)
			if item.LastError != "" {
				fmt.Printf("  last_error=%q", item.LastError)
			}
			fmt.Println()
		}
	},
}

var (
	enqueueOp         string
	enqueuePayload    string
	enqueueMutationID string
)

var outboxEnqueueCmd = &cobra.Command{
	Use:   "enqueue <entity> <record-id>",
	Short: "Queue a local mutation for the next drain",
	Long: `Queue a mutation without touching the network.

The payload, if any, is an arbitrary JSON object. Re-running with the same
--mutation-id is a no-op (idempotent enqueue).`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind := record.Kind(args[0])
		if !kind.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown entity kind %q\n", args[0])
			os.Exit(1)
		}

		var payload json.RawMessage
		if enqueuePayload != "" {
			if !json.Valid([]byte(enqueuePayload)) {
				fmt.Fprintf(os.Stderr, "Error: payload is not valid JSON\n")
				os.Exit(1)
			}
			payload = json.RawMessage(enqueuePayload)
		}

		cfg := loadConfig()
		eng, cleanup := openEngine(cfg, nil)
		defer cleanup()

		item, err := eng.Outbox().Enqueue(context.Background(),
			kind, outbox.Op(enqueueOp), args[1], payload, enqueueMutationID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enqueueing mutation: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Queued %s %s %s (mutation %s)\n", item.Op, item.Entity, item.RecordID, item.ClientMutationID)
	},
}

func init() {
	outboxListCmd.Flags().IntVar(&outboxListLimit, "limit", 50, "maximum items to list")
	outboxEnqueueCmd.Flags().StringVar(&enqueueOp, "op", "update", "mutation op: create, update, delete")
	outboxEnqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	outboxEnqueueCmd.Flags().StringVar(&enqueueMutationID, "mutation-id", "", "client mutation id (generated if empty)")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxEnqueueCmd)
	rootCmd.AddCommand(outboxCmd)
}
