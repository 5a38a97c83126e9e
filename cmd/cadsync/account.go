package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cadenceapp/cadence-sync/internal/sync/record"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear all local data for an account switch",
	Long: `Truncate every entity table, the outbox, and sync metadata.

Run this before signing in with a different account so no data leaks
across accounts. The backend session is cleared best-effort; local
clearing proceeds even when the backend is unreachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng, cleanup := openEngine(cfg, nil)
		defer cleanup()

		if err := eng.Logout(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing local data: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Local data cleared")
	},
}

var pushReplace bool

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the complete local snapshot to the backend",
	Long: `Read every entity table and push the full local state.

With --replace the backend is asked to replace its state with the
snapshot; without it the backend decides how to merge.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng, cleanup := openEngine(cfg, nil)
		defer cleanup()

		resp, err := eng.PushSnapshot(context.Background(), pushReplace)
		if errors.Is(err, record.ErrAccountScopeAmbiguous) {
			fmt.Fprintf(os.Stderr, "Push refused: account scope ambiguous\n")
			os.Exit(2)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pushing snapshot: %v\n", err)
			os.Exit(1)
		}

		mode := resp.Mode
		if mode == "" {
			mode = "default"
		}
		fmt.Printf("Push accepted (mode=%s, replace=%v)\n", mode, resp.ReplaceRequested)
	},
}

func init() {
	pushCmd.Flags().BoolVar(&pushReplace, "replace", false, "ask the backend to replace its state with this snapshot")

	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(pushCmd)
}
