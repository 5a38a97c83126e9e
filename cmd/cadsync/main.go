// cadsync is the host-side CLI for the Cadence offline sync engine.
//
// It plays the role of the surrounding application: it supplies
// configuration and credentials, schedules sync cycles (one-shot or as a
// daemon), and renders engine state.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/cadenceapp/cadence-sync/internal/config"
	"github.com/cadenceapp/cadence-sync/internal/sync/endpoint"
	"github.com/cadenceapp/cadence-sync/internal/sync/engine"
	"github.com/cadenceapp/cadence-sync/internal/sync/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cadsync",
	Short: "Offline-first sync engine for the Cadence client",
	Long: `cadsync keeps the local Cadence database consistent with the backend
under intermittent connectivity.

Local writes go through a durable outbox and are drained with backoff;
remote changes arrive as full snapshots with tombstones and replace the
local entity tables atomically.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cadsync.yaml, ~/.config/cadsync/cadsync.yaml)")
}

// loadConfig resolves configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openEngine opens the store, installs the schema, and builds an engine.
// The returned cleanup func closes the store.
func openEngine(cfg *config.Config, logger *log.Logger) (*engine.Engine, func()) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}

	if err := st.InstallSchema(); err != nil {
		_ = st.Close()
		fmt.Fprintf(os.Stderr, "Error installing schema: %v\n", err)
		os.Exit(1)
	}

	client := endpoint.NewHTTP(cfg.Endpoint.BaseURL, cfg.TokenFunc(), logger)
	eng := engine.New(st, client, logger)

	return eng, func() { _ = st.Close() }
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
