package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cadenceapp/cadence-sync/internal/config"
	"github.com/cadenceapp/cadence-sync/internal/sync/daemon"
	"github.com/cadenceapp/cadence-sync/internal/sync/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run sync cycles on an interval until interrupted",
	Long: `Run the sync engine as a long-lived process.

Cycles run on the configured interval (sync.interval), strictly one at a
time. With dashboard.enabled, a local HTTP + WebSocket server reports each
cycle's outcome in real time.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := daemonLogger(cfg)
		eng, cleanup := openEngine(cfg, logger)
		defer cleanup()

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(eng, &dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = dash.Stop() }()

			eng.OnCycle(dash.PublishCycle)
		}

		d, err := daemon.New(eng, &daemon.Config{
			Interval:    cfg.Sync.Interval,
			SyncOnStart: true,
			Logger:      logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

// daemonLogger builds the daemon's logger, rotating the log file when one
// is configured.
func daemonLogger(cfg *config.Config) *log.Logger {
	if cfg.Log.File == "" {
		return log.New(os.Stderr, "[cadsync] ", log.LstdFlags)
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}

	return log.New(io.MultiWriter(os.Stderr, rotated), "[cadsync] ", log.LstdFlags)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
