// Package daemon provides the host-side scheduler that runs sync cycles on
// an interval.
//
// The engine itself spawns no goroutines and tolerates only one cycle at a
// time; the daemon is the caller that honors that contract. Cycles run
// strictly one after another on a single goroutine - a tick that arrives
// while a cycle is still running is simply the next iteration of the same
// loop, never a concurrent invocation.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cadenceapp/cadence-sync/internal/sync/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to run a sync cycle.
	Interval time.Duration

	// SyncOnStart runs one cycle immediately instead of waiting for the
	// first tick.
	SyncOnStart bool

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:    5 * time.Minute,
		SyncOnStart: true,
		Logger:      log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs engine sync cycles on a schedule until stopped.
type Daemon struct {
	engine *engine.Engine
	config *Config

	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon around an engine.
func New(eng *engine.Engine, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:  eng,
		config:  config,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called. Cycles run on the
// configured interval, plus immediately on TriggerSync.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting sync daemon (interval %v)", d.config.Interval)

	d.wg.Add(1)
	go d.runLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		d.wg.Wait()
		return nil
	}
}

// Stop gracefully shuts down the daemon, waiting for any in-progress cycle.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// TriggerSync requests an immediate cycle (e.g. app foreground, manual
// refresh). Coalesced: triggering during a cycle queues at most one more.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) runLoop() {
	defer d.wg.Done()

	if d.config.SyncOnStart {
		d.runCycle()
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle()
		case <-d.trigger:
			d.runCycle()
		}
	}
}

func (d *Daemon) runCycle() {
	start := time.Now()
	status := d.engine.Sync(d.ctx)
	d.config.Logger.Printf("Cycle: state=%s pulled=%d processed=%d failed=%d (%v)",
		status.State, status.Pulled, status.Processed, status.Failed,
		time.Since(start).Round(time.Millisecond))

	if status.State == engine.StateBlocked {
		d.config.Logger.Printf("Write path blocked: %s", status.Reason)
	}
}
