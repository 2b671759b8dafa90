// Package daemon runs sync cycles in the background: on a fixed interval,
// and sooner when the device database changes on disk.
//
// The file watcher observes the database file (and its WAL sidecar), so
// local writes from any process sharing the database wake the daemon.
// Rapid bursts of writes are debounced into a single cycle.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Syncer runs one full sync cycle.
type Syncer interface {
	Sync(ctx context.Context) error
}

// SyncFunc adapts a plain function to the Syncer interface.
type SyncFunc func(ctx context.Context) error

// Sync implements Syncer.
func (f SyncFunc) Sync(ctx context.Context) error { return f(ctx) }

// Config holds daemon configuration.
type Config struct {
	// Interval between scheduled sync cycles
	Interval time.Duration

	// DebounceInterval is how long to wait after a database change before
	// syncing, batching rapid writes together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync cycles for one device.
type Daemon struct {
	syncer Syncer
	dbPath string
	config *Config

	watcher *fsnotify.Watcher

	dirtyMu  sync.Mutex
	dirtyAt  time.Time
	syncedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon that watches the database at dbPath and runs the
// syncer's cycles.
func New(syncer Syncer, dbPath string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs an initial cycle, then blocks scheduling cycles until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	// Watch the directory: SQLite swaps WAL files in and out, and watching
	// the file directly would break across those renames.
	if err := d.watcher.Add(filepath.Dir(d.dbPath)); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}

	if err := d.runCycle(); err != nil {
		d.config.Logger.Printf("WARNING: initial sync failed: %v", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.scheduleLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// watchFileEvents marks the daemon dirty when the database file changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	base := filepath.Base(d.dbPath)
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// The WAL and SHM sidecars share the database's basename.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) markDirty() {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	// The watcher can deliver events from a cycle's own writes after the
	// cycle already cleared the mark. Anything landing inside the debounce
	// window after a cycle is treated as that echo, not as new work; a
	// genuine write in the window re-marks on its next event or is caught
	// by the scheduled interval.
	if time.Since(d.syncedAt) < d.config.DebounceInterval {
		return
	}
	d.dirtyAt = time.Now()
}

// takeDirty reports whether a change is past its debounce window, clearing
// the mark if so.
func (d *Daemon) takeDirty() bool {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	if d.dirtyAt.IsZero() || time.Since(d.dirtyAt) < d.config.DebounceInterval {
		return false
	}
	d.dirtyAt = time.Time{}
	return true
}

// scheduleLoop fires cycles on the configured interval, and earlier when a
// debounced database change is pending.
func (d *Daemon) scheduleLoop() {
	defer d.wg.Done()

	interval := time.NewTicker(d.config.Interval)
	defer interval.Stop()

	poll := time.NewTicker(d.config.DebounceInterval)
	defer poll.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-interval.C:
			if err := d.runCycle(); err != nil {
				d.config.Logger.Printf("WARNING: scheduled sync failed: %v", err)
			}

		case <-poll.C:
			if !d.takeDirty() {
				continue
			}
			if err := d.runCycle(); err != nil {
				d.config.Logger.Printf("WARNING: change-triggered sync failed: %v", err)
			}
		}
	}
}

func (d *Daemon) runCycle() error {
	ctx, cancel := context.WithTimeout(d.ctx, 2*time.Minute)
	defer cancel()
	// A cycle writes the local database, which re-marks the daemon dirty
	// through the watcher. Clear the mark and record when the cycle ended
	// so late-delivered events from its own writes are not chased either.
	err := d.syncer.Sync(ctx)
	d.dirtyMu.Lock()
	d.dirtyAt = time.Time{}
	d.syncedAt = time.Now()
	d.dirtyMu.Unlock()
	return err
}
