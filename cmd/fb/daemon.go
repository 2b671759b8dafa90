package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldbooks/fieldbooks/internal/daemon"
)

var daemonInterval time.Duration

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync continuously in the background",
	Long: `Run the sync daemon: a cycle on every interval tick, plus an earlier
cycle shortly after the local database changes on disk. Stops cleanly on
SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0,
		"override the configured sync interval (e.g. 30s, 5m)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()

	cfg := daemon.DefaultConfig()
	cfg.Logger = s.cfg.NewLogger("[daemon] ")
	if s.cfg.SyncInterval > 0 {
		cfg.Interval = s.cfg.SyncInterval
	}
	if daemonInterval > 0 {
		cfg.Interval = daemonInterval
	}

	syncer := daemon.SyncFunc(func(ctx context.Context) error {
		_, err := s.engine.SyncCycle(ctx)
		return err
	})

	d, err := daemon.New(syncer, s.db.Path(), cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Sync daemon running (every %s); Ctrl+C to stop.\n", cfg.Interval)
	return d.Start(ctx)
}
