// Command fb is the FieldBooks CLI: an offline-first field service book
// that records customers, jobs, payments and the money ledger on a local
// database and syncs with the central server when a connection exists.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldbooks/fieldbooks/internal/config"
	"github.com/fieldbooks/fieldbooks/internal/db"
	"github.com/fieldbooks/fieldbooks/internal/device"
	"github.com/fieldbooks/fieldbooks/internal/engine"
	"github.com/fieldbooks/fieldbooks/internal/transport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "Offline-first field service books with multi-device sync",
	Long: `FieldBooks keeps a field service business's records - customers, jobs,
payments, expenses and the money ledger - in a local database that works
fully offline. When a connection exists, devices sync through a central
server: pending records upload in dependency order, conflicting edits
resolve last-write-wins, and the ledger only ever grows.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: fieldbooks.yaml in . or ~/.fieldbooks)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// session bundles everything a device-side command needs.
type session struct {
	cfg      *config.Config
	db       *db.DB
	deviceID string
	engine   *engine.Engine
}

func (s *session) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openSession opens the device database and, when online is true, wires an
// engine against the configured sync server.
func openSession(ctx context.Context, online bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, err
	}

	logger := cfg.NewLogger("[fb] ")
	deviceID, err := device.New(database, logger).ID(ctx)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	s := &session{cfg: cfg, db: database, deviceID: deviceID}
	if online {
		if cfg.ServerURL == "" {
			s.close()
			return nil, fmt.Errorf("no server_url configured; run 'fb init' or set FB_SERVER_URL")
		}
		if cfg.AuthToken == "" {
			s.close()
			return nil, fmt.Errorf("no auth_token configured; set FB_AUTH_TOKEN")
		}
		remote := transport.NewClient(cfg.ServerURL, cfg.AuthToken)
		s.engine = engine.New(database, deviceID, remote, engine.Options{
			DeviceName: cfg.DeviceName,
			Logger:     logger,
		})
	}
	return s, nil
}
