package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fieldbooks/fieldbooks/internal/config"
	"github.com/fieldbooks/fieldbooks/internal/dashboard"
	"github.com/fieldbooks/fieldbooks/internal/server"
	"github.com/fieldbooks/fieldbooks/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the central sync server",
	Long: `Run the sync server devices upload to and download from.

Configuration comes from fieldbooks.yaml and FB_* environment variables
(a .env file in the working directory is loaded first if present).
FB_SERVER_SECRET must be set; it signs the device bearer tokens minted
with 'fb token'.

Alongside the HTTP API, a WebSocket dashboard streams status snapshots to
monitoring clients unless server.dashboard_port is 0.`,
	RunE: runServe,
}

var (
	tokenDevice string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "server",
	Short:   "Mint a bearer token for a device",
	RunE:    runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "device id the token is bound to (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 90*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("device")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

// loadServerSecret reads the signing secret from config or environment,
// pulling in a local .env first.
func loadServerSecret() (*serverEnv, error) {
	// Missing .env is not an error; it is a development convenience.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server.Secret == "" {
		return nil, errors.New("no signing secret configured; set FB_SERVER_SECRET or server.secret")
	}
	return &serverEnv{cfg: cfg, secret: []byte(cfg.Server.Secret)}, nil
}

type serverEnv struct {
	cfg    *config.Config
	secret []byte
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadServerSecret()
	if err != nil {
		return err
	}
	cfg := env.cfg

	logger := cfg.NewLogger("[server] ")
	store, err := server.Open(cfg.Server.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var board *dashboard.Server
	if cfg.Server.DashboardPort > 0 {
		board = dashboard.NewServer(&dashboard.Config{
			Port:   cfg.Server.DashboardPort,
			Logger: cfg.NewLogger("[dashboard] "),
		})
		if err := board.Start(); err != nil {
			return err
		}
		defer func() { _ = board.Stop() }()
		go broadcastStatus(ctx, store, board)
		fmt.Printf("Dashboard on ws://localhost:%d/ws\n", cfg.Server.DashboardPort)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      transport.NewServer(store, env.secret, logger).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("Sync server listening on %s\n", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// broadcastStatus pushes a status snapshot to dashboard clients every few
// seconds while any are connected.
func broadcastStatus(ctx context.Context, store *server.Store, board *dashboard.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if board.ClientCount() == 0 {
				continue
			}
			status, err := store.Status(ctx)
			if err != nil {
				continue
			}
			if msg, err := dashboard.NewMessage(dashboard.MessageTypeStatus, status); err == nil {
				board.Broadcast(msg)
			}
		}
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	env, err := loadServerSecret()
	if err != nil {
		return err
	}

	token, err := transport.IssueToken(env.secret, tokenDevice, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
