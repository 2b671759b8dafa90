package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldbooks/fieldbooks/internal/db"
	"github.com/fieldbooks/fieldbooks/internal/device"
)

var initNonInteractive bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up this device: create the database and write a config file",
	Long: `Initialize FieldBooks on this device.

Creates the local database, assigns the device its permanent identity, and
writes fieldbooks.yaml. Interactive by default; pass --yes to accept the
defaults (overridable via FB_* environment variables).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "accept defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := cfg.DBPath
	deviceName := cfg.DeviceName
	serverURL := cfg.ServerURL

	if !initNonInteractive {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Device name").
					Description("Shown on other devices and in the server registry").
					Value(&deviceName),
				huh.NewInput().
					Title("Database path").
					Value(&dbPath),
				huh.NewInput().
					Title("Sync server URL").
					Description("Leave empty to work offline-only for now").
					Value(&serverURL),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("setup cancelled: %w", err)
		}
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		return err
	}

	logger := cfg.NewLogger("[fb] ")
	deviceID, err := device.New(database, logger).ID(cmd.Context())
	if err != nil {
		return err
	}

	outPath := configPath
	if outPath == "" {
		outPath = "fieldbooks.yaml"
	}
	if err := writeConfigFile(outPath, dbPath, deviceName, serverURL); err != nil {
		return err
	}

	fmt.Printf("Initialized FieldBooks\n")
	fmt.Printf("  Device ID: %s\n", deviceID)
	fmt.Printf("  Database:  %s\n", dbPath)
	fmt.Printf("  Config:    %s\n", outPath)
	if serverURL == "" {
		fmt.Println("\nNo sync server configured; records stay local until one is set.")
	}
	return nil
}

func writeConfigFile(path, dbPath, deviceName, serverURL string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	content := fmt.Sprintf("db_path: %s\ndevice_name: %s\nserver_url: %s\n",
		dbPath, deviceName, serverURL)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
