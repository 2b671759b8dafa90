// Package config loads the device and server configuration.
//
// Settings come from, in increasing precedence: built-in defaults, an
// optional fieldbooks.yaml file, and FB_-prefixed environment variables
// (FB_SERVER_URL, FB_DB_PATH, ...).
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the resolved application configuration.
type Config struct {
	// DBPath is the device database file.
	DBPath string `mapstructure:"db_path"`

	// DeviceName is the human-readable name registered with the server.
	DeviceName string `mapstructure:"device_name"`

	// ServerURL is the sync server base URL. Empty means offline-only.
	ServerURL string `mapstructure:"server_url"`

	// AuthToken is the bearer token for the sync server.
	AuthToken string `mapstructure:"auth_token"`

	// SyncInterval is the daemon's scheduled cycle spacing.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// Server-side settings, used by the serve command.
	Server ServerConfig `mapstructure:"server"`

	// LogFile, when set, routes logs to a rotating file instead of stderr.
	LogFile string `mapstructure:"log_file"`
}

// ServerConfig configures the sync server process.
type ServerConfig struct {
	// Addr to listen on.
	Addr string `mapstructure:"addr"`

	// DBPath is the server database file.
	DBPath string `mapstructure:"db_path"`

	// Secret signs device bearer tokens. Required to serve.
	Secret string `mapstructure:"secret"`

	// DashboardPort for the WebSocket monitoring endpoint; 0 disables it.
	DashboardPort int `mapstructure:"dashboard_port"`
}

// Load resolves configuration. path may name a config file explicitly;
// when empty, fieldbooks.yaml is searched in the working directory and
// ~/.fieldbooks.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("device_name", hostname())
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db_path", "fieldbooks-server.db")
	v.SetDefault("server.dashboard_port", 8090)

	v.SetEnvPrefix("FB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, and
	// Unmarshal walks the known keys. Keys without a default (the env-only
	// secrets among them) must be bound explicitly or FB_SERVER_URL,
	// FB_AUTH_TOKEN and FB_SERVER_SECRET are silently dropped.
	for _, key := range []string{"server_url", "auth_token", "log_file", "server.secret"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fieldbooks")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldbooks"))
		}
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds the application logger. With a LogFile configured the
// output rotates at 10 MB keeping five compressed backups; otherwise logs
// go to stderr.
func (c *Config) NewLogger(prefix string) *log.Logger {
	if c.LogFile == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}, prefix, log.LstdFlags)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldbooks.db"
	}
	return filepath.Join(home, ".fieldbooks", "fieldbooks.db")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "fieldbooks-device"
	}
	return name
}
