// Package config provides configuration management for relay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calyptra/relay/internal/auth"
)

// Defaults applied when the settings file or an individual key is absent.
const (
	DefaultListenAddr       = ":7433"
	DefaultSendBuffer       = 256
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongTimeout      = 60 * time.Second
	DefaultReconnectBase    = time.Second
	DefaultMaxReconnects    = 8
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultSessionPageLimit = 100
)

// Config holds the relay server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// WebSocket tuning.
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`

	// Client reconnect policy, served to embedded clients.
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	MaxReconnects int           `yaml:"max_reconnects"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Tokens accepted at the websocket handshake.
	AuthTokens []auth.TokenEntry `yaml:"auth_tokens"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr:      DefaultListenAddr,
		DBPath:          DBPath(),
		LogLevel:        "info",
		SendBuffer:      DefaultSendBuffer,
		WriteTimeout:    DefaultWriteTimeout,
		PingInterval:    DefaultPingInterval,
		PongTimeout:     DefaultPongTimeout,
		ReconnectBase:   DefaultReconnectBase,
		MaxReconnects:   DefaultMaxReconnects,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// DataDir returns the relay data directory (~/.relay).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "relay.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureAll creates the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file and applies environment overrides. Missing
// keys keep their defaults; a missing file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// applyEnv overrides config values from RELAY_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxReconnects = n
		}
	}
}

// normalize backfills zero values so a partial settings file stays usable.
func normalize(cfg *Config) {
	def := Default()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
}
