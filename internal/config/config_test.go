// Package config provides configuration management for relay.
package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir     string
	origHomeDir string
}

func (s *ConfigSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "config-test-*")
	s.Require().NoError(err)

	// Save and override HOME
	s.origHomeDir = os.Getenv("HOME")
	os.Setenv("HOME", s.tempDir)
}

func (s *ConfigSuite) TearDownTest() {
	os.Setenv("HOME", s.origHomeDir)
	os.RemoveAll(s.tempDir)
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

// TestDefault tests default configuration values.
func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal(DefaultListenAddr, cfg.ListenAddr)
	s.Equal("info", cfg.LogLevel)
	s.Equal(DefaultSendBuffer, cfg.SendBuffer)
	s.Equal(DefaultWriteTimeout, cfg.WriteTimeout)
	s.Equal(DefaultPingInterval, cfg.PingInterval)
	s.Equal(DefaultReconnectBase, cfg.ReconnectBase)
	s.Equal(DefaultMaxReconnects, cfg.MaxReconnects)
	s.Empty(cfg.AuthTokens)
}

// TestDataDir tests data directory path.
func (s *ConfigSuite) TestDataDir() {
	dir := DataDir()
	s.Contains(dir, ".relay")
}

// TestDBPath tests database path.
func (s *ConfigSuite) TestDBPath() {
	path := DBPath()
	s.Contains(path, "relay.db")
}

// TestSettingsPath tests settings file path.
func (s *ConfigSuite) TestSettingsPath() {
	path := SettingsPath()
	s.Contains(path, "settings.yaml")
}

// TestEnsureDataDir tests data directory creation.
func (s *ConfigSuite) TestEnsureDataDir() {
	err := EnsureDataDir()
	s.NoError(err)

	info, err := os.Stat(DataDir())
	s.NoError(err)
	s.True(info.IsDir())
}

// TestEnsureSettings tests settings file creation.
func (s *ConfigSuite) TestEnsureSettings() {
	s.Require().NoError(EnsureDataDir())

	err := EnsureSettings()
	s.NoError(err)

	info, err := os.Stat(SettingsPath())
	s.NoError(err)
	s.False(info.IsDir())

	// Second call leaves the existing file alone.
	s.NoError(EnsureSettings())
}

// TestLoad_MissingFile tests that a missing settings file yields defaults.
func (s *ConfigSuite) TestLoad_MissingFile() {
	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(DefaultListenAddr, cfg.ListenAddr)
}

// TestLoad_PartialFile tests that missing keys keep their defaults.
func (s *ConfigSuite) TestLoad_PartialFile() {
	s.Require().NoError(EnsureDataDir())
	s.Require().NoError(os.WriteFile(SettingsPath(), []byte("listen_addr: \":9999\"\nlog_level: debug\n"), 0o600))

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(":9999", cfg.ListenAddr)
	s.Equal("debug", cfg.LogLevel)
	s.Equal(DefaultSendBuffer, cfg.SendBuffer)
	s.Equal(DefaultPingInterval, cfg.PingInterval)
}

// TestLoad_InvalidYAML tests that a corrupt settings file is an error.
func (s *ConfigSuite) TestLoad_InvalidYAML() {
	s.Require().NoError(EnsureDataDir())
	s.Require().NoError(os.WriteFile(SettingsPath(), []byte("listen_addr: [unbalanced"), 0o600))

	_, err := Load()
	s.Error(err)
}

// TestLoad_EnvOverrides tests RELAY_* environment overrides.
func (s *ConfigSuite) TestLoad_EnvOverrides() {
	os.Setenv("RELAY_LISTEN_ADDR", ":4242")
	os.Setenv("RELAY_LOG_LEVEL", "warn")
	os.Setenv("RELAY_MAX_RECONNECTS", "3")
	defer func() {
		os.Unsetenv("RELAY_LISTEN_ADDR")
		os.Unsetenv("RELAY_LOG_LEVEL")
		os.Unsetenv("RELAY_MAX_RECONNECTS")
	}()

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(":4242", cfg.ListenAddr)
	s.Equal("warn", cfg.LogLevel)
	s.Equal(3, cfg.MaxReconnects)
}

// TestLoad_TokenEntries tests auth token parsing from settings.
func (s *ConfigSuite) TestLoad_TokenEntries() {
	s.Require().NoError(EnsureDataDir())
	settings := `auth_tokens:
  - user_id: u1
    name: Alice
    hash: "$2a$10$abcdefghijklmnopqrstuv"
`
	s.Require().NoError(os.WriteFile(SettingsPath(), []byte(settings), 0o600))

	cfg, err := Load()
	s.Require().NoError(err)
	s.Require().Len(cfg.AuthTokens, 1)
	s.Equal("u1", cfg.AuthTokens[0].UserID)
	s.Equal("Alice", cfg.AuthTokens[0].Name)
}

// TestNormalize tests zero-value backfill.
func (s *ConfigSuite) TestNormalize() {
	cfg := &Config{}
	normalize(cfg)

	s.Equal(DefaultListenAddr, cfg.ListenAddr)
	s.Equal(DefaultWriteTimeout, cfg.WriteTimeout)
	s.Equal(DefaultMaxReconnects, cfg.MaxReconnects)
}
