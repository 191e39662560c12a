package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds deskagent runtime configuration.
type Config struct {
	// DataDir is the base directory for agent runtime data.
	DataDir string `yaml:"data_dir"`

	// BinDir is the directory containing the agent binaries.
	// The helper is looked up here.
	BinDir string `yaml:"bin_dir"`

	// SocketPath is the unix socket path for the local control API.
	SocketPath string `yaml:"socket_path"`

	// SocketsDir holds the per-session channel sockets on non-Windows hosts.
	SocketsDir string `yaml:"sockets_dir"`

	// HelperName is the helper executable's file name inside BinDir.
	HelperName string `yaml:"helper_name"`

	// Desktop is the window station and desktop the helper is bound to.
	Desktop string `yaml:"desktop"`

	// ConnectTimeout bounds the wait for the helper to connect both
	// channel endpoints.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HandshakeTimeout bounds the PING/PONG exchange after connection.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// CallTimeout bounds a single capture or input round trip when the
	// caller supplies no deadline of its own.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ExitGrace is how long disposal waits for the helper to exit on its
	// own after EXIT before killing it.
	ExitGrace time.Duration `yaml:"exit_grace"`

	// DefaultQuality is used when a start request carries no quality.
	DefaultQuality int `yaml:"default_quality"`

	// PlaceholderWidth and PlaceholderHeight size the diagnostic frame
	// returned when every capture method fails.
	PlaceholderWidth  int `yaml:"placeholder_width"`
	PlaceholderHeight int `yaml:"placeholder_height"`

	// RelaunchLimit caps helper relaunches per session within RelaunchWindow.
	// Zero disables relaunching after an unexpected helper exit.
	RelaunchLimit  int           `yaml:"relaunch_limit"`
	RelaunchWindow time.Duration `yaml:"relaunch_window"`

	// JournalPath is the path to the SQLite session journal.
	JournalPath string `yaml:"journal_path"`

	// EventsDir is the directory for per-session helper event logs.
	EventsDir string `yaml:"events_dir"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" (console) or "json".
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	base := baseDir()
	dataDir := filepath.Join(base, "data")

	return &Config{
		DataDir:           dataDir,
		BinDir:            executableDir(),
		SocketPath:        filepath.Join(base, "deskagent.sock"),
		SocketsDir:        filepath.Join(dataDir, "sockets"),
		HelperName:        helperBinaryName(),
		Desktop:           `winsta0\default`,
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  3 * time.Second,
		CallTimeout:       10 * time.Second,
		ExitGrace:         2 * time.Second,
		DefaultQuality:    75,
		PlaceholderWidth:  800,
		PlaceholderHeight: 600,
		RelaunchLimit:     3,
		RelaunchWindow:    2 * time.Minute,
		JournalPath:       filepath.Join(dataDir, "journal.db"),
		EventsDir:         filepath.Join(dataDir, "events"),
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load returns DefaultConfig overlaid with the YAML file at path.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ConnectTimeout <= 0:
		return errors.New("connect_timeout must be positive")
	case c.HandshakeTimeout <= 0:
		return errors.New("handshake_timeout must be positive")
	case c.CallTimeout <= 0:
		return errors.New("call_timeout must be positive")
	case c.PlaceholderWidth <= 0 || c.PlaceholderHeight <= 0:
		return errors.New("placeholder dimensions must be positive")
	case c.HelperName == "":
		return errors.New("helper_name is required")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// HelperPath returns the full path of the helper binary.
func (c *Config) HelperPath() string {
	return filepath.Join(c.BinDir, c.HelperName)
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.SocketsDir,
		c.EventsDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.JournalPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// baseDir is ~/.deskagent, or %ProgramData%\deskagent on Windows where the
// agent runs as LocalSystem and has no useful home directory.
func baseDir() string {
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			return filepath.Join(pd, "deskagent")
		}
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".deskagent")
}

func helperBinaryName() string {
	if runtime.GOOS == "windows" {
		return "deskagent-helper.exe"
	}
	return "deskagent-helper"
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
