package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nestbox/agentd/internal/telemetry"
)

// PluginConfig defines a plugin to load on startup.
type PluginConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Path     string         `yaml:"path"`
	Disabled bool           `yaml:"disabled"`
	Settings map[string]any `yaml:"settings"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// SocketPath is the Unix socket the daemon listens on.
	// Empty uses <home>/agentd.sock.
	SocketPath string `yaml:"socket_path"`

	// Listen selects the transport. Empty or "unix" uses SocketPath.
	// "tcp:<host:port>" binds a loopback TCP listener instead, for
	// hosts without Unix socket support.
	Listen string `yaml:"listen"`

	LogLevel string `yaml:"log_level"`

	// HeartbeatTimeoutSeconds is how long an agent may go without a
	// heartbeat before the sweep marks it disconnected.
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`

	// SweepIntervalSeconds is how often the presence sweep runs.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// MessageRetentionHours is how long delivered messages are kept
	// before the retention sweep purges them.
	MessageRetentionHours int `yaml:"message_retention_hours"`

	// DrainTimeoutSeconds bounds graceful shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	PluginDir   string         `yaml:"plugin_dir"`
	PluginWatch bool           `yaml:"plugin_watch"`
	Plugins     []PluginConfig `yaml:"plugins"`

	// AgentsDir holds named agent definition files.
	AgentsDir string `yaml:"agents_dir"`

	OTel telemetry.OTelConfig `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// HomeDir resolves the daemon state directory, honoring AGENTD_HOME.
func HomeDir() string {
	if override := os.Getenv("AGENTD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ResolvedSocketPath returns the effective Unix socket path.
func (c Config) ResolvedSocketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.HomeDir, "agentd.sock")
}

// TCPAddr returns the loopback address when Listen selects TCP, else "".
func (c Config) TCPAddr() string {
	if addr, ok := strings.CutPrefix(c.Listen, "tcp:"); ok {
		return addr
	}
	return ""
}

// MessagesDir is where per-message persistence files live.
func (c Config) MessagesDir() string { return filepath.Join(c.HomeDir, "messages") }

// SessionsPath is the durable session snapshot file.
func (c Config) SessionsPath() string { return filepath.Join(c.HomeDir, "sessions.json") }

// ArchivePath is the sqlite archive database.
func (c Config) ArchivePath() string { return filepath.Join(c.HomeDir, "archive.db") }

// Load reads config.yaml from the agentd home, applying env overrides
// and defaults. A missing file is not an error; NeedsGenesis is set so
// the caller can write a starter config.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel:                "info",
		HeartbeatTimeoutSeconds: 300,
		SweepIntervalSeconds:    60,
		MessageRetentionHours:   24,
		DrainTimeoutSeconds:     5,
		PluginWatch:             true,
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HeartbeatTimeoutSeconds <= 0 {
		cfg.HeartbeatTimeoutSeconds = 300
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.MessageRetentionHours <= 0 {
		cfg.MessageRetentionHours = 24
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.PluginDir) == "" {
		cfg.PluginDir = filepath.Join(cfg.HomeDir, "plugins")
	}
	if strings.TrimSpace(cfg.AgentsDir) == "" {
		cfg.AgentsDir = filepath.Join(cfg.HomeDir, "agents")
	}
}

func validate(cfg *Config) error {
	if cfg.Listen != "" && cfg.Listen != "unix" {
		addr := cfg.TCPAddr()
		if addr == "" {
			return fmt.Errorf("listen must be \"unix\" or \"tcp:<host:port>\", got %q", cfg.Listen)
		}
		host, _, ok := strings.Cut(addr, ":")
		if !ok {
			return fmt.Errorf("listen tcp address %q missing port", addr)
		}
		if host != "127.0.0.1" && host != "localhost" && host != "::1" {
			return fmt.Errorf("listen tcp address %q must be loopback", addr)
		}
	}
	for i, p := range cfg.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plugins[%d]: name is required", i)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTD_SOCKET"); raw != "" {
		cfg.SocketPath = raw
	}
	if raw := os.Getenv("AGENTD_LISTEN"); raw != "" {
		cfg.Listen = raw
	}
	if raw := os.Getenv("AGENTD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTD_HEARTBEAT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTD_SWEEP_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AGENTD_MESSAGE_RETENTION_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MessageRetentionHours = v
		}
	}
	if raw := os.Getenv("AGENTD_PLUGIN_DIR"); raw != "" {
		cfg.PluginDir = raw
	}
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "socket=%s|listen=%s|log=%s|hb=%d|sweep=%d|ret=%d|plugins=%d",
		c.ResolvedSocketPath(), c.Listen, c.LogLevel,
		c.HeartbeatTimeoutSeconds, c.SweepIntervalSeconds, c.MessageRetentionHours, len(c.Plugins))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
