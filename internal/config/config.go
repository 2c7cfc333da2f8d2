// Package config loads the daemon configuration from TOML, a .env file and
// WPPRELAY_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Gateway drivers.
const (
	GatewayHTTP     = "http"
	GatewayEmbedded = "embedded"
	GatewayDisabled = "disabled"
)

// Config represents ~/.wpprelay/config.toml.
type Config struct {
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	HTTP      HTTPConfig      `toml:"http"`
	Database  DatabaseConfig  `toml:"database"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Identity  IdentityConfig  `toml:"identity"`
	Media     MediaConfig     `toml:"media"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Realtime  RealtimeConfig  `toml:"realtime"`
	Instances []InstanceConfig `toml:"instances"`
}

type HTTPConfig struct {
	Listen          string        `toml:"listen"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `toml:"driver"`
	// DSN defaults to relay.db in the data directory for sqlite3.
	DSN string `toml:"dsn"`
}

type GatewayConfig struct {
	Driver  string        `toml:"driver"`
	URL     string        `toml:"url"`
	APIKey  string        `toml:"api_key"`
	Timeout time.Duration `toml:"timeout"`
}

type WebhookConfig struct {
	MaxBodyBytes   int64 `toml:"max_body_bytes"`
	RetryOnFailure bool  `toml:"retry_on_failure"`
}

type IdentityConfig struct {
	AliasCacheSize int `toml:"alias_cache_size"`
	PendingSize    int `toml:"pending_size"`
}

type MediaConfig struct {
	Enabled bool          `toml:"enabled"`
	Dir     string        `toml:"dir"`
	BaseURL string        `toml:"base_url"`
	Workers int           `toml:"workers"`
	Timeout time.Duration `toml:"timeout"`
}

type OutboxConfig struct {
	Interval time.Duration `toml:"interval"`
	Batch    int           `toml:"batch"`
}

type RealtimeConfig struct {
	Buffer       int           `toml:"buffer"`
	PingInterval time.Duration `toml:"ping_interval"`
}

type InstanceConfig struct {
	Name string `toml:"name"`
}

// BaseDir returns ~/.wpprelay.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpprelay")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir:  BaseDir(),
		LogLevel: "info",
		HTTP:     HTTPConfig{Listen: ":8080", ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{Driver: "sqlite3"},
		Gateway:  GatewayConfig{Driver: GatewayDisabled, Timeout: 30 * time.Second},
		Webhook:  WebhookConfig{MaxBodyBytes: 16 << 20},
		Identity: IdentityConfig{AliasCacheSize: 10000, PendingSize: 4096},
		Media:    MediaConfig{BaseURL: "/media", Workers: 4, Timeout: 2 * time.Minute},
		Outbox:   OutboxConfig{Interval: 500 * time.Millisecond, Batch: 50},
		Realtime: RealtimeConfig{Buffer: 256, PingInterval: 30 * time.Second},
	}
}

// Load reads config from path. A missing file yields the defaults. A .env
// file next to the config is loaded into the environment first; variables
// already set win.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv("WPPRELAY_" + key); ok {
			*dst = v
		}
	}
	set(&c.DataDir, "DATA_DIR")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.HTTP.Listen, "HTTP_LISTEN")
	set(&c.Database.Driver, "DATABASE_DRIVER")
	set(&c.Database.DSN, "DATABASE_DSN")
	set(&c.Gateway.Driver, "GATEWAY_DRIVER")
	set(&c.Gateway.URL, "GATEWAY_URL")
	set(&c.Gateway.APIKey, "GATEWAY_API_KEY")
	set(&c.Media.BaseURL, "MEDIA_BASE_URL")

	if v := os.Getenv("WPPRELAY_INSTANCES"); v != "" {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" && !c.HasInstance(name) {
				c.Instances = append(c.Instances, InstanceConfig{Name: name})
			}
		}
	}
}

// HasInstance reports whether name is configured.
func (c *Config) HasInstance(name string) bool {
	for _, inst := range c.Instances {
		if inst.Name == name {
			return true
		}
	}
	return false
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	switch c.Gateway.Driver {
	case GatewayHTTP:
		if c.Gateway.URL == "" {
			return errors.New("gateway.url is required for the http driver")
		}
	case GatewayEmbedded, GatewayDisabled:
	default:
		return fmt.Errorf("gateway.driver: unsupported driver %q", c.Gateway.Driver)
	}
	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if err := ValidateName(inst.Name); err != nil {
			return err
		}
		if seen[inst.Name] {
			return fmt.Errorf("instance %q configured twice", inst.Name)
		}
		seen[inst.Name] = true
	}
	return nil
}

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to instance naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// DSN returns the database DSN, defaulting to relay.db in the data dir.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.DataDir, "relay.db")
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "relayd.sock")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "relayd.log")
}

// MediaDir returns where downloaded media is stored.
func (c *Config) MediaDir() string {
	if c.Media.Dir != "" {
		return c.Media.Dir
	}
	return filepath.Join(c.DataDir, "media")
}

// DevicePath returns the whatsmeow device store of an embedded instance.
func (c *Config) DevicePath(instance string) string {
	return filepath.Join(c.DataDir, "devices", instance+".db")
}

// EnsureDirs creates the data directory tree with proper permissions.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir, filepath.Dir(c.LogPath())}
	if c.Gateway.Driver == GatewayEmbedded {
		dirs = append(dirs, filepath.Join(c.DataDir, "devices"))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
