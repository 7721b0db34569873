// Package config manages PWMP server configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete PWMP server configuration.
type Config struct {
	Server      ServerConfig    `koanf:"server" yaml:"server"`
	Database    DatabaseConfig  `koanf:"database" yaml:"database"`
	Limits      LimitsConfig    `koanf:"limits" yaml:"limits"`
	RateLimiter RateLimitConfig `koanf:"rate_limiter" yaml:"rate_limiter"`
	Log         LogConfig       `koanf:"log" yaml:"log"`
	Metrics     MetricsConfig   `koanf:"metrics" yaml:"metrics"`
}

// ServerConfig holds the TCP listener configuration.
type ServerConfig struct {
	// Host is the listen address (e.g., "0.0.0.0").
	Host string `koanf:"host" yaml:"host"`
	// Port is the listen port.
	Port uint16 `koanf:"port" yaml:"port"`
}

// Addr returns the host:port form of the listen endpoint.
func (sc ServerConfig) Addr() string {
	return net.JoinHostPort(sc.Host, fmt.Sprintf("%d", sc.Port))
}

// DatabaseConfig selects and parameterizes the storage backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `koanf:"driver" yaml:"driver"`

	// Host, Port, User, Password, Name and SSL configure Postgres.
	Host     string `koanf:"host" yaml:"host"`
	Port     uint16 `koanf:"port" yaml:"port"`
	User     string `koanf:"user" yaml:"user"`
	Password string `koanf:"password" yaml:"password"`
	Name     string `koanf:"name" yaml:"name"`
	SSL      bool   `koanf:"ssl" yaml:"ssl"`

	// Path is the SQLite database file.
	Path string `koanf:"path" yaml:"path"`

	// Timezone is the IANA zone for timestamp rendering; empty means
	// use the host timezone.
	Timezone string `koanf:"timezone" yaml:"timezone"`
}

// ShortIdentifier names the storage target for log lines.
func (dc DatabaseConfig) ShortIdentifier() string {
	if dc.Driver == "sqlite" {
		return dc.Path
	}
	return dc.Host
}

// LimitsConfig holds the session resource limits.
type LimitsConfig struct {
	// Devices caps concurrently connected sessions.
	Devices int64 `koanf:"devices" yaml:"devices"`

	// Settings is read from the configuration file and not validated;
	// no component of the server reads or enforces it.
	Settings int64 `koanf:"settings" yaml:"settings"`

	// StallTime is the idle budget per blocking read, in seconds.
	StallTime int64 `koanf:"stall_time" yaml:"stall_time"`
}

// StallDuration returns the stall budget as a duration.
func (lc LimitsConfig) StallDuration() time.Duration {
	return time.Duration(lc.StallTime) * time.Second
}

// RateLimitConfig parameterizes the sliding-window limiters.
type RateLimitConfig struct {
	// TimeFrame is the window length in seconds.
	TimeFrame int64 `koanf:"time_frame" yaml:"time_frame"`

	// MaxRequests is the per-session request budget per window.
	MaxRequests int `koanf:"max_requests" yaml:"max_requests"`

	// MaxConnections is the accept-side budget per window.
	MaxConnections int `koanf:"max_connections" yaml:"max_connections"`
}

// Window returns the limiter window as a duration.
func (rc RateLimitConfig) Window() time.Duration {
	return time.Duration(rc.TimeFrame) * time.Second
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// MetricsConfig holds the optional Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address; empty disables the endpoint.
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: the
// well-known PWMP port, a session pool sized for home deployments, and
// the historical four-requests-per-second budget.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 55300,
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "root",
			Password: "root",
			Name:     "pixelweather",
			SSL:      false,
			Path:     "/var/lib/pwmp-server/pixelweather.sqlite3",
		},
		Limits: LimitsConfig{
			Devices:   10,
			Settings:  10,
			StallTime: 10,
		},
		RateLimiter: RateLimitConfig{
			TimeFrame:      1,
			MaxRequests:    4,
			MaxConnections: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pwmp-server/config.yml"
	}
	return filepath.Join(home, ".pwmp-server", "config.yml")
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for PWMP configuration.
// Variables are named PWMP_<section>_<key>, e.g., PWMP_SERVER_PORT. Every
// underscore after the prefix becomes a dot, so sections and keys whose
// names contain an underscore (rate_limiter, stall_time, ...) cannot be
// overridden from the environment.
const envPrefix = "PWMP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PWMP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	PWMP_SERVER_HOST -> server.host
//	PWMP_SERVER_PORT -> server.port
//	PWMP_LOG_LEVEL   -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories as needed. Used on first run.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	raw, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write default config to %s: %w", path, err)
	}
	return nil
}

// envKeyMapper transforms PWMP_SERVER_PORT -> server.port.
// Strips the PWMP_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.host":                  defaults.Server.Host,
		"server.port":                  defaults.Server.Port,
		"database.driver":              defaults.Database.Driver,
		"database.host":                defaults.Database.Host,
		"database.port":                defaults.Database.Port,
		"database.user":                defaults.Database.User,
		"database.password":            defaults.Database.Password,
		"database.name":                defaults.Database.Name,
		"database.ssl":                 defaults.Database.SSL,
		"database.path":                defaults.Database.Path,
		"database.timezone":            defaults.Database.Timezone,
		"limits.devices":               defaults.Limits.Devices,
		"limits.settings":              defaults.Limits.Settings,
		"limits.stall_time":            defaults.Limits.StallTime,
		"rate_limiter.time_frame":      defaults.RateLimiter.TimeFrame,
		"rate_limiter.max_requests":    defaults.RateLimiter.MaxRequests,
		"rate_limiter.max_connections": defaults.RateLimiter.MaxConnections,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidDriver indicates an unrecognized database driver.
	ErrInvalidDriver = errors.New("database.driver must be postgres or sqlite")

	// ErrInvalidDeviceLimit indicates a non-positive session cap.
	ErrInvalidDeviceLimit = errors.New("limits.devices must be >= 1")

	// ErrInvalidStallTime indicates a non-positive stall budget.
	ErrInvalidStallTime = errors.New("limits.stall_time must be >= 1")

	// ErrInvalidTimeFrame indicates a non-positive limiter window.
	ErrInvalidTimeFrame = errors.New("rate_limiter.time_frame must be >= 1")

	// ErrInvalidRequestBudget indicates a non-positive request budget.
	ErrInvalidRequestBudget = errors.New("rate_limiter.max_requests must be >= 1")

	// ErrInvalidConnectionBudget indicates a non-positive accept budget.
	ErrInvalidConnectionBudget = errors.New("rate_limiter.max_connections must be >= 1")

	// ErrMissingSQLitePath indicates the sqlite driver without a path.
	ErrMissingSQLitePath = errors.New("database.path must be set for the sqlite driver")
)

// ValidDrivers lists the recognized database driver strings.
var ValidDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if !ValidDrivers[cfg.Database.Driver] {
		return fmt.Errorf("%w: got %q", ErrInvalidDriver, cfg.Database.Driver)
	}

	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		return ErrMissingSQLitePath
	}

	if cfg.Limits.Devices < 1 {
		return ErrInvalidDeviceLimit
	}

	if cfg.Limits.StallTime < 1 {
		return ErrInvalidStallTime
	}

	if cfg.RateLimiter.TimeFrame < 1 {
		return ErrInvalidTimeFrame
	}

	if cfg.RateLimiter.MaxRequests < 1 {
		return ErrInvalidRequestBudget
	}

	if cfg.RateLimiter.MaxConnections < 1 {
		return ErrInvalidConnectionBudget
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
