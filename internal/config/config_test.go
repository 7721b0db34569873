package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/PixelWeatherProject/pwmp-server/internal/config"
)

// writeTempConfig writes a YAML config file in a test directory.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 56000
database:
  driver: sqlite
  path: /tmp/test.sqlite3
limits:
  stall_time: 20
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 56000 {
		t.Errorf("server.port = %d, want 56000", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server.host = %q, want default 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("database.driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Limits.StallTime != 20 {
		t.Errorf("limits.stall_time = %d, want 20", cfg.Limits.StallTime)
	}
	if cfg.RateLimiter.MaxRequests != 4 {
		t.Errorf("rate_limiter.max_requests = %d, want default 4", cfg.RateLimiter.MaxRequests)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 56000
`)

	t.Setenv("PWMP_SERVER_PORT", "57000")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 57000 {
		t.Errorf("server.port = %d, want env override 57000", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "unknown driver",
			yaml:    "database:\n  driver: oracle\n",
			wantErr: config.ErrInvalidDriver,
		},
		{
			name:    "sqlite without path",
			yaml:    "database:\n  driver: sqlite\n  path: \"\"\n",
			wantErr: config.ErrMissingSQLitePath,
		},
		{
			name:    "zero devices",
			yaml:    "limits:\n  devices: 0\n",
			wantErr: config.ErrInvalidDeviceLimit,
		},
		{
			name:    "zero stall time",
			yaml:    "limits:\n  stall_time: 0\n",
			wantErr: config.ErrInvalidStallTime,
		},
		{
			name:    "zero request budget",
			yaml:    "rate_limiter:\n  max_requests: 0\n",
			wantErr: config.ErrInvalidRequestBudget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeTempConfig(t, tt.yaml)
			if _, err := config.Load(path); !errors.Is(err, tt.wantErr) {
				t.Errorf("Load err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fresh", "config.yml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load written defaults: %v", err)
	}

	defaults := config.DefaultConfig()
	if cfg.Server.Port != defaults.Server.Port {
		t.Errorf("server.port = %d, want %d", cfg.Server.Port, defaults.Server.Port)
	}
	if cfg.Database.Driver != defaults.Database.Driver {
		t.Errorf("database.driver = %q, want %q", cfg.Database.Driver, defaults.Database.Driver)
	}
	if cfg.Limits.StallTime != defaults.Limits.StallTime {
		t.Errorf("limits.stall_time = %d, want %d", cfg.Limits.StallTime, defaults.Limits.StallTime)
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()

	if err := config.Validate(config.DefaultConfig()); err != nil {
		t.Errorf("Validate(defaults) = %v, want nil", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
