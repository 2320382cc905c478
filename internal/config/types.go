package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the persistence layer backing instances, warmup
	// configs, contents, stats and logs.
	Storage StorageConfig `json:"storage"`

	// Provider configures the outbound messaging API client.
	Provider ProviderConfig `json:"provider"`

	// Engine controls the warmup supervisor (worker limits, queue,
	// maintenance timers).
	Engine EngineConfig `json:"engine"`

	// HTTP configures the REST API server. Omit to keep defaults.
	HTTP *HTTPConfig `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./warmupd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ProviderConfig configures the messaging provider HTTP client.
//
// The API key is intentionally NOT part of the config file so reloads
// never touch credentials. It is read from the environment variable named
// by APIKeyEnv (default "PROVIDER_API_KEY"), typically via a .env file.
type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// Timeout bounds a single send request. Go duration string, default "30s".
	Timeout string `json:"timeout,omitempty"`

	// RatePerSec caps outbound sends across all workers. 0 disables the cap.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	// RateBurst is the limiter burst size. Defaults to max(1, ceil(RatePerSec)).
	RateBurst int `json:"rate_burst,omitempty"`
}

// EngineConfig controls the warmup supervisor.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 500
//   - resume_cooldown: "5m"
//   - cleanup_interval: "5m"
//   - stale_after: "30m"
//   - stats_interval: "1m"
//   - health_interval: "2m"
//   - stuck_after: "10m"
//   - error_rate_warn: 0.10
type EngineConfig struct {
	MaxWorkers int `json:"max_workers,omitempty"`

	// ResumeCooldown is how long a paused worker waits before resuming
	// after hitting its retry ceiling.
	ResumeCooldown string `json:"resume_cooldown,omitempty"`

	// CleanupInterval is how often inactive workers are reclaimed;
	// StaleAfter is the inactivity age that makes a worker reclaimable.
	CleanupInterval string `json:"cleanup_interval,omitempty"`
	StaleAfter      string `json:"stale_after,omitempty"`

	// StatsInterval is how often per-instance daily stats rows are touched.
	StatsInterval string `json:"stats_interval,omitempty"`

	// HealthInterval is how often worker health is evaluated. A running
	// worker with no activity for StuckAfter is flagged; a worker error
	// rate above ErrorRateWarn raises a health warning.
	HealthInterval string  `json:"health_interval,omitempty"`
	StuckAfter     string  `json:"stuck_after,omitempty"`
	ErrorRateWarn  float64 `json:"error_rate_warn,omitempty"`
}

// HTTPConfig controls the REST API server.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
// It is installed as the ConfigManager validator so bad reloads are
// rejected before being committed or published.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		return fmt.Errorf("provider.base_url must start with http:// or https://")
	}
	if _, err := ParseDurationField("provider.timeout", c.Provider.Timeout); err != nil {
		return err
	}
	if c.Provider.RatePerSec < 0 {
		return fmt.Errorf("provider.rate_per_sec must be >= 0")
	}
	if c.Provider.RateBurst < 0 {
		return fmt.Errorf("provider.rate_burst must be >= 0")
	}

	if c.Engine.MaxWorkers < 0 {
		return fmt.Errorf("engine.max_workers must be >= 0")
	}
	if c.Engine.ErrorRateWarn < 0 || c.Engine.ErrorRateWarn > 1 {
		return fmt.Errorf("engine.error_rate_warn must be in [0,1]")
	}
	for _, f := range []struct{ path, raw string }{
		{"engine.resume_cooldown", c.Engine.ResumeCooldown},
		{"engine.cleanup_interval", c.Engine.CleanupInterval},
		{"engine.stale_after", c.Engine.StaleAfter},
		{"engine.stats_interval", c.Engine.StatsInterval},
		{"engine.health_interval", c.Engine.HealthInterval},
		{"engine.stuck_after", c.Engine.StuckAfter},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.HTTP != nil {
		for _, f := range []struct{ path, raw string }{
			{"http.read_timeout", c.HTTP.ReadTimeout},
			{"http.write_timeout", c.HTTP.WriteTimeout},
			{"http.idle_timeout", c.HTTP.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}
