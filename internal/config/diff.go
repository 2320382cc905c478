package config

import (
	"sort"
	"strings"

	logx "warmupd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (the provider API key) never
// appear here because they are not part of the config file at all.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Provider
	if strings.TrimSpace(oldCfg.Provider.BaseURL) != strings.TrimSpace(newCfg.Provider.BaseURL) ||
		strings.TrimSpace(oldCfg.Provider.APIKeyEnv) != strings.TrimSpace(newCfg.Provider.APIKeyEnv) ||
		strings.TrimSpace(oldCfg.Provider.Timeout) != strings.TrimSpace(newCfg.Provider.Timeout) ||
		oldCfg.Provider.RatePerSec != newCfg.Provider.RatePerSec ||
		oldCfg.Provider.RateBurst != newCfg.Provider.RateBurst {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.base_url", strings.TrimSpace(newCfg.Provider.BaseURL)),
			logx.String("provider.timeout", strings.TrimSpace(newCfg.Provider.Timeout)),
			logx.Float64("provider.rate_per_sec", newCfg.Provider.RatePerSec),
			logx.Int("provider.rate_burst", newCfg.Provider.RateBurst),
		)
	}

	// Engine
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.max_workers", newCfg.Engine.MaxWorkers),
			logx.String("engine.resume_cooldown", strings.TrimSpace(newCfg.Engine.ResumeCooldown)),
			logx.String("engine.cleanup_interval", strings.TrimSpace(newCfg.Engine.CleanupInterval)),
			logx.String("engine.stale_after", strings.TrimSpace(newCfg.Engine.StaleAfter)),
			logx.Float64("engine.error_rate_warn", newCfg.Engine.ErrorRateWarn),
		)
	}

	// HTTP (section may be nil; nil means defaults)
	oH := derefHTTP(oldCfg.HTTP)
	nH := derefHTTP(newCfg.HTTP)
	if (oldCfg.HTTP != nil) != (newCfg.HTTP != nil) || oH != nH {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.present", newCfg.HTTP != nil),
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefHTTP(h *HTTPConfig) HTTPConfig {
	if h == nil {
		return HTTPConfig{}
	}
	return *h
}
