package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Validate checks a parsed config before it is committed or hot-applied.
// It is installed as the Manager's validator hook.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"discord.min_interval", cfg.Discord.MinInterval},
		{"discord.timeout", cfg.Discord.Timeout},
		{"dispatch.default_delay", cfg.Dispatch.DefaultDelay},
		{"dispatch.retry_after_cap", cfg.Dispatch.RetryAfterCap},
		{"dispatch.job_ttl", cfg.Dispatch.JobTTL},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Dispatch.DefaultConcurrency < 0 {
		return fmt.Errorf("dispatch.default_concurrency: must be >= 0")
	}
	if cfg.Dispatch.MaxConcurrency < 0 {
		return fmt.Errorf("dispatch.max_concurrency: must be >= 0")
	}
	if cfg.Dispatch.JobsMax < 0 {
		return fmt.Errorf("dispatch.jobs_max: must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "sqlite", "sqlite3", "postgres":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if cfg.Events != nil && cfg.Events.Enabled && strings.TrimSpace(cfg.Events.URL) == "" {
		return fmt.Errorf("events.url: required when events are enabled")
	}

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}

	if cfg.Wallet != nil && cfg.Wallet.CreditsPerMessage < 0 {
		return fmt.Errorf("wallet.credits_per_message: must be >= 0")
	}

	return nil
}
