package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Discord  DiscordConfig  `json:"discord"`
	Dispatch DispatchConfig `json:"dispatch"`

	Schedule ScheduleConfig `json:"schedule,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Events  *EventsConfig  `json:"events,omitempty"`
	Wallet  *WalletConfig  `json:"wallet,omitempty"`
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

// HTTPConfig controls the inbound API server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type HTTPConfig struct {
	Addr            string `json:"addr"` // default "127.0.0.1:8080"
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Debug exposes pprof under /debug. Only safe on loopback addresses.
	Debug bool `json:"debug,omitempty"`
}

// DiscordConfig controls the outbound REST client.
type DiscordConfig struct {
	// APIBase overrides the Discord REST base URL (useful for tests/proxies).
	APIBase string `json:"api_base,omitempty"`

	// DefaultToken is the bot credential used when a request does not carry
	// its own. Optional; do not log.
	DefaultToken string `json:"default_token,omitempty"`

	// MinInterval is the process-wide minimum spacing between REST calls.
	// Applies across all jobs sharing this process.
	MinInterval string `json:"min_interval,omitempty"` // default "50ms"

	Timeout string `json:"timeout,omitempty"` // per-request; default "15s"
}

// DispatchConfig controls the broadcast dispatch engine.
type DispatchConfig struct {
	// DefaultDelay is the per-lane pause after each recipient.
	DefaultDelay string `json:"default_delay,omitempty"` // default "1s"

	DefaultConcurrency int `json:"default_concurrency,omitempty"` // default 1
	MaxConcurrency     int `json:"max_concurrency,omitempty"`     // default 5

	// RetryAfterCap bounds how long the engine will honor a platform
	// retry-after hint before giving up on that recipient.
	RetryAfterCap string `json:"retry_after_cap,omitempty"` // default "30s"

	// Job store retention.
	JobTTL  string `json:"job_ttl,omitempty"`  // default "24h"
	JobsMax int    `json:"jobs_max,omitempty"` // default 200
}

// ScheduleConfig controls deferred/recurring broadcasts.
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"
}

// StorageConfig controls the optional archive store.
//
// Driver values:
//   - "sqlite": local database file (modernc.org/sqlite)
//   - "postgres": shared database (pgx); DSN required
//
// If Driver is empty or "none", archival and the wallet ledger are disabled.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite only
	DSN         string `json:"dsn,omitempty"`          // postgres only; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only; Go duration string
}

// EventsConfig controls the optional AMQP publisher for job lifecycle events.
type EventsConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`      // amqp:// URL; do not log
	Exchange string `json:"exchange,omitempty"` // default "dmcast.jobs"
}

// WalletConfig controls credit-based admission for broadcasts.
// Requires storage to be configured; ignored otherwise.
type WalletConfig struct {
	Enabled bool `json:"enabled"`

	// CreditsPerMessage is the ledger cost per targeted recipient.
	CreditsPerMessage int `json:"credits_per_message,omitempty"` // default 1
}
