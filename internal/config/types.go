package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "25s", "5m").
// Empty strings mean "use the default"; explicit zero or negative values are
// rejected by Validate.
type Config struct {
	WhatsApp     WhatsAppConfig     `json:"whatsapp"`
	Logging      LoggingConfig      `json:"logging"`
	Inbound      InboundConfig      `json:"inbound"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Personalize  PersonalizeConfig  `json:"personalize"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	HTTP         HTTPConfig         `json:"http"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

// WhatsAppConfig points at the Evolution API gateway.
type WhatsAppConfig struct {
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"` // never logged
	Instance string `json:"instance"`
	// CountryCode is prepended to individual numbers (default "90").
	CountryCode string `json:"country_code,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	TypingDelay string `json:"typing_delay,omitempty"`
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

// InboundConfig controls fragment coalescing.
//
// Defaults:
//   - idle_window: "25s"
//   - max_buffer_size: 10
//   - flush_on_shutdown: true
type InboundConfig struct {
	IdleWindow      string `json:"idle_window,omitempty"`
	MaxBufferSize   int    `json:"max_buffer_size,omitempty"`
	FlushOnShutdown *bool  `json:"flush_on_shutdown,omitempty"`
}

// PipelineConfig is where coalesced inbound messages go. Without a
// webhook_url they are only logged.
type PipelineConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
	Token      string `json:"token,omitempty"` // never logged
	Timeout    string `json:"timeout,omitempty"`
}

// DispatchConfig holds default pacing for bulk sends.
//
// Defaults:
//   - base_delay: "1s"
//   - adaptive: true
//   - tiers: every 10 -> 30s, at 100 -> 5m, at 300 -> 10m, at 500 -> 30m
//   - max_active_jobs: 4
//   - status_max: 200, status_ttl: "24h"
type DispatchConfig struct {
	BaseDelay     string       `json:"base_delay,omitempty"`
	Adaptive      *bool        `json:"adaptive,omitempty"`
	Tiers         []TierConfig `json:"tiers,omitempty"`
	MaxActiveJobs int          `json:"max_active_jobs,omitempty"`
	StatusMax     int          `json:"status_max,omitempty"`
	StatusTTL     string       `json:"status_ttl,omitempty"`
}

// TierConfig sets exactly one of every_n or at_count.
type TierConfig struct {
	EveryN  int    `json:"every_n,omitempty"`
	AtCount int    `json:"at_count,omitempty"`
	Delay   string `json:"delay"`
}

type PersonalizeConfig struct {
	UnsubscribeURL   string `json:"unsubscribe_url,omitempty"`
	Footer           string `json:"footer,omitempty"`
	FirstNameDefault string `json:"first_name_default,omitempty"`
	LastNameDefault  string `json:"last_name_default,omitempty"`
	// Timezone for {tarih}; IANA name, default local.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/wacrm.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the API server.
//
// Security note:
//   - Prefer binding to localhost unless a token is set.
//   - pprof is mounted under /debug/pprof only when enabled.
type HTTPConfig struct {
	Addr           string   `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token          string   `json:"token,omitempty"` // bearer token (do not log)
	RatePerSec     float64  `json:"rate_per_sec,omitempty"`
	Burst          int      `json:"burst,omitempty"`
	Pprof          bool     `json:"pprof,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// HousekeepingConfig schedules periodic pruning of job statuses.
// Schedule is a cron spec or descriptor (default "@every 10m").
type HousekeepingConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
