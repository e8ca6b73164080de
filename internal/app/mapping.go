package app

import (
	"fmt"
	"strings"
	"time"

	"wacrm/internal/config"
	"wacrm/internal/dispatch"
	"wacrm/internal/housekeeping"
	"wacrm/internal/httpapi"
	"wacrm/internal/inbound"
	"wacrm/internal/personalize"
	"wacrm/internal/pipeline"
	"wacrm/internal/storage"
	"wacrm/internal/transport/evolution"
	logx "wacrm/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEvolutionConfig(cfg *config.Config) (evolution.Config, error) {
	w := cfg.WhatsApp
	timeout, err := config.ParsePositiveDurationOrDefault("whatsapp.timeout", w.Timeout, evolution.DefaultTimeout)
	if err != nil {
		return evolution.Config{}, err
	}
	typing, err := config.ParseDurationField("whatsapp.typing_delay", w.TypingDelay)
	if err != nil {
		return evolution.Config{}, err
	}
	// An explicit "0s" turns the typing indicator off; empty keeps the default.
	if typing == 0 && strings.TrimSpace(w.TypingDelay) != "" {
		typing = -1
	}
	return evolution.Config{
		BaseURL:     w.BaseURL,
		APIKey:      w.APIKey,
		Instance:    w.Instance,
		CountryCode: w.CountryCode,
		Timeout:     timeout,
		TypingDelay: typing,
	}, nil
}

func mapInboundConfig(cfg *config.Config) (inbound.Config, error) {
	idle, err := config.ParsePositiveDurationOrDefault("inbound.idle_window", cfg.Inbound.IdleWindow, inbound.DefaultIdleWindow)
	if err != nil {
		return inbound.Config{}, err
	}
	flush := true
	if cfg.Inbound.FlushOnShutdown != nil {
		flush = *cfg.Inbound.FlushOnShutdown
	}
	return inbound.Config{
		IdleWindow:    idle,
		MaxBufferSize: cfg.Inbound.MaxBufferSize,
		FlushOnClose:  flush,
	}, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	timeout, err := config.ParsePositiveDurationOrDefault("pipeline.timeout", cfg.Pipeline.Timeout, pipeline.DefaultTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		URL:     strings.TrimSpace(cfg.Pipeline.WebhookURL),
		Token:   cfg.Pipeline.Token,
		Timeout: timeout,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	def := dispatch.DefaultSettings()

	base, err := config.ParsePositiveDurationOrDefault("dispatch.base_delay", dc.BaseDelay, def.BaseDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	s := dispatch.Settings{BaseDelay: base, Tiers: def.Tiers, Adaptive: def.Adaptive}
	if dc.Adaptive != nil {
		s.Adaptive = *dc.Adaptive
	}
	if len(dc.Tiers) > 0 {
		s.Tiers = make([]dispatch.Tier, 0, len(dc.Tiers))
		for i, t := range dc.Tiers {
			d, err := config.ParsePositiveDurationOrDefault(fmt.Sprintf("dispatch.tiers[%d].delay", i), t.Delay, 0)
			if err != nil {
				return dispatch.Config{}, err
			}
			s.Tiers = append(s.Tiers, dispatch.Tier{EveryN: t.EveryN, AtCount: t.AtCount, Delay: d})
		}
	}
	if err := s.Validate(); err != nil {
		return dispatch.Config{}, err
	}

	ttl, err := config.ParsePositiveDurationOrDefault("dispatch.status_ttl", dc.StatusTTL, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Defaults:      s,
		MaxActiveJobs: dc.MaxActiveJobs,
		StatusMax:     dc.StatusMax,
		StatusTTL:     ttl,
	}, nil
}

func mapPersonalizeConfig(cfg *config.Config) (personalize.Config, error) {
	pc := cfg.Personalize
	out := personalize.Config{
		FirstNameDefault: pc.FirstNameDefault,
		LastNameDefault:  pc.LastNameDefault,
		UnsubscribeURL:   strings.TrimSpace(pc.UnsubscribeURL),
		Footer:           pc.Footer,
	}
	if tz := strings.TrimSpace(pc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return personalize.Config{}, fmt.Errorf("personalize.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParsePositiveDurationOrDefault("http.read_timeout", hc.ReadTimeout, httpapi.DefaultReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParsePositiveDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, httpapi.DefaultShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            hc.Addr,
		Token:           hc.Token,
		RatePerSec:      hc.RatePerSec,
		Burst:           hc.Burst,
		Pprof:           hc.Pprof,
		TrustedProxies:  append([]string(nil), hc.TrustedProxies...),
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
	}, nil
}

func mapHousekeepingConfig(cfg *config.Config) housekeeping.Config {
	hk := cfg.Housekeeping
	enabled := true
	if hk.Enabled != nil {
		enabled = *hk.Enabled
	}
	return housekeeping.Config{
		Enabled:  enabled,
		Schedule: strings.TrimSpace(hk.Schedule),
		Timezone: strings.TrimSpace(hk.Timezone),
	}
}

// validateMapped runs every mapper so a reload that passes config.Validate
// but cannot be applied is rejected before it is published.
func validateMapped(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEvolutionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapInboundConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPipelineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPersonalizeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
