package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("config: invalid")

// CronParser accepts standard 5-field specs plus descriptors like "@every 5m".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks values that cannot be defaulted. Errors wrap ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(positiveDuration("whatsapp.timeout", cfg.WhatsApp.Timeout))
	if _, err := ParseDurationField("whatsapp.typing_delay", cfg.WhatsApp.TypingDelay); err != nil {
		add(err)
	}
	if u := strings.TrimSpace(cfg.WhatsApp.BaseURL); u != "" {
		add(checkURL("whatsapp.base_url", u))
		if strings.TrimSpace(cfg.WhatsApp.Instance) == "" {
			add(errors.New("whatsapp.instance is required when base_url is set"))
		}
	}
	if cc := cfg.WhatsApp.CountryCode; cc != "" && strings.Trim(cc, "0123456789") != "" {
		add(fmt.Errorf("whatsapp.country_code: digits only, got %q", cc))
	}

	add(positiveDuration("inbound.idle_window", cfg.Inbound.IdleWindow))
	if cfg.Inbound.MaxBufferSize < 0 {
		add(fmt.Errorf("inbound.max_buffer_size must be > 0, got %d", cfg.Inbound.MaxBufferSize))
	}

	if u := strings.TrimSpace(cfg.Pipeline.WebhookURL); u != "" {
		add(checkURL("pipeline.webhook_url", u))
	}
	add(positiveDuration("pipeline.timeout", cfg.Pipeline.Timeout))

	add(positiveDuration("dispatch.base_delay", cfg.Dispatch.BaseDelay))
	for i, t := range cfg.Dispatch.Tiers {
		path := fmt.Sprintf("dispatch.tiers[%d]", i)
		if (t.EveryN > 0) == (t.AtCount > 0) || t.EveryN < 0 || t.AtCount < 0 {
			add(fmt.Errorf("%s: set exactly one positive every_n or at_count", path))
		}
		if strings.TrimSpace(t.Delay) == "" {
			add(fmt.Errorf("%s.delay is required", path))
		} else {
			add(positiveDuration(path+".delay", t.Delay))
		}
	}
	if cfg.Dispatch.MaxActiveJobs < 0 {
		add(errors.New("dispatch.max_active_jobs must be >= 0"))
	}
	if cfg.Dispatch.StatusMax < 0 {
		add(errors.New("dispatch.status_max must be >= 0"))
	}
	add(positiveDuration("dispatch.status_ttl", cfg.Dispatch.StatusTTL))

	if tz := strings.TrimSpace(cfg.Personalize.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("personalize.timezone: %w", err))
		}
	}
	if u := strings.TrimSpace(cfg.Personalize.UnsubscribeURL); u != "" {
		add(checkURL("personalize.unsubscribe_url", u))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			add(err)
		}
	}

	if cfg.HTTP.RatePerSec < 0 || cfg.HTTP.Burst < 0 {
		add(errors.New("http.rate_per_sec and http.burst must be >= 0"))
	}
	add(positiveDuration("http.read_timeout", cfg.HTTP.ReadTimeout))
	if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		add(err)
	}
	add(positiveDuration("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout))

	if spec := strings.TrimSpace(cfg.Housekeeping.Schedule); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			add(fmt.Errorf("housekeeping.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Housekeeping.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("housekeeping.timezone: %w", err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func positiveDuration(path, raw string) error {
	_, err := ParsePositiveDurationOrDefault(path, raw, 0)
	return err
}

func checkURL(path, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", path)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", path)
	}
	return nil
}
