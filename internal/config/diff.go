package config

import (
	"reflect"
	"strings"

	logx "wacrm/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (api keys, tokens) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// WhatsApp (never log api key)
	ow, nw := oldCfg.WhatsApp, newCfg.WhatsApp
	if strings.TrimSpace(ow.BaseURL) != strings.TrimSpace(nw.BaseURL) ||
		ow.APIKey != nw.APIKey ||
		ow.Instance != nw.Instance ||
		ow.CountryCode != nw.CountryCode ||
		strings.TrimSpace(ow.Timeout) != strings.TrimSpace(nw.Timeout) ||
		strings.TrimSpace(ow.TypingDelay) != strings.TrimSpace(nw.TypingDelay) {
		changed = append(changed, "whatsapp")
		attrs = append(attrs,
			logx.String("whatsapp.base_url", strings.TrimSpace(nw.BaseURL)),
			logx.String("whatsapp.instance", nw.Instance),
			logx.Bool("whatsapp.api_key_set", nw.APIKey != ""),
			logx.Bool("whatsapp.api_key_changed", ow.APIKey != nw.APIKey),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Inbound
	if !reflect.DeepEqual(oldCfg.Inbound, newCfg.Inbound) {
		changed = append(changed, "inbound")
		attrs = append(attrs,
			logx.String("inbound.idle_window", strings.TrimSpace(newCfg.Inbound.IdleWindow)),
			logx.Int("inbound.max_buffer_size", newCfg.Inbound.MaxBufferSize),
		)
	}

	// Pipeline (never log token)
	op, np := oldCfg.Pipeline, newCfg.Pipeline
	if op != np {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Bool("pipeline.webhook_set", strings.TrimSpace(np.WebhookURL) != ""),
			logx.Bool("pipeline.token_set", np.Token != ""),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		adaptive := true
		if newCfg.Dispatch.Adaptive != nil {
			adaptive = *newCfg.Dispatch.Adaptive
		}
		attrs = append(attrs,
			logx.String("dispatch.base_delay", strings.TrimSpace(newCfg.Dispatch.BaseDelay)),
			logx.Bool("dispatch.adaptive", adaptive),
			logx.Int("dispatch.tiers", len(newCfg.Dispatch.Tiers)),
			logx.Int("dispatch.max_active_jobs", newCfg.Dispatch.MaxActiveJobs),
		)
	}

	if oldCfg.Personalize != newCfg.Personalize {
		changed = append(changed, "personalize")
		attrs = append(attrs,
			logx.Bool("personalize.unsubscribe_set", strings.TrimSpace(newCfg.Personalize.UnsubscribeURL) != ""),
			logx.String("personalize.timezone", newCfg.Personalize.Timezone),
		)
	}

	// Storage
	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.String("storage.path", nst.Path),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.Token != nh.Token ||
		oh.RatePerSec != nh.RatePerSec ||
		oh.Burst != nh.Burst ||
		oh.Pprof != nh.Pprof ||
		!reflect.DeepEqual(oh.TrustedProxies, nh.TrustedProxies) ||
		oh.ReadTimeout != nh.ReadTimeout ||
		oh.WriteTimeout != nh.WriteTimeout ||
		oh.ShutdownTimeout != nh.ShutdownTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", nh.Token != ""),
			logx.Float64("http.rate_per_sec", nh.RatePerSec),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule))
	}

	return changed, attrs
}

func derefStorage(st *StorageConfig) StorageConfig {
	if st == nil {
		return StorageConfig{}
	}
	return *st
}

// HTTPListenerChanged reports whether the API server must be rebuilt rather
// than reconfigured in place.
func HTTPListenerChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	return strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.Pprof != nh.Pprof ||
		!reflect.DeepEqual(oh.TrustedProxies, nh.TrustedProxies) ||
		oh.ReadTimeout != nh.ReadTimeout ||
		oh.WriteTimeout != nh.WriteTimeout
}
