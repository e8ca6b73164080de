// Package metrics holds the Prometheus collectors for the timing engine.
//
// Collectors are registered on Registry, not the global default, so the
// /metrics endpoint only exposes what this process defines (plus Go and
// process collectors).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		InboundFlushTotal, InboundConsumerErrors, InboundPendingSenders,
		DispatchRecipientTotal, DispatchJobTotal, DispatchActiveJobs, DispatchCooldownSeconds,
		HTTPRequestTotal,
	)
}

// InboundFlushTotal counts coalesced messages handed to the pipeline.
var InboundFlushTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wacrm_inbound_flush_total",
		Help: "Inbound buffers flushed, by reason.",
	},
	[]string{"reason"}, // idle | overflow | manual | shutdown
)

var InboundConsumerErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "wacrm_inbound_consumer_errors_total",
		Help: "Response pipeline errors on flush.",
	},
)

var InboundPendingSenders = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "wacrm_inbound_pending_senders",
		Help: "Senders with buffered fragments.",
	},
)

// DispatchRecipientTotal counts accounting units (group members included).
var DispatchRecipientTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wacrm_dispatch_recipient_total",
		Help: "Dispatch outcomes in accounting units, by result.",
	},
	[]string{"result"}, // sent | failed
)

var DispatchJobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wacrm_dispatch_job_total",
		Help: "Finished dispatch jobs, by final phase.",
	},
	[]string{"phase"}, // completed | stopped
)

var DispatchActiveJobs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "wacrm_dispatch_active_jobs",
		Help: "Dispatch jobs currently running or paused.",
	},
)

var DispatchCooldownSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wacrm_dispatch_cooldown_seconds",
		Help:    "Cooldown chosen between sends.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 600, 1800},
	},
	[]string{"reason"},
)

var HTTPRequestTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wacrm_http_request_total",
		Help: "HTTP API requests, by route and status code.",
	},
	[]string{"method", "route", "code"},
)

func ObserveCooldown(reason string, d time.Duration) {
	DispatchCooldownSeconds.WithLabelValues(reason).Observe(d.Seconds())
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
