package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var QueueEntriesAddedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "queue",
		Name:      "entries_added_total",
		Help:      "Total number of walk-in parties admitted to the queue.",
	},
	[]string{"store_id"},
)

var QueueNoShowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "queue",
		Name:      "no_shows_total",
		Help:      "Total number of queue entries that expired into NO_SHOW.",
	},
	[]string{"store_id"},
)

var QueueWaitEstimateSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "restosync",
		Subsystem: "queue",
		Name:      "wait_estimate_seconds",
		Help:      "Distribution of estimated wait times handed back to callers.",
		Buckets:   []float64{60, 300, 600, 900, 1800, 2700, 3600},
	},
	[]string{"store_id"},
)

var ReservationsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "reservation",
		Name:      "created_total",
		Help:      "Total number of reservations created.",
	},
	[]string{"store_id", "source"},
)

var ReservationConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "reservation",
		Name:      "conflicts_total",
		Help:      "Total number of table-allocation conflicts rejected.",
	},
	[]string{"store_id"},
)

var ReservationNoShowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "reservation",
		Name:      "no_shows_total",
		Help:      "Total number of reservations swept into NO_SHOW.",
	},
	[]string{"store_id"},
)

var SyncMessagesFannedOutTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "sync",
		Name:      "messages_fanned_out_total",
		Help:      "Total number of sync messages fanned out by the hub, by type.",
	},
	[]string{"type"},
)

var SyncConnectionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "restosync",
		Subsystem: "sync",
		Name:      "connections",
		Help:      "Current number of connected terminals.",
	},
)

var AuditFlushDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "restosync",
		Subsystem: "audit",
		Name:      "flush_duration_seconds",
		Help:      "Duration of audit buffer flushes to disk.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	},
)

var AuditEntriesBufferedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "audit",
		Name:      "entries_buffered_total",
		Help:      "Total number of audit entries buffered for flush.",
	},
)

var NotificationSendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "restosync",
		Subsystem: "notification",
		Name:      "send_total",
		Help:      "Total number of notification send attempts by method and outcome.",
	},
	[]string{"method", "status"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "restosync",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request handling duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// All returns every restosync-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueEntriesAddedTotal,
		QueueNoShowsTotal,
		QueueWaitEstimateSeconds,
		ReservationsCreatedTotal,
		ReservationConflictsTotal,
		ReservationNoShowsTotal,
		SyncMessagesFannedOutTotal,
		SyncConnectionsGauge,
		AuditFlushDuration,
		AuditEntriesBufferedTotal,
		NotificationSendTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every collector returned by extra.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
