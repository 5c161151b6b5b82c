package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_events_received_total",
		Help: "Total number of event messages read off the ingest socket.",
	})

	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_events_invalid_total",
		Help: "Total number of inbound messages dropped as malformed or incomplete.",
	})

	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_events_enqueued_total",
		Help: "Total number of events placed on the dispatch queue.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_events_dropped_total",
		Help: "Total number of events rejected due to a full queue.",
	})

	ReactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_reactions_processed_total",
		Help: "Total number of (event, reaction) pairs recorded, labelled by outcome.",
	}, []string{"outcome"})

	GateSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_gate_skips_total",
		Help: "Total number of gate skips, labelled by reason.",
	}, []string{"reason"})

	PluginInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_plugin_invocations_total",
		Help: "Total number of plugin invocations, labelled by rtype and status.",
	}, []string{"rtype", "status"})

	InvokeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sink_plugin_invoke_duration_ms",
		Help:    "Plugin invocation latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sink_queue_utilization_ratio",
		Help: "Current dispatch queue utilization (0–1).",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_repo_cache_hits_total",
		Help: "Total number of reaction reads served from the cache.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_repo_cache_misses_total",
		Help: "Total number of reaction reads that fell through to the store.",
	})

	RepoErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sink_repo_errors_total",
		Help: "Total number of failed repository store operations, including retried attempts.",
	})
)
