package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Sync metrics
	RemoteAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_remote_attempts_total",
			Help: "Remote store call attempts",
		},
		[]string{"op", "outcome"}, // outcome: ok, transient, conflict, error
	)

	RemoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_remote_latency_seconds",
			Help:    "Remote store call latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	MutationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_mutations_failed_total",
			Help: "Mutations that exhausted their retries",
		},
		[]string{"op"},
	)

	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_refreshes_total",
			Help: "Incremental refresh runs",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	MergeRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_merge_records_total",
			Help: "Fetched records by merge outcome",
		},
		[]string{"outcome"}, // noop, updated, adopted, inserted, deleted, skipped
	)

	ReactionToggles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_reaction_toggles_total",
			Help: "Optimistic reaction toggles",
		},
		[]string{"action"}, // "add" or "remove"
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_events_dropped_total",
			Help: "Events dropped on slow subscriber channels",
		},
	)

	OpenRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_open_rooms",
			Help: "Currently open room sessions",
		},
	)
)
