package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics for the downstream API
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Upstream portal metrics
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Latency of requests sent to the enrollment portal",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"method", "host", "status"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests sent to the enrollment portal",
		},
		[]string{"method", "host", "status"},
	)

	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_attempts_total",
			Help: "SSO login attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently held in memory",
		},
	)

	// Crawl metrics
	CrawlDetailRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_detail_requests_total",
			Help: "Per-course detail fetches issued by the crawler",
		},
		[]string{"outcome"},
	)

	CrawlSnapshotEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawl_snapshot_entries",
			Help:    "Teaching classes per produced snapshot",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10),
		},
	)

	// Task metrics
	TaskAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_attempts_total",
			Help: "Handler invocations by task kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TasksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_active",
			Help: "Tasks currently running",
		},
		[]string{"kind"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of messages sent via WebSocket",
		},
		[]string{"topic"},
	)
)
