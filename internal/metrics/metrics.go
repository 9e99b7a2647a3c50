package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatarchive_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Slack API metrics
	SlackAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_slack_api_calls_total",
			Help: "Total number of Slack Web API calls",
		},
		[]string{"method", "status"},
	)

	SlackAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatarchive_slack_api_call_duration_seconds",
			Help:    "Duration of Slack Web API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SlackAPIRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_slack_api_retries_total",
			Help: "Total number of retried Slack Web API calls",
		},
		[]string{"operation"},
	)

	CircuitBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatarchive_slack_circuit_open",
			Help: "1 while the Slack circuit breaker is open",
		},
	)

	// Ingestion metrics
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_history_pages_fetched_total",
			Help: "Total number of conversation history pages fetched",
		},
		[]string{"status"},
	)

	MessagesImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_messages_imported_total",
			Help: "Total number of messages processed by the importer",
		},
		[]string{"source", "status"},
	)

	ThreadsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_threads_imported_total",
			Help: "Total number of threads whose replies were imported",
		},
		[]string{"status"},
	)

	UsersImported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatarchive_users_imported_total",
			Help: "Total number of newly created users",
		},
	)

	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_ingest_failures_total",
			Help: "Total number of failures reported by the importer",
		},
		[]string{"kind"},
	)

	FilesMirrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_files_mirrored_total",
			Help: "Total number of attachment downloads",
		},
		[]string{"status"},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_sync_runs_total",
			Help: "Total number of workspace sync runs",
		},
		[]string{"trigger", "status"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatarchive_sync_duration_seconds",
			Help:    "Duration of workspace sync runs in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	// Storage metrics
	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatarchive_database_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	UserCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_user_cache_lookups_total",
			Help: "Total number of user cache lookups",
		},
		[]string{"result"},
	)

	// Webhook metrics
	SlackEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatarchive_slack_events_received_total",
			Help: "Total number of Slack Events API callbacks received",
		},
		[]string{"event_type", "status"},
	)
)
