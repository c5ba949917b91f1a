package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics
var (
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_calls_total",
			Help: "Total number of calls handled",
		},
		[]string{"app"},
	)

	CallsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_calls_current",
			Help: "Current number of active calls",
		},
		[]string{"app"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmail_call_duration_seconds",
			Help:    "Duration of calls in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"app"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_authentication_attempts_total",
			Help: "Total number of mailbox and password attempts",
		},
		[]string{"app", "phase", "result"},
	)

	AuthBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_auth_blocks_total",
			Help: "Total number of mailboxes blocked after repeated password failures",
		},
	)

	FSMTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_fsm_transitions_total",
			Help: "Total number of call flow state transitions",
		},
		[]string{"app", "state"},
	)

	FSMErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_fsm_errors_total",
			Help: "Collaborator failures reported by call flows",
		},
		[]string{"app", "operation"},
	)
)

// Message metrics
var (
	MessagesRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_messages_recorded_total",
			Help: "Total number of voicemail messages saved",
		},
	)

	MessagesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_messages_discarded_total",
			Help: "Total number of recordings cancelled by the caller",
		},
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_messages_deleted_total",
			Help: "Total number of voicemail messages deleted",
		},
		[]string{"source"},
	)

	MessagesMoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_messages_moved_total",
			Help: "Total number of messages moved between folders",
		},
	)

	MessagesPlayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_messages_played_total",
			Help: "Total number of message playbacks started",
		},
	)

	RecordingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmail_recording_duration_seconds",
			Help:    "Duration of saved recordings in seconds",
			Buckets: []float64{5, 10, 30, 60, 120, 180, 300},
		},
	)
)

// ARI metrics
var (
	ARICommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_ari_commands_total",
			Help: "Total number of ARI REST commands",
		},
		[]string{"operation", "status"},
	)

	ARICommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmail_ari_command_duration_seconds",
			Help:    "Duration of ARI REST commands in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	ARIEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_ari_events_total",
			Help: "Total number of ARI events received",
		},
		[]string{"type"},
	)

	ARIReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_ari_reconnects_total",
			Help: "Total number of event websocket reconnects",
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmail_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_db_transactions_total",
			Help: "Total number of database transactions by outcome",
		},
		[]string{"result"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmail_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
		[]string{"role"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmail_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_cache_operations_total",
			Help: "Total number of local recording cache operations",
		},
		[]string{"operation", "result"},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmail_cache_size_bytes",
			Help: "Current size of the local recording cache in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmail_cache_objects_total",
			Help: "Current number of recordings in the local cache",
		},
	)

	ArchiverBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmail_archiver_batches_total",
			Help: "Total number of archive batches processed",
		},
	)

	ArchiverRecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_archiver_recordings_total",
			Help: "Total number of recordings archived",
		},
		[]string{"status"},
	)
)

// Notification metrics
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_notifications_total",
			Help: "Total number of new voicemail emails",
		},
		[]string{"status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmail_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "method", "code"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmail_component_health_status",
			Help: "Component health (0 unreachable, 1 unhealthy, 2 degraded, 3 healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmail_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)
)
