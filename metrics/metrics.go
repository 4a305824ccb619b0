package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FactsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_facts_documents_ingested_total",
			Help: "Total number of facts documents evaluated",
		},
		[]string{"collector"},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_events_ingested_total",
			Help: "Total number of security events inserted",
		},
		[]string{"source"},
	)

	DetectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_detections_created_total",
			Help: "Total number of detections stored",
		},
		[]string{"rule_id", "severity"},
	)

	DetectionsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_detections_suppressed_total",
			Help: "Total number of candidate detections suppressed as duplicates",
		},
		[]string{"rule_id"},
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostaudit_poll_cycle_duration_seconds",
			Help:    "Time taken by one event poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_poll_errors_total",
			Help: "Total number of failed poll cycles",
		},
		[]string{"stage"},
	)

	NotificationsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostaudit_notifications_published_total",
			Help: "Total number of notifications published to the bus",
		},
	)

	NotificationSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostaudit_notification_subscribers",
			Help: "Current number of live subscribers",
		},
	)

	RelayFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_relay_failures_total",
			Help: "Total number of failed relay deliveries",
		},
		[]string{"relay"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_jobs_total",
			Help: "Total number of collector jobs by final status",
		},
		[]string{"status"},
	)

	CollectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostaudit_collector_duration_seconds",
			Help:    "Time taken to run one collector",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"collector", "result"},
	)

	RegexTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_regex_timeouts_total",
			Help: "Total number of pattern matches aborted by timeout",
		},
		[]string{"pattern"},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostaudit_retention_deleted_total",
			Help: "Total number of rows removed by retention",
		},
		[]string{"table"},
	)

	SQLiteOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostaudit_sqlite_open_connections",
			Help: "Open connections per SQLite pool",
		},
		[]string{"pool"},
	)
)
