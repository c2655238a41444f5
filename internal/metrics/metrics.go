// Package metrics provides Prometheus instrumentation for the Money & Trust
// Core platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hustlexp"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerTransactionsTotal counts ledger transactions by status.
	LedgerTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Total ledger transactions recorded, by status.",
		},
		[]string{"status", "type"},
	)

	// InvariantViolationsTotal counts merr.InvariantViolation occurrences by
	// code — these always page.
	InvariantViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Total invariant violations detected, by code.",
		},
		[]string{"code"},
	)

	// WebhookDeliveriesTotal counts webhook processing outcomes by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total inbound webhook deliveries by pipeline result.",
		},
		[]string{"result"},
	)

	// SagaRetriesTotal counts Saga recovery-sweep retries by action.
	SagaRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_retries_total",
			Help:      "Total saga recovery-sweep retries, by action.",
		},
		[]string{"action"},
	)

	// SagaActionDuration observes end-to-end saga execution latency by action.
	SagaActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_action_duration_seconds",
			Help:      "Saga action execution latency in seconds, by action.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"action"},
	)

	// DLQDepth tracks the current dead-letter-queue row count.
	DLQDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "dlq_depth",
		Help: "Current number of rows in the dead letter queue.",
	})

	// StuckEntitiesGauge tracks the current stuck-entity count by kind
	// (saga, webhook_claim, outbox_claim), as found by the obs scanner.
	StuckEntitiesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace, Name: "stuck_entities",
			Help: "Current count of stuck entities, by kind.",
		},
		[]string{"kind"},
	)

	// OutboxOldestUnpublishedAge tracks the age in seconds of the oldest
	// unpublished outbox event, by queue.
	OutboxOldestUnpublishedAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_oldest_unpublished_age_seconds",
			Help: "Age in seconds of the oldest unpublished outbox event, by queue.",
		},
		[]string{"queue"},
	)

	// WorkerLatency observes outbox worker processing latency per handler.
	WorkerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_latency_seconds",
			Help:      "Outbox worker handler processing latency in seconds, by queue.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// XPAwardsTotal counts XP award operations.
	XPAwardsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "xp_awards_total",
		Help:      "Total XP awards recorded.",
	})

	// TrustTierChangesTotal counts trust tier changes by direction.
	TrustTierChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_tier_changes_total",
			Help:      "Total trust tier changes, by direction (upgrade/downgrade).",
		},
		[]string{"direction"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// ActiveAlertStreamClients tracks the current number of connected
	// operator WebSocket clients tailing the live alert stream.
	ActiveAlertStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_alert_stream_clients",
		Help: "Current number of connected operator alert-stream WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerTransactionsTotal,
		InvariantViolationsTotal,
		WebhookDeliveriesTotal,
		SagaRetriesTotal,
		SagaActionDuration,
		DLQDepth,
		StuckEntitiesGauge,
		OutboxOldestUnpublishedAge,
		WorkerLatency,
		XPAwardsTotal,
		TrustTierChangesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		ActiveAlertStreamClients,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
