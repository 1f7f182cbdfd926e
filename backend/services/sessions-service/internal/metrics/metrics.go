package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "evcharge_"

	// Realtime delivery results.
	ResultDelivered = "delivered"
	ResultDropped   = "dropped"
	ResultFailed    = "failed"
)

var (
	registerOnce sync.Once

	sessionTransitions *prometheus.CounterVec
	progressSnapshots  *prometheus.CounterVec
	realtimeDeliveries *prometheus.CounterVec
	realtimeClients    prometheus.Gauge
	jobRuns            *prometheus.CounterVec
	jobLatency         *prometheus.HistogramVec
)

// Init registers service metrics and DB pool gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		sessionTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "session_transitions_total",
				Help: "Charging session status transitions by target status",
			},
			[]string{"status"},
		)
		progressSnapshots = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "progress_snapshots_total",
				Help: "Progress updates by outcome",
			},
			[]string{"result"},
		)
		realtimeDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "realtime_deliveries_total",
				Help: "Realtime frames by delivery result",
			},
			[]string{"result"},
		)
		realtimeClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "realtime_clients",
				Help: "Connected realtime clients",
			},
		)
		jobRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "job_runs_total",
				Help: "Background job runs by job and result",
			},
			[]string{"job", "result"},
		)
		jobLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "job_latency_seconds",
				Help:    "Background job run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		)

		prometheus.MustRegister(
			sessionTransitions,
			progressSnapshots,
			realtimeDeliveries,
			realtimeClients,
			jobRuns,
			jobLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_open_connections",
			Help: "Open connections in the database pool",
		},
		func() float64 { return float64(db.Stats().OpenConnections) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "sessions_in_progress",
			Help: "Charging sessions currently InProgress",
		},
		func() float64 {
			var count int64
			if err := db.QueryRow(`SELECT COUNT(*) FROM charging_sessions WHERE status = 'InProgress'`).Scan(&count); err != nil {
				if logger != nil {
					logger.Warn("metrics query failed", zap.Error(err))
				}
				return 0
			}
			return float64(count)
		},
	))
}

// IncSessionTransition counts a session reaching status.
func IncSessionTransition(status string) {
	if sessionTransitions != nil {
		sessionTransitions.WithLabelValues(status).Inc()
	}
}

// IncProgressSnapshot counts an UpdateProgress outcome (applied, ignored).
func IncProgressSnapshot(result string) {
	if progressSnapshots != nil {
		progressSnapshots.WithLabelValues(result).Inc()
	}
}

// IncRealtimeDelivery counts one frame per connection by result.
func IncRealtimeDelivery(result string) {
	if realtimeDeliveries != nil {
		realtimeDeliveries.WithLabelValues(result).Inc()
	}
}

// AddRealtimeClients moves the connected-clients gauge.
func AddRealtimeClients(delta float64) {
	if realtimeClients != nil {
		realtimeClients.Add(delta)
	}
}

// ObserveJob records a background job run.
func ObserveJob(job string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	if jobRuns != nil {
		jobRuns.WithLabelValues(job, result).Inc()
	}
	if jobLatency != nil {
		jobLatency.WithLabelValues(job).Observe(duration.Seconds())
	}
}
