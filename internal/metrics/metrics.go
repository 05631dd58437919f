package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_jobs_fired_total",
			Help: "Total number of fire attempts by this process",
		},
		[]string{"kind", "outcome"}, // outcome: dispatched, abstained, failed
	)

	MisfiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_misfires_total",
			Help: "Total number of due jobs skipped without firing",
		},
		[]string{"reason"}, // late, pool_full
	)

	LockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_lock_attempts_total",
			Help: "Total number of invocation lock attempts",
		},
		[]string{"result"}, // won, lost, error
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_token_refreshes_total",
			Help: "Total number of owner token refreshes",
		},
		[]string{"success"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_deliveries_total",
			Help: "Total number of callback deliveries",
		},
		[]string{"result"}, // delivered, dead_lettered
	)

	JobsRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_jobs_removed_total",
			Help: "Total number of jobs removed by this process",
		},
		[]string{"reason"}, // completed, expired, owner_deleted, exhausted
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedd_store_retries_total",
			Help: "Total number of job store reads retried after a connection error",
		},
		[]string{"op"},
	)

	// Gauges
	PoolQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedd_pool_queue_length",
			Help: "Current number of fires waiting for a worker",
		},
	)

	ScheduledJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedd_scheduled_jobs",
			Help: "Number of jobs with a next fire time, as last observed",
		},
	)

	DeliveryQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedd_delivery_queue_length",
			Help: "Current number of callbacks waiting for delivery",
		},
	)

	// Histograms
	FireLagSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedd_fire_lag_seconds",
			Help:    "Delay between a job's scheduled fire time and its dispatch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)

	DeliveryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schedd_delivery_duration_seconds",
			Help:    "Callback delivery duration in seconds, retries included",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"method"},
	)
)
