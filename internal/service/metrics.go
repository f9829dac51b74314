package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the dispatcher and storage engine
// record.
type Metrics struct {
	StorageResolveDuration *prometheus.HistogramVec
	StorageBucketCount     prometheus.Gauge
	StorageSaveTotal       prometheus.Counter
	StorageLoadFailures    prometheus.Counter

	DispatchTotal *prometheus.CounterVec

	MonitorDropped prometheus.Counter
}

// NewMetrics creates and registers every series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		StorageResolveDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "policyd",
				Subsystem: "storage",
				Name:      "resolve_duration_seconds",
				Help:      "Duration of Database.Resolve calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"dialect"},
		),
		StorageBucketCount: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policyd",
				Subsystem: "storage",
				Name:      "bucket_count",
				Help:      "Number of buckets currently in the policy database",
			},
		),
		StorageSaveTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyd",
				Subsystem: "storage",
				Name:      "save_total",
				Help:      "Total number of successful database saves",
			},
		),
		StorageLoadFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyd",
				Subsystem: "storage",
				Name:      "load_failures_total",
				Help:      "Total number of database load failures",
			},
		),
		DispatchTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policyd",
				Name:      "dispatch_total",
				Help:      "Total number of dispatched requests",
			},
			[]string{"dialect", "opcode", "result"},
		),
		MonitorDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policyd",
				Subsystem: "monitor",
				Name:      "dropped_total",
				Help:      "Total number of monitor entries discarded for lack of a subscriber",
			},
		),
	}
}
