package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	proxmove = "proxmove"

	transferredBytesTotal = "disk_transferred_bytes_total"
	diskFailuresTotal     = "disk_transfer_failures_total"
	jobsByStatus          = "jobs_by_status"
	jobDuration           = "job_duration_seconds"

	storageKindLabel = "storage_kind"
	errorKindLabel   = "error_kind"
	statusLabel      = "status"
)

var transferredBytesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: proxmove,
		Name:      transferredBytesTotal,
		Help:      "number of disk bytes moved to a target cluster, by storage kind",
	},
	[]string{storageKindLabel},
)

var diskFailuresTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: proxmove,
		Name:      diskFailuresTotal,
		Help:      "number of per-disk transfer failures, by storage and error kind",
	},
	[]string{storageKindLabel, errorKindLabel},
)

var jobsByStatusMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: proxmove,
		Name:      jobsByStatus,
		Help:      "number of migration jobs in each status",
	},
	[]string{statusLabel},
)

var jobDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: proxmove,
		Name:      jobDuration,
		Help:      "wall time of finished migration jobs",
		Buckets:   []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600},
	},
	[]string{statusLabel},
)

func AddTransferredBytes(storageKind string, n int64) {
	transferredBytesTotalMetric.With(prometheus.Labels{storageKindLabel: storageKind}).Add(float64(n))
}

func IncDiskFailure(storageKind, errorKind string) {
	diskFailuresTotalMetric.With(prometheus.Labels{
		storageKindLabel: storageKind,
		errorKindLabel:   errorKind,
	}).Inc()
}

func SetJobsByStatus(status string, count int) {
	jobsByStatusMetric.With(prometheus.Labels{statusLabel: status}).Set(float64(count))
}

func ObserveJobDuration(status string, seconds float64) {
	jobDurationMetric.With(prometheus.Labels{statusLabel: status}).Observe(seconds)
}

// Handler exposes the default registry, for the dedicated metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	prometheus.MustRegister(
		transferredBytesTotalMetric,
		diskFailuresTotalMetric,
		jobsByStatusMetric,
		jobDurationMetric,
	)
}
