// Package metrics holds the controller's Prometheus collector catalogue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "csictl_nodes_total",
			Help: "Total number of registered nodes by sync state",
		},
		[]string{"state"},
	)

	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "csictl_pools_total",
			Help: "Total number of pools by state",
		},
		[]string{"state"},
	)

	NexusesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "csictl_nexuses_total",
			Help: "Total number of nexuses by state",
		},
		[]string{"state"},
	)

	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_node_sync_cycles_total",
			Help: "Total number of node sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "csictl_node_sync_duration_seconds",
			Help:    "Time taken for one node sync cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_rpc_requests_total",
			Help: "Total number of node RPC calls by method and status",
		},
		[]string{"method", "status"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "csictl_rpc_duration_seconds",
			Help:    "Node RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Volume metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "csictl_volumes_total",
			Help: "Total number of volumes by state",
		},
		[]string{"state"},
	)

	VolumeProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csictl_volume_provision_duration_seconds",
			Help:    "Time taken to provision a volume",
			Buckets: prometheus.DefBuckets,
		},
	)

	VolumeFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_volume_faults_total",
			Help: "Total number of volume fault transitions by cause",
		},
		[]string{"cause"},
	)

	// CSI dispatcher metrics
	CSIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_csi_requests_total",
			Help: "Total number of CSI controller requests by method and code",
		},
		[]string{"method", "code"},
	)

	CSIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "csictl_csi_request_duration_seconds",
			Help:    "CSI controller request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	CSIDedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csictl_csi_dedup_hits_total",
			Help: "Total number of CSI requests served from the idempotence cache",
		},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_reconcile_cycles_total",
			Help: "Total number of CRD reconcile cycles by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "csictl_reconcile_duration_seconds",
			Help:    "CRD reconcile cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	WatchRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_watch_restarts_total",
			Help: "Total number of CRD watch restarts by resource",
		},
		[]string{"resource"},
	)

	// Event stream metrics
	EventStreamSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "csictl_eventstream_subscribers",
			Help: "Current number of active event stream subscribers",
		},
	)

	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csictl_events_emitted_total",
			Help: "Total number of events emitted by kind and type",
		},
		[]string{"kind", "type"},
	)

	// WorkQueue metrics
	WorkQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "csictl_workqueue_depth",
			Help: "Current depth of a named work queue",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		PoolsTotal,
		NexusesTotal,
		SyncCyclesTotal,
		SyncDuration,
		RPCRequestsTotal,
		RPCDuration,
		VolumesTotal,
		VolumeProvisionDuration,
		VolumeFaultsTotal,
		CSIRequestsTotal,
		CSIRequestDuration,
		CSIDedupHitsTotal,
		ReconcileCyclesTotal,
		ReconcileDuration,
		WatchRestartsTotal,
		EventStreamSubscribersTotal,
		EventsEmittedTotal,
		WorkQueueDepth,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports its duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec reports the elapsed time against a vector's labeled child.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
