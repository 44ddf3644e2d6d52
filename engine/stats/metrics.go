package stats

import (
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "Mayastor"
)

var (
	Gather = prometheus.NewRegistry()

	NexusIoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "io_requests",
			Help:      "Counter of nexus frontend I/O requests.",
		}, []string{"nexus", "type", "outcome"})

	NexusIoLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "io_latency_seconds",
			Help:      "Latency from nexus dispatch to aggregate completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}, []string{"nexus", "type"})

	ChildRetireCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "child_retirements",
			Help:      "Counter of child retirements by fault reason.",
		}, []string{"nexus", "reason"})

	NexusStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nexus",
			Name:      "status",
			Help:      "Current nexus status (numeric NexusStatus value).",
		}, []string{"nexus"})

	RebuildBlocksCopied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rebuild",
			Name:      "blocks_copied",
			Help:      "Counter of blocks copied by rebuild jobs.",
		}, []string{"destination"})

	RebuildBlocksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rebuild",
			Name:      "blocks_skipped",
			Help:      "Counter of blocks skipped because live writes already covered them.",
		}, []string{"destination"})

	RebuildActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rebuild",
			Name:      "active_jobs",
			Help:      "Number of rebuild jobs currently running or paused.",
		})

	PersistLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pstore",
			Name:      "put_latency_seconds",
			Help:      "Latency of persistent nexus info writes.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})

	PersistErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pstore",
			Name:      "put_errors",
			Help:      "Counter of failed or timed out persistent nexus info writes.",
		})

	DeviceIoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bdev",
			Name:      "io_requests",
			Help:      "Counter of block device I/O requests.",
		}, []string{"device", "type", "outcome"})

	DeviceIoBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bdev",
			Name:      "io_bytes",
			Help:      "Counter of block device bytes read and written.",
		}, []string{"device", "type"})
)

func init() {
	Gather.MustRegister(NexusIoCounter)
	Gather.MustRegister(NexusIoLatency)
	Gather.MustRegister(ChildRetireCounter)
	Gather.MustRegister(NexusStatusGauge)
	Gather.MustRegister(RebuildBlocksCopied)
	Gather.MustRegister(RebuildBlocksSkipped)
	Gather.MustRegister(RebuildActiveGauge)
	Gather.MustRegister(PersistLatency)
	Gather.MustRegister(PersistErrorCounter)
	Gather.MustRegister(DeviceIoCounter)
	Gather.MustRegister(DeviceIoBytes)
	Gather.MustRegister(collectors.NewGoCollector())
	Gather.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the process metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gather, promhttp.HandlerOpts{})
}

// StartMetricsServer starts a standalone metrics listener when the control
// server is not the one exporting metrics.
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	glog.V(0).Infof("Start metrics server at %s", addr)
	glog.Fatal(server.ListenAndServe())
}
