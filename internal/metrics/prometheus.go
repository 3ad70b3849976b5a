package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps Prometheus collectors for the runner.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	poolOpsTotal *prometheus.CounterVec
	vmsCreated   prometheus.Counter
	vmsStopped   prometheus.Counter
	vmsCrashed   prometheus.Counter

	// Histograms
	vmPhaseDuration *prometheus.HistogramVec

	// Gauges
	uptime    prometheus.GaugeFunc
	poolDepth *prometheus.GaugeVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		poolOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_operations_total",
				Help:      "Total resource pool operations by pool, operation, and outcome",
			},
			[]string{"pool", "operation", "outcome"},
		),

		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_created_total",
				Help:      "Total VMs created",
			},
		),

		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_stopped_total",
				Help:      "Total VMs stopped",
			},
		),

		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_crashed_total",
				Help:      "Total VMs that crashed unexpectedly",
			},
		),

		vmPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vm_phase_duration_milliseconds",
				Help:      "Duration of each VM lifecycle phase in milliseconds",
				Buckets:   buckets,
			},
			[]string{"phase"}, // spawn, ready_wait, configure, start
		),

		poolDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_depth",
				Help:      "Current resource pool depth by pool and state (free/in_use)",
			},
			[]string{"pool", "state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the runner started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.poolOpsTotal,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.vmPhaseDuration,
		pm.poolDepth,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusPoolOp records one pool operation outcome.
func RecordPrometheusPoolOp(poolName, operation, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolOpsTotal.WithLabelValues(poolName, operation, outcome).Inc()
}

// SetPrometheusPoolDepth sets the free/in-use depth gauges for a pool.
func SetPrometheusPoolDepth(poolName string, free, inUse int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolDepth.WithLabelValues(poolName, "free").Set(float64(free))
	promMetrics.poolDepth.WithLabelValues(poolName, "in_use").Set(float64(inUse))
}

// RecordPrometheusVMCreated records a VM creation in Prometheus.
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a VM stop in Prometheus.
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a VM crash in Prometheus.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordPrometheusVMPhase records a VM lifecycle phase's duration.
func RecordPrometheusVMPhase(phase string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmPhaseDuration.WithLabelValues(phase).Observe(float64(durationMs))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the Prometheus registry, for custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
