// Package metrics collects and exposes runner observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters keyed by pool name)
//     for a lightweight JSON /metrics.json endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets an operator curl the daemon directly without a
// Prometheus sidecar while still supporting a real monitoring stack.
//
// # Concurrency
//
// Pool and VM lifecycle events are recorded from goroutines racing each
// other (replenishment, monitor, Submit) so every counter here is either
// an atomic or a sync.Map entry of atomics — no counter is ever guarded
// by a mutex on the hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PoolMetrics tracks one resource pool's (TAP, Overlay, IP) operation
// counts. Current depth is only exported through the Prometheus gauge
// (see SetPoolDepth).
type PoolMetrics struct {
	Acquired  atomic.Int64
	Released  atomic.Int64
	Created   atomic.Int64
	Deleted   atomic.Int64
	Exhausted atomic.Int64
}

// Metrics collects and exposes runner runtime metrics.
type Metrics struct {
	// VM lifecycle counters
	VMsCreated atomic.Int64
	VMsStopped atomic.Int64
	VMsCrashed atomic.Int64

	// Per-pool metrics, keyed by pool name ("tap", "overlay", "ip")
	poolMetrics sync.Map // string -> *PoolMetrics

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

func (m *Metrics) pool(name string) *PoolMetrics {
	if v, ok := m.poolMetrics.Load(name); ok {
		return v.(*PoolMetrics)
	}
	pm := &PoolMetrics{}
	actual, _ := m.poolMetrics.LoadOrStore(name, pm)
	return actual.(*PoolMetrics)
}

// RecordPoolAcquire records a successful Acquire from the named pool.
func (m *Metrics) RecordPoolAcquire(poolName string) {
	m.pool(poolName).Acquired.Add(1)
	RecordPrometheusPoolOp(poolName, "acquire", "success")
}

// RecordPoolExhausted records an Acquire that could not hand out a
// resource: the IP pool had no free address, or a TAP/overlay pool was
// empty and its on-demand creation failed.
func (m *Metrics) RecordPoolExhausted(poolName string) {
	m.pool(poolName).Exhausted.Add(1)
	RecordPrometheusPoolOp(poolName, "acquire", "exhausted")
}

// RecordPoolRelease records a Release back to the named pool.
func (m *Metrics) RecordPoolRelease(poolName string) {
	m.pool(poolName).Released.Add(1)
	RecordPrometheusPoolOp(poolName, "release", "success")
}

// RecordPoolCreate records a new resource (TAP device, overlay file)
// being created, whether during Init, replenishment, or on-demand.
func (m *Metrics) RecordPoolCreate(poolName string) {
	m.pool(poolName).Created.Add(1)
	RecordPrometheusPoolOp(poolName, "create", "success")
}

// RecordPoolCreateFailed records a failed resource creation.
func (m *Metrics) RecordPoolCreateFailed(poolName string) {
	RecordPrometheusPoolOp(poolName, "create", "failed")
}

// RecordPoolDelete records a resource (TAP device, overlay file) being
// torn down on Release. Deletions done by Shutdown are not counted.
func (m *Metrics) RecordPoolDelete(poolName string) {
	m.pool(poolName).Deleted.Add(1)
	RecordPrometheusPoolOp(poolName, "delete", "success")
}

// SetPoolDepth sets the current free/in-use depth gauge for a pool.
func (m *Metrics) SetPoolDepth(poolName string, free, inUse int) {
	SetPrometheusPoolDepth(poolName, free, inUse)
}

// RecordVMCreated records a new VM creation.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a VM being stopped.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a VM crash.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// RecordVMPhase records the duration of one VM lifecycle phase (spawn,
// ready-wait, configure, start).
func (m *Metrics) RecordVMPhase(phase string, durationMs int64) {
	RecordPrometheusVMPhase(phase, durationMs)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	pools := make(map[string]interface{})
	m.poolMetrics.Range(func(key, value interface{}) bool {
		name := key.(string)
		pm := value.(*PoolMetrics)
		pools[name] = map[string]interface{}{
			"acquired":  pm.Acquired.Load(),
			"released":  pm.Released.Load(),
			"created":   pm.Created.Load(),
			"deleted":   pm.Deleted.Load(),
			"exhausted": pm.Exhausted.Load(),
		}
		return true
	})

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"vms": map[string]interface{}{
			"created": m.VMsCreated.Load(),
			"stopped": m.VMsStopped.Load(),
			"crashed": m.VMsCrashed.Load(),
		},
		"pools": pools,
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
