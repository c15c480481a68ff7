// Package metrics exposes Prometheus metrics for sync runs, connector
// dispatches and the RPC state bridge.
//
// # Basic Usage
//
//	metrics.Rows.WithLabelValues(syncID, metrics.StatusSuccess).Inc()
//
//	timer := metrics.NewTimer()
//	_, err := dest.Describe(ctx)
//	metrics.ObserveDispatch("describe", timer.Stop())
//
// All metrics are registered with the default registry on import; Handler
// serves them.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Row statuses.
const (
	StatusSuccess  = "success"
	StatusSkipped  = "skipped"
	StatusEnriched = "enriched"
	StatusDropped  = "dropped"
	StatusHalted   = "halted"
)

var (
	// Rows counts source rows by outcome.
	// Labels: sync, status (success/skipped/enriched/dropped/halted)
	Rows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncmaven_rows_total",
			Help: "Rows handled by sync runs",
		},
		[]string{"sync", "status"},
	)

	// Checkpoints counts persisted checkpoints.
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncmaven_checkpoints_total",
			Help: "Checkpoints persisted by sync runs",
		},
		[]string{"sync"},
	)

	// Runs counts finished sync runs.
	// Labels: sync, status (success/failed)
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncmaven_runs_total",
			Help: "Finished sync runs",
		},
		[]string{"sync", "status"},
	)

	// DispatchDuration tracks how long a connector takes to answer a
	// request. Labels: phase (describe/streams/stop_stream/enrich)
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "syncmaven_connector_dispatch_seconds",
			Help: "Time between a request to a connector and its reply",
			Buckets: []float64{
				0.005, // 5ms - warm in-process connectors
				0.05,
				0.5,
				5,  // 5s - container start plus request
				30, // 30s - slow remote APIs
				120,
			},
		},
		[]string{"phase"},
	)

	// BridgeRequests counts RPC bridge calls. Labels: route, status (HTTP code)
	BridgeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncmaven_bridge_requests_total",
			Help: "Requests served by the RPC state bridge",
		},
		[]string{"route", "status"},
	)

	// Throughput tracks rows per second of the running sync.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncmaven_throughput_rows_per_second",
			Help: "Current throughput in rows per second",
		},
		[]string{"sync"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch records the duration of a connector request.
func ObserveDispatch(phase string, d time.Duration) {
	DispatchDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Timer measures the duration of one operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the time elapsed since NewTimer. It can be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks rows per second for one sync over reporting
// windows. Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	sync      string
}

// NewThroughputTracker creates a tracker labelled with syncID.
func NewThroughputTracker(syncID string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		sync:      syncID,
	}
}

// Increment adds n to the row count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the rows per second since the last call, publishes it
// and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.sync).Set(throughput)
	return throughput
}
