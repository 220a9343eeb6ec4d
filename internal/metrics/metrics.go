// Package metrics exposes Prometheus metrics for the brick loader.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gigavox"

// Label constants for metrics.
const (
	LabelResult = "result"
	LabelStatus = "status"
	LabelTier   = "tier"
)

// Request results.
const (
	ResultHit       = "hit"
	ResultLoaded    = "loaded"
	ResultDispatch  = "dispatched"
	ResultReadError = "read_error"
	ResultCorrupt   = "corrupt"
)

// Decode statuses.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Metrics holds the loader's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	bytesReadTotal   prometheus.Counter
	decodeDuration   *prometheus.HistogramVec
	evictionsTotal   *prometheus.CounterVec
	evictedBytes     prometheus.Counter
	softLimitBreach  prometheus.Counter
	usedBytes        prometheus.Gauge
	limitBytes       prometheus.Gauge
	residentBricks   prometheus.Gauge
	runningWorkers   prometheus.Gauge
	engineRunsTotal  prometheus.Counter
	purgedBytesTotal prometheus.Counter
}

// NewMetrics creates the loader metrics and registers them with registry.
// A nil registry leaves them unregistered, which is handy in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "requests_total",
				Help:      "Brick requests serviced by the loader, by result",
			},
			[]string{LabelResult},
		),
		bytesReadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "read_bytes_total",
				Help:      "Stored bytes read from brick sources",
			},
		),
		decodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "decomp",
				Name:      "duration_seconds",
				Help:      "Time spent decoding one brick",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{LabelStatus},
		),
		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Bricks evicted under memory pressure, by tier",
			},
			[]string{LabelTier},
		),
		evictedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evicted_bytes_total",
				Help:      "Bytes freed by eviction",
			},
		),
		softLimitBreach: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "soft_limit_breaches_total",
				Help:      "Loads that went over the memory limit because nothing was evictable",
			},
		),
		usedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "used_bytes",
				Help:      "Resident plus reserved bytes",
			},
		),
		limitBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "limit_bytes",
				Help:      "Configured memory limit",
			},
		),
		residentBricks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "resident_bricks",
				Help:      "Number of resident bricks",
			},
		),
		runningWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "decomp",
				Name:      "running_workers",
				Help:      "Decompression workers currently alive",
			},
		),
		engineRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loader",
				Name:      "runs_total",
				Help:      "Engine runs started",
			},
		),
		purgedBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "purged_bytes_total",
				Help:      "Bytes released by dataset purges",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.requestsTotal,
			m.bytesReadTotal,
			m.decodeDuration,
			m.evictionsTotal,
			m.evictedBytes,
			m.softLimitBreach,
			m.usedBytes,
			m.limitBytes,
			m.residentBricks,
			m.runningWorkers,
			m.engineRunsTotal,
			m.purgedBytesTotal,
		)
	}

	return m
}

// ObserveRequest records how one request was serviced.
func (m *Metrics) ObserveRequest(result string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddBytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesReadTotal.Add(float64(n))
}

// ObserveDecode records one decompression job.
func (m *Metrics) ObserveDecode(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.decodeDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveEviction records one evicted brick.
func (m *Metrics) ObserveEviction(tier string, size int64) {
	if m == nil {
		return
	}
	m.evictionsTotal.WithLabelValues(tier).Inc()
	m.evictedBytes.Add(float64(size))
}

func (m *Metrics) ObserveSoftLimitBreach() {
	if m == nil {
		return
	}
	m.softLimitBreach.Inc()
}

func (m *Metrics) ObserveRun() {
	if m == nil {
		return
	}
	m.engineRunsTotal.Inc()
}

func (m *Metrics) ObservePurge(bytes int64) {
	if m == nil {
		return
	}
	m.purgedBytesTotal.Add(float64(bytes))
}

// SetCacheState publishes the current cache gauges.
func (m *Metrics) SetCacheState(used int64, limit uint64, resident int) {
	if m == nil {
		return
	}
	m.usedBytes.Set(float64(used))
	m.limitBytes.Set(float64(limit))
	m.residentBricks.Set(float64(resident))
}

func (m *Metrics) SetRunningWorkers(n int) {
	if m == nil {
		return
	}
	m.runningWorkers.Set(float64(n))
}
