// Package metrics exposes pipeline counters and timings to Prometheus.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kbase"

// Metrics holds every collector. Each Metrics registers its own collectors,
// so tests create one per registry.
type Metrics struct {
	diagramRenders  *prometheus.CounterVec
	diagramDuration *prometheus.HistogramVec
	blockRenders    *prometheus.CounterVec
	blockDuration   *prometheus.HistogramVec
	storeOps        *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
	sessions        prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		diagramRenders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diagram",
			Name:      "renders_total",
			Help:      "Diagram render attempts by outcome (ready, error, stale).",
		}, []string{"outcome"}),
		diagramDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "diagram",
			Name:      "render_duration_seconds",
			Help:      "Diagram render duration by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"outcome"}),
		blockRenders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "blocks_total",
			Help:      "Rendered blocks by kind and whether the fragment came from cache.",
		}, []string{"kind", "cached"}),
		blockDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "block_duration_seconds",
			Help:      "Block render duration by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"kind"}),
		storeOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by name and result.",
		}, []string{"op", "result"}),
		storeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration by name.",
		}, []string{"op"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "Open live sessions.",
		}),
	}
}

// RegisterCache exports the hit and miss counts of c.
func RegisterCache(reg prometheus.Registerer, c *cache.MemoryCache) {
	f := promauto.With(reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Fragment cache hits.",
	}, func() float64 { return float64(c.Stats().Hits) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Fragment cache misses.",
	}, func() float64 { return float64(c.Stats().Misses) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Fragments currently cached.",
	}, func() float64 { return float64(c.Len()) })
}

// Diagram observes one diagram render. It matches diagram.Observer.
func (m *Metrics) Diagram(outcome string, elapsed time.Duration) {
	m.diagramRenders.WithLabelValues(outcome).Inc()
	m.diagramDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Block observes one block render. It matches render.Observer.
func (m *Metrics) Block(kind kbase.BlockKind, cached bool, elapsed time.Duration) {
	m.blockRenders.WithLabelValues(string(kind), strconv.FormatBool(cached)).Inc()
	m.blockDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Store observes one store operation. It matches store.Observer.
func (m *Metrics) Store(op string, err error, elapsed time.Duration) {
	m.storeOps.WithLabelValues(op, result(err)).Inc()
	m.storeDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SessionOpened and SessionClosed track live sessions.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, kbase.ErrNotFound):
		return "not_found"
	case kbase.IsConflict(err):
		return "conflict"
	case kbase.IsValidation(err):
		return "invalid"
	case kbase.IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}
