// Package metrics exposes prometheus collectors for the cache and the sync cycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tmlsync/internal/cache"
	"tmlsync/internal/catalog"
)

const namespace = "tmlsync"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups    *prometheus.CounterVec
	syncCycles      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	syncEntities    prometheus.Gauge
	archiveFailures prometheus.Counter
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Finished sync cycles by status.",
		}, []string{"status"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of sync cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		syncEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_entities",
			Help:      "Entities in the last committed snapshot.",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failures_total",
			Help:      "Snapshot exports that failed after a successful commit.",
		}),
	}

	m.registry.MustRegister(
		m.cacheLookups,
		m.syncCycles,
		m.syncDuration,
		m.syncEntities,
		m.archiveFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hit implements cache.Observer.
func (m *Metrics) Hit(name string) { m.cacheLookups.WithLabelValues(name, "hit").Inc() }

// Miss implements cache.Observer.
func (m *Metrics) Miss(name string) { m.cacheLookups.WithLabelValues(name, "miss").Inc() }

// CycleFinished implements catalog.SyncObserver. The entity gauge only moves
// on successful cycles.
func (m *Metrics) CycleFinished(status string, duration time.Duration, entities int) {
	m.syncCycles.WithLabelValues(status).Inc()
	m.syncDuration.Observe(duration.Seconds())
	if status == catalog.RunStatusSuccess {
		m.syncEntities.Set(float64(entities))
	}
}

// ArchiveFailed implements catalog.SyncObserver.
func (m *Metrics) ArchiveFailed() { m.archiveFailures.Inc() }

var (
	_ cache.Observer       = (*Metrics)(nil)
	_ catalog.SyncObserver = (*Metrics)(nil)
)
