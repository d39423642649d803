package edge

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	registry       *prometheus.Registry
	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	originErrors   prometheus.Counter
	syncRuns       *prometheus.CounterVec
	syncEntries    *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	badgeUpdates   *prometheus.CounterVec
	lifecycle      *prometheus.CounterVec
	online         prometheus.Gauge
	clients        prometheus.Gauge
	installedAsset prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kronos_edge_fetch_total",
		Help: "Intercepted requests by strategy and response source",
	}, []string{"strategy", "source"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kronos_edge_fetch_duration_seconds",
		Help:    "Intercepted request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	originErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kronos_edge_origin_errors_total",
		Help: "Origin fetches that failed at the transport level",
	})

	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kronos_edge_sync_runs_total",
		Help: "Sync and periodic sync handler runs",
	}, []string{"tag", "result"})

	syncEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kronos_edge_sync_entries_total",
		Help: "Cached entries visited by the sync sweep",
	}, []string{"result"})

	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kronos_edge_push_total",
		Help: "Push events by payload kind",
	}, []string{"payload"})

	badgeUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kronos_edge_badge_updates_total",
		Help: "App badge updates",
	}, []string{"op", "result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kronos_edge_lifecycle_transitions_total",
		Help: "Worker lifecycle state transitions",
	}, []string{"state"})

	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kronos_edge_origin_online",
		Help: "1 when the origin is reachable",
	})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kronos_edge_clients",
		Help: "Connected client pages",
	})

	installedAsset := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kronos_edge_discovered_assets_total",
		Help: "Assets precached through manifest discovery",
	})

	registry.MustRegister(fetches, fetchDuration, originErrors, syncRuns, syncEntries, pushes, badgeUpdates, lifecycle, online, clients, installedAsset)

	return &Metrics{
		registry:       registry,
		fetches:        fetches,
		fetchDuration:  fetchDuration,
		originErrors:   originErrors,
		syncRuns:       syncRuns,
		syncEntries:    syncEntries,
		pushes:         pushes,
		badgeUpdates:   badgeUpdates,
		lifecycle:      lifecycle,
		online:         online,
		clients:        clients,
		installedAsset: installedAsset,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(strategy, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(strategy, source).Inc()
	m.fetchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) RecordOriginError() {
	if m == nil {
		return
	}
	m.originErrors.Inc()
}

func (m *Metrics) RecordSyncRun(tag string, err error) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(tag, resultLabel(err)).Inc()
}

func (m *Metrics) RecordSyncEntry(result string) {
	if m == nil {
		return
	}
	m.syncEntries.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPush(payload string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(payload).Inc()
}

func (m *Metrics) RecordBadge(op string, err error) {
	if m == nil {
		return
	}
	m.badgeUpdates.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *Metrics) RecordLifecycle(state State) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) RecordDiscoveredAsset() {
	if m == nil {
		return
	}
	m.installedAsset.Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}
