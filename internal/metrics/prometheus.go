package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swcache"

// Metrics holds all Prometheus collectors of the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Router
	RequestsTotal      *prometheus.CounterVec
	NetworkErrorsTotal *prometheus.CounterVec
	StorageErrorsTotal *prometheus.CounterVec

	// Eviction
	EvictionsTotal   *prometheus.CounterVec
	EvictionRuns     prometheus.Counter
	MobileStoreBytes prometheus.Gauge

	// Background sync
	SyncEnqueuedTotal prometheus.Counter
	SyncReplaysTotal  *prometheus.CounterVec
	SyncQueueDepth    prometheus.Gauge

	// Lifecycle
	InstallsTotal *prometheus.CounterVec
	CommandsTotal *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
}

// New creates every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy and cache status",
		}, []string{"strategy", "status"}),
		NetworkErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "network_errors_total",
			Help:      "Upstream fetch failures by strategy",
		}, []string{"strategy"}),
		StorageErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Cache storage failures by operation",
		}, []string{"op"}),

		EvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "entries_total",
			Help:      "Entries evicted by reason",
		}, []string{"reason"}),
		EvictionRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "runs_total",
			Help:      "Eviction passes executed",
		}),
		MobileStoreBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eviction",
			Name:      "mobile_store_bytes",
			Help:      "Measured size of the mobile store after the last pass",
		}),

		SyncEnqueuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "enqueued_total",
			Help:      "Mutating requests deferred for background sync",
		}),
		SyncReplaysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Replay attempts by result",
		}, []string{"result"}),
		SyncQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Pending sync items after the last queue operation",
		}),

		InstallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "installs_total",
			Help:      "Deployment installs by result",
		}, []string{"result"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "commands_total",
			Help:      "Command channel messages by type",
		}, []string{"type"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Dispatched events by name and result",
		}, []string{"event", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Request records one routed request.
func (m *Metrics) Request(strategy, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(strategy, status).Inc()
}

// NetworkError records an upstream failure seen by a strategy.
func (m *Metrics) NetworkError(strategy string) {
	if m == nil {
		return
	}
	m.NetworkErrorsTotal.WithLabelValues(strategy).Inc()
}

// StorageError records a swallowed cache storage failure.
func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrorsTotal.WithLabelValues(op).Inc()
}

// Evicted records entries removed by an eviction pass.
func (m *Metrics) Evicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// EvictionPass records a completed pass and the resulting store size.
func (m *Metrics) EvictionPass(sizeAfter int64) {
	if m == nil {
		return
	}
	m.EvictionRuns.Inc()
	m.MobileStoreBytes.Set(float64(sizeAfter))
}

// Enqueued records a deferred request.
func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.SyncEnqueuedTotal.Inc()
}

// Replay records one replay attempt.
func (m *Metrics) Replay(result string) {
	if m == nil {
		return
	}
	m.SyncReplaysTotal.WithLabelValues(result).Inc()
}

// QueueDepth records the number of pending sync items.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.Set(float64(n))
}

// Install records an install attempt.
func (m *Metrics) Install(result string) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(result).Inc()
}

// Command records a command channel message.
func (m *Metrics) Command(msgType string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(msgType).Inc()
}

// Event records a dispatched bus event.
func (m *Metrics) Event(name, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(name, result).Inc()
}
