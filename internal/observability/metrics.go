package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on the relay drop counter.
const (
	DropDuplicate   = "duplicate"
	DropLoop        = "loop"
	DropExpired     = "expired"
	DropMalformed   = "malformed"
	DropRateLimited = "rate_limited"
)

// Metrics bundles the Prometheus metrics reported by a mesh node.
type Metrics struct {
	namespace string

	envelopesSent       prometheus.Counter
	envelopesReceived   prometheus.Counter
	envelopesDispatched prometheus.Counter
	envelopesForwarded  prometheus.Counter
	envelopesDropped    *prometheus.CounterVec

	peersOnline    prometheus.Gauge
	isGateway      prometheus.Gauge
	electionEpochs prometheus.Counter

	syncQueueDepth prometheus.Gauge
	cloudPushes    *prometheus.CounterVec
	cloudFetches   prometheus.Counter
	syncDrops      prometheus.Counter

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: festivair).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers node metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "festivair",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		namespace: cfg.namespace,
		envelopesSent: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "envelopes_sent_total",
			Help:      "Total number of envelopes originated by this node.",
		}),
		envelopesReceived: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "envelopes_received_total",
			Help:      "Total number of envelopes handed to the relay by the transport.",
		}),
		envelopesDispatched: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "envelopes_dispatched_total",
			Help:      "Total number of envelopes dispatched to local consumers.",
		}),
		envelopesForwarded: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "envelopes_forwarded_total",
			Help:      "Total number of envelopes re-broadcast to the mesh.",
		}),
		envelopesDropped: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Total number of envelopes dropped, partitioned by reason.",
		}, []string{"reason"}),
		peersOnline: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "peers_online",
			Help:      "Number of peers currently considered online.",
		}),
		isGateway: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "is_gateway",
			Help:      "1 while this node is the elected gateway, else 0.",
		}),
		electionEpochs: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "election_epochs_total",
			Help:      "Total number of completed election epochs.",
		}),
		syncQueueDepth: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "sync_queue_depth",
			Help:      "Current number of mutations waiting for cloud propagation.",
		}),
		cloudPushes: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "cloud_pushes_total",
			Help:      "Total number of queued mutations pushed to the cloud, partitioned by result.",
		}, []string{"result"}),
		cloudFetches: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "cloud_fetches_total",
			Help:      "Total number of remote delta fetches performed as gateway.",
		}),
		syncDrops: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "sync_items_dropped_total",
			Help:      "Total number of queued mutations dropped after exhausting retries.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncEnvelopesSent notes an envelope originated locally.
func (m *Metrics) IncEnvelopesSent() {
	if m == nil {
		return
	}
	m.envelopesSent.Inc()
}

// IncEnvelopesReceived notes an envelope arriving from the transport.
func (m *Metrics) IncEnvelopesReceived() {
	if m == nil {
		return
	}
	m.envelopesReceived.Inc()
}

// IncEnvelopesDispatched notes a local consumer dispatch.
func (m *Metrics) IncEnvelopesDispatched() {
	if m == nil {
		return
	}
	m.envelopesDispatched.Inc()
}

// IncEnvelopesForwarded notes a re-broadcast.
func (m *Metrics) IncEnvelopesForwarded() {
	if m == nil {
		return
	}
	m.envelopesForwarded.Inc()
}

// IncEnvelopesDropped notes a dropped envelope with the given reason.
func (m *Metrics) IncEnvelopesDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopesDropped.WithLabelValues(reason).Inc()
}

// ObservePeersOnline tracks the online peer count.
func (m *Metrics) ObservePeersOnline(n int) {
	if m == nil {
		return
	}
	m.peersOnline.Set(float64(n))
}

// SetGateway flips the gateway gauge.
func (m *Metrics) SetGateway(isGateway bool) {
	if m == nil {
		return
	}
	if isGateway {
		m.isGateway.Set(1)
	} else {
		m.isGateway.Set(0)
	}
}

// IncElectionEpochs notes a completed election epoch.
func (m *Metrics) IncElectionEpochs() {
	if m == nil {
		return
	}
	m.electionEpochs.Inc()
}

// ObserveSyncQueueDepth tracks the offline mutation queue depth.
func (m *Metrics) ObserveSyncQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.syncQueueDepth.Set(float64(depth))
}

// IncCloudPush notes one queued mutation pushed to the cloud.
func (m *Metrics) IncCloudPush(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.cloudPushes.WithLabelValues(result).Inc()
}

// IncCloudFetches notes a remote delta fetch.
func (m *Metrics) IncCloudFetches() {
	if m == nil {
		return
	}
	m.cloudFetches.Inc()
}

// IncSyncDrops notes a mutation dropped after the attempt cap and marks the
// node unhealthy until the next successful cycle.
func (m *Metrics) IncSyncDrops() {
	if m == nil {
		return
	}
	m.syncDrops.Inc()
	m.healthy.Store(false)
}

// Healthy reports whether recent sync work has seen hard failures.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
