package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the Prometheus counters and gauges exposed by a running
// node. A nil *Metrics is valid and every method is a no-op on it, so
// components can be constructed without metrics in tests.
type Metrics struct {
	ingested          prometheus.Counter
	rejected          prometheus.Counter
	gossipDecodeError prometheus.Counter
	acked             prometheus.Counter
	blobCacheHits     prometheus.Counter
	blobCacheMisses   prometheus.Counter
	blobSyncTimeouts  prometheus.Counter
	topics            prometheus.Gauge
	logsTracked       prometheus.Gauge
}

// NewMetrics registers a fresh set of collectors on reg. Pass
// prometheus.NewRegistry() in production, or nil to get an unregistered
// (but still usable) Metrics for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "pipeline", Name: "ingested_total",
			Help: "Operations successfully validated and persisted.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "pipeline", Name: "rejected_total",
			Help: "Operations rejected during validation.",
		}),
		gossipDecodeError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "node", Name: "gossip_decode_errors_total",
			Help: "Gossip messages dropped for failing to decode.",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "controller", Name: "acked_total",
			Help: "Operations acknowledged by the stream controller.",
		}),
		blobCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "blob", Name: "cache_hits_total",
			Help: "Blob reads served from the in-memory or on-disk cache.",
		}),
		blobCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "blob", Name: "cache_misses_total",
			Help: "Blob reads that required a peer sync.",
		}),
		blobSyncTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlog", Subsystem: "blob", Name: "sync_timeouts_total",
			Help: "Blob peer syncs that exceeded their deadline.",
		}),
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlog", Subsystem: "topicmap", Name: "topics",
			Help: "Distinct topics currently tracked.",
		}),
		logsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlog", Subsystem: "topicmap", Name: "logs_tracked",
			Help: "Distinct (topic, author) log entries currently tracked.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingested, m.rejected, m.gossipDecodeError, m.acked,
			m.blobCacheHits, m.blobCacheMisses, m.blobSyncTimeouts, m.topics, m.logsTracked)
	}
	return m
}

func (m *Metrics) IncIngested() {
	if m != nil {
		m.ingested.Inc()
	}
}

func (m *Metrics) IncRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) IncGossipDecodeError() {
	if m != nil {
		m.gossipDecodeError.Inc()
	}
}

func (m *Metrics) IncAcked() {
	if m != nil {
		m.acked.Inc()
	}
}

func (m *Metrics) IncBlobCacheHit() {
	if m != nil {
		m.blobCacheHits.Inc()
	}
}

func (m *Metrics) IncBlobCacheMiss() {
	if m != nil {
		m.blobCacheMisses.Inc()
	}
}

func (m *Metrics) IncBlobSyncTimeout() {
	if m != nil {
		m.blobSyncTimeouts.Inc()
	}
}

func (m *Metrics) SetTopics(n int) {
	if m != nil {
		m.topics.Set(float64(n))
	}
}

func (m *Metrics) SetLogsTracked(n int) {
	if m != nil {
		m.logsTracked.Set(float64(n))
	}
}
