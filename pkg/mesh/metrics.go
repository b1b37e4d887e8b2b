package mesh

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all mesh Prometheus metrics, registered on an
// isolated prometheus.Registry so mesh metrics don't collide with the
// process-wide default registry, and separate Metrics instances can
// coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	PeerLinkTransitionsTotal *prometheus.CounterVec
	ConnectedPeers           prometheus.Gauge
	ConnectionAttemptsTotal  *prometheus.CounterVec
	EvictionsTotal           *prometheus.CounterVec
	StuckLinkRecoveriesTotal prometheus.Counter

	GossipSentTotal       *prometheus.CounterVec
	GossipDeliveredTotal  *prometheus.CounterVec
	GossipDuplicatesTotal prometheus.Counter
	GossipDroppedTotal    *prometheus.CounterVec

	DHTPutTotal       *prometheus.CounterVec
	DHTGetTotal       *prometheus.CounterVec
	DHTGetDuration    prometheus.Histogram
	DHTEntriesExpired prometheus.Counter

	CryptoKeyExchangesTotal prometheus.Counter
	CryptoReplaysDetected   prometheus.Counter
	CryptoFailuresTotal     *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered
// on an isolated registry. version/goVersion label the mesh_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		PeerLinkTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_peerlink_transitions_total",
				Help: "Total PeerLink state transitions.",
			},
			[]string{"state"},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_connected_peers",
				Help: "Current number of peers with an open data channel.",
			},
		),
		ConnectionAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_connection_attempts_total",
				Help: "Total outgoing connection attempts.",
			},
			[]string{"result"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_evictions_total",
				Help: "Total peers evicted to make room for an incoming connection.",
			},
			[]string{"reason"},
		),
		StuckLinkRecoveriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_stuck_link_recoveries_total",
				Help: "Total times the stuck-link monitor force-recovered a wedged PeerLink.",
			},
		),

		GossipSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_gossip_sent_total",
				Help: "Total gossip messages sent.",
			},
			[]string{"mode"},
		),
		GossipDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_gossip_delivered_total",
				Help: "Total gossip messages delivered to the application.",
			},
			[]string{"topic"},
		),
		GossipDuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_gossip_duplicates_total",
				Help: "Total gossip messages dropped as already-seen duplicates.",
			},
		),
		GossipDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_gossip_dropped_total",
				Help: "Total gossip messages dropped.",
			},
			[]string{"reason"},
		),

		DHTPutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_dht_put_total",
				Help: "Total DHT put operations.",
			},
			[]string{"result"},
		),
		DHTGetTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_dht_get_total",
				Help: "Total DHT get operations.",
			},
			[]string{"result"},
		),
		DHTGetDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mesh_dht_get_duration_seconds",
				Help:    "Duration of DHT get operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
			},
		),
		DHTEntriesExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_dht_entries_expired_total",
				Help: "Total local DHT entries removed by the TTL sweep.",
			},
		),

		CryptoKeyExchangesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_crypto_key_exchanges_total",
				Help: "Total completed per-peer key exchanges.",
			},
		),
		CryptoReplaysDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_crypto_replays_detected_total",
				Help: "Total messages dropped as replayed nonces.",
			},
		),
		CryptoFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_crypto_failures_total",
				Help: "Total crypto operation failures.",
			},
			[]string{"operation"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_info",
				Help: "Build information for the running mesh node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.PeerLinkTransitionsTotal,
		m.ConnectedPeers,
		m.ConnectionAttemptsTotal,
		m.EvictionsTotal,
		m.StuckLinkRecoveriesTotal,
		m.GossipSentTotal,
		m.GossipDeliveredTotal,
		m.GossipDuplicatesTotal,
		m.GossipDroppedTotal,
		m.DHTPutTotal,
		m.DHTGetTotal,
		m.DHTGetDuration,
		m.DHTEntriesExpired,
		m.CryptoKeyExchangesTotal,
		m.CryptoReplaysDetected,
		m.CryptoFailuresTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics
// endpoint for this Metrics instance's isolated registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
