package meshnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all nightjar Prometheus collectors on an isolated
// registry, so embedding processes (and tests) never collide with the
// global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Mux / link metrics
	MuxClosesTotal        *prometheus.CounterVec
	MuxDroppedFramesTotal *prometheus.CounterVec
	DedupSuppressedTotal  prometheus.Counter

	// Mesh participant metrics
	CatalogSize           prometheus.Gauge
	MeshConnections       prometheus.Gauge
	AnnouncesSentTotal    prometheus.Counter
	WorkspaceQueriesTotal *prometheus.CounterVec

	// Relay server metrics
	RoomsActive          prometheus.Gauge
	Subscribers          prometheus.Gauge
	FramesForwardedTotal *prometheus.CounterVec
	BytesForwardedTotal  prometheus.Counter
	AuthFailuresTotal    *prometheus.CounterVec
	SlowConsumersTotal   prometheus.Counter
	PersistOpsTotal      *prometheus.CounterVec

	// Bridge metrics
	BridgeReconnectsTotal *prometheus.CounterVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered on
// a fresh registry. Version and goVersion become labels on nightjar_info.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		MuxClosesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_mux_closes_total",
				Help: "Mesh link closures by reason.",
			},
			[]string{"reason"},
		),
		MuxDroppedFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_mux_dropped_frames_total",
				Help: "Inbound frames dropped by the multiplexer.",
			},
			[]string{"kind"},
		),
		DedupSuppressedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nightjar_dedup_suppressed_total",
				Help: "Exact duplicate frames suppressed by the dedup window.",
			},
		),

		CatalogSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nightjar_relay_catalog_size",
				Help: "Entries currently held in the relay routing table.",
			},
		),
		MeshConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nightjar_mesh_connections",
				Help: "Open mesh links to peer relays.",
			},
		),
		AnnouncesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nightjar_announces_sent_total",
				Help: "Relay announcements broadcast to the mesh.",
			},
		),
		WorkspaceQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_workspace_queries_total",
				Help: "Workspace peer queries by direction.",
			},
			[]string{"direction"},
		),

		RoomsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nightjar_rooms_active",
				Help: "Rooms with at least one subscriber.",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nightjar_subscribers",
				Help: "Connected WebSocket subscribers.",
			},
		),
		FramesForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_frames_forwarded_total",
				Help: "Frames fanned out to subscribers, by kind.",
			},
			[]string{"kind"},
		),
		BytesForwardedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nightjar_bytes_forwarded_total",
				Help: "Payload bytes fanned out to subscribers.",
			},
		),
		AuthFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_auth_failures_total",
				Help: "Rejected client join attempts by reason.",
			},
			[]string{"reason"},
		),
		SlowConsumersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nightjar_slow_consumers_total",
				Help: "Subscribers dropped for unread send-queue overflow.",
			},
		),
		PersistOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_persist_ops_total",
				Help: "Host-mode persistence operations by kind.",
			},
			[]string{"kind"},
		),

		BridgeReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightjar_bridge_reconnects_total",
				Help: "Bridge reconnection attempts by result.",
			},
			[]string{"result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nightjar_info",
				Help: "Build information for the running nightjar instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.MuxClosesTotal,
		m.MuxDroppedFramesTotal,
		m.DedupSuppressedTotal,
		m.CatalogSize,
		m.MeshConnections,
		m.AnnouncesSentTotal,
		m.WorkspaceQueriesTotal,
		m.RoomsActive,
		m.Subscribers,
		m.FramesForwardedTotal,
		m.BytesForwardedTotal,
		m.AuthFailuresTotal,
		m.SlowConsumersTotal,
		m.PersistOpsTotal,
		m.BridgeReconnectsTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the Prometheus endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
