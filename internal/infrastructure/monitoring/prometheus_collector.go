package monitoring

import (
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports overlay metrics and keeps the in-memory
// summary the HTTP API serves.
type PrometheusCollector struct {
	summary *services.MetricsService

	// Counters
	admissionsTotal *prometheus.CounterVec
	refusalsTotal   prometheus.Counter
	peerStatesTotal *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec

	// Histograms
	reservationDuration prometheus.Histogram
	negotiationDuration prometheus.Histogram
	networkLatency      prometheus.Histogram
	packetLoss          prometheus.Histogram

	// Space metrics
	spaceNodes       *prometheus.GaugeVec
	spaceEdges       *prometheus.GaugeVec
	spaceDepth       *prometheus.GaugeVec
	spaceHealthScore *prometheus.GaugeVec
	spacesActive     prometheus.Gauge
}

// NewPrometheusCollector registers the collector's metrics with reg, or
// with the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer, summary *services.MetricsService) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if summary == nil {
		summary = services.NewMetricsService()
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		summary: summary,

		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayspaces_admissions_total",
			Help: "Reservation requests handled, by outcome",
		}, []string{"outcome"}),

		refusalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayspaces_reservation_refusals_total",
			Help: "Reservations this node made that were refused or timed out",
		}),

		peerStatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayspaces_peer_transitions_total",
			Help: "Peer state transitions, by target state",
		}, []string{"state"}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayspaces_signaling_events_total",
			Help: "Signaling actions, by kind and direction",
		}, []string{"kind", "direction"}),

		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayspaces_signaling_dropped_total",
			Help: "Incoming relay events discarded, by reason",
		}, []string{"reason"}),

		reservationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayspaces_reservation_duration_seconds",
			Help:    "Time from reserve to confirm",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayspaces_negotiation_duration_seconds",
			Help:    "Time from confirm until the media link is connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		networkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayspaces_link_rtt_seconds",
			Help:    "Round trip time reported by RTCP",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayspaces_link_packet_loss_ratio",
			Help:    "Fraction of packets lost per RTCP report",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}),

		spaceNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayspaces_space_nodes",
			Help: "Participants known in each space",
		}, []string{"space_id"}),

		spaceEdges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayspaces_space_edges",
			Help: "Overlay edges known in each space",
		}, []string{"space_id"}),

		spaceDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayspaces_space_depth",
			Help: "Longest producer to consumer path from the host",
		}, []string{"space_id"}),

		spaceHealthScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayspaces_space_health_score",
			Help: "Health score of spaces (0-100)",
		}, []string{"space_id"}),

		spacesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayspaces_spaces_active",
			Help: "Spaces this node currently takes part in",
		}),
	}
}

var _ ports.OverlayMetrics = (*PrometheusCollector)(nil)

// Summary is the in-memory view fed alongside the exported metrics.
func (p *PrometheusCollector) Summary() *services.MetricsService { return p.summary }

func (p *PrometheusCollector) RecordAdmission(space domain.SpaceID, admitted bool, evicted bool) {
	p.summary.RecordAdmission(space, admitted, evicted)
	switch {
	case !admitted:
		p.admissionsTotal.WithLabelValues("rejected").Inc()
	case evicted:
		p.admissionsTotal.WithLabelValues("evicted").Inc()
	default:
		p.admissionsTotal.WithLabelValues("admitted").Inc()
	}
}

func (p *PrometheusCollector) RecordRefusal(space domain.SpaceID) {
	p.summary.RecordRefusal(space)
	p.refusalsTotal.Inc()
}

func (p *PrometheusCollector) ObserveReservation(space domain.SpaceID, d time.Duration) {
	p.summary.ObserveReservation(space, d)
	p.reservationDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) ObserveNegotiation(space domain.SpaceID, d time.Duration) {
	p.summary.ObserveNegotiation(space, d)
	p.negotiationDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordPeerState(space domain.SpaceID, state domain.PeerState) {
	p.summary.RecordPeerState(space, state)
	p.peerStatesTotal.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) SetTopology(space domain.SpaceID, nodes, edges, depth int) {
	p.summary.SetTopology(space, nodes, edges, depth)
	id := string(space)
	p.spaceNodes.WithLabelValues(id).Set(float64(nodes))
	p.spaceEdges.WithLabelValues(id).Set(float64(edges))
	p.spaceDepth.WithLabelValues(id).Set(float64(depth))
	p.spaceHealthScore.WithLabelValues(id).Set(p.summary.GetSpaceMetrics(space).HealthScore)
	p.spacesActive.Set(float64(p.summary.SpaceCount()))
}

func (p *PrometheusCollector) RecordEvent(kind domain.ActionKind, direction string) {
	p.summary.RecordEvent(kind, direction)
	p.eventsTotal.WithLabelValues(string(kind), direction).Inc()
}

func (p *PrometheusCollector) RecordDroppedEvent(reason string) {
	p.summary.RecordDroppedEvent(reason)
	p.droppedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordLinkStats(space domain.SpaceID, stats domain.LinkStats) {
	p.summary.RecordLinkStats(space, stats)
	p.packetLoss.Observe(stats.PacketLoss)
	if stats.RTT > 0 {
		p.networkLatency.Observe(stats.RTT.Seconds())
	}
}

// ForgetSpace clears the per-space series of a space that stopped.
func (p *PrometheusCollector) ForgetSpace(space domain.SpaceID) {
	p.summary.ForgetSpace(space)
	id := string(space)
	p.spaceNodes.DeleteLabelValues(id)
	p.spaceEdges.DeleteLabelValues(id)
	p.spaceDepth.DeleteLabelValues(id)
	p.spaceHealthScore.DeleteLabelValues(id)
	p.spacesActive.Set(float64(p.summary.SpaceCount()))
}
