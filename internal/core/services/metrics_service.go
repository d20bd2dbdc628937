package services

import (
	"sync"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
)

type spaceCounters struct {
	nodes, edges, depth int
	admissions          int
	rejections          int
	evictions           int
	refusals            int
	peerStates          map[domain.PeerState]int
	reservations        []time.Duration
	negotiations        []time.Duration
	packetLoss          float64
}

// MetricsService keeps overlay metrics in memory. It is the default sink
// when no exporter is configured and backs the per-space summary.
type MetricsService struct {
	mu     sync.RWMutex
	spaces map[domain.SpaceID]*spaceCounters
	events map[domain.ActionKind]map[string]int
	drops  map[string]int
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		spaces: make(map[domain.SpaceID]*spaceCounters),
		events: make(map[domain.ActionKind]map[string]int),
		drops:  make(map[string]int),
	}
}

var _ ports.OverlayMetrics = (*MetricsService)(nil)

func (m *MetricsService) space(id domain.SpaceID) *spaceCounters {
	c, ok := m.spaces[id]
	if !ok {
		c = &spaceCounters{peerStates: make(map[domain.PeerState]int)}
		m.spaces[id] = c
	}
	return c
}

func (m *MetricsService) RecordAdmission(space domain.SpaceID, admitted bool, evicted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.space(space)
	if !admitted {
		c.rejections++
		return
	}
	c.admissions++
	if evicted {
		c.evictions++
	}
}

func (m *MetricsService) RecordRefusal(space domain.SpaceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space(space).refusals++
}

const keptSamples = 64

func appendSample(samples []time.Duration, d time.Duration) []time.Duration {
	samples = append(samples, d)
	if len(samples) > keptSamples {
		samples = samples[len(samples)-keptSamples:]
	}
	return samples
}

func (m *MetricsService) ObserveReservation(space domain.SpaceID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.space(space)
	c.reservations = appendSample(c.reservations, d)
}

func (m *MetricsService) ObserveNegotiation(space domain.SpaceID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.space(space)
	c.negotiations = appendSample(c.negotiations, d)
}

func (m *MetricsService) RecordPeerState(space domain.SpaceID, state domain.PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space(space).peerStates[state]++
}

func (m *MetricsService) SetTopology(space domain.SpaceID, nodes, edges, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.space(space)
	c.nodes, c.edges, c.depth = nodes, edges, depth
}

func (m *MetricsService) RecordEvent(kind domain.ActionKind, direction string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDir, ok := m.events[kind]
	if !ok {
		byDir = make(map[string]int)
		m.events[kind] = byDir
	}
	byDir[direction]++
}

func (m *MetricsService) RecordDroppedEvent(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[reason]++
}

// RecordLinkStats keeps an exponentially smoothed packet loss.
func (m *MetricsService) RecordLinkStats(space domain.SpaceID, stats domain.LinkStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.space(space)
	c.packetLoss = 0.8*c.packetLoss + 0.2*stats.PacketLoss
}

func (m *MetricsService) ForgetSpace(space domain.SpaceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, space)
}

// SpaceCount is the number of spaces with recorded activity.
func (m *MetricsService) SpaceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces)
}

// EventCount returns how many actions of kind went in the given direction.
func (m *MetricsService) EventCount(kind domain.ActionKind, direction string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[kind][direction]
}

func (m *MetricsService) DroppedEvents(reason string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drops[reason]
}

// GetSpaceMetrics returns the summary of one space; unknown spaces yield
// zero values.
func (m *MetricsService) GetSpaceMetrics(space domain.SpaceID) *domain.SpaceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &domain.SpaceMetrics{
		SpaceID:    space,
		PeerStates: make(map[domain.PeerState]int),
		Timestamp:  time.Now(),
	}
	c, ok := m.spaces[space]
	if !ok {
		return out
	}
	out.Nodes, out.Edges, out.Depth = c.nodes, c.edges, c.depth
	out.Admissions = c.admissions
	out.Rejections = c.rejections
	out.Evictions = c.evictions
	out.Refusals = c.refusals
	for state, n := range c.peerStates {
		out.PeerStates[state] = n
	}
	out.AverageReservation = average(c.reservations)
	out.AverageNegotiation = average(c.negotiations)
	out.PacketLoss = c.packetLoss
	out.HealthScore = calculateHealthScore(c, out.AverageNegotiation)
	return out
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

// calculateHealthScore rates a space from 0 to 100.
func calculateHealthScore(c *spaceCounters, negotiation time.Duration) float64 {
	connected := float64(c.peerStates[domain.PeerConnected])
	closed := float64(c.peerStates[domain.PeerClosed])

	linkScore := 40.0
	if connected+closed > 0 {
		linkScore = 40.0 * connected / (connected + closed)
	}

	lossScore := 30.0 * (1 - c.packetLoss)
	if lossScore < 0 {
		lossScore = 0
	}

	negotiationScore := 0.0
	switch {
	case negotiation < time.Second:
		negotiationScore = 30.0
	case negotiation < 3*time.Second:
		negotiationScore = 20.0
	case negotiation < 10*time.Second:
		negotiationScore = 10.0
	}

	total := linkScore + lossScore + negotiationScore
	if total > 100.0 {
		return 100.0
	}
	return total
}
