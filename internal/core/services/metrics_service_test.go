package services

import (
	"testing"
	"time"

	"relayspaces/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestMetricsService_SpaceSummary(t *testing.T) {
	m := NewMetricsService()
	space := domain.SpaceID("space-1")

	m.RecordAdmission(space, true, false)
	m.RecordAdmission(space, true, true)
	m.RecordAdmission(space, false, false)
	m.RecordRefusal(space)
	m.SetTopology(space, 4, 3, 2)
	m.ObserveReservation(space, 100*time.Millisecond)
	m.ObserveReservation(space, 300*time.Millisecond)
	m.ObserveNegotiation(space, 500*time.Millisecond)
	m.RecordPeerState(space, domain.PeerConnected)
	m.RecordPeerState(space, domain.PeerConnected)
	m.RecordPeerState(space, domain.PeerClosed)

	got := m.GetSpaceMetrics(space)
	assert.Equal(t, 4, got.Nodes)
	assert.Equal(t, 3, got.Edges)
	assert.Equal(t, 2, got.Depth)
	assert.Equal(t, 2, got.Admissions)
	assert.Equal(t, 1, got.Rejections)
	assert.Equal(t, 1, got.Evictions)
	assert.Equal(t, 1, got.Refusals)
	assert.Equal(t, 200*time.Millisecond, got.AverageReservation)
	assert.Equal(t, 500*time.Millisecond, got.AverageNegotiation)
	assert.Equal(t, 2, got.PeerStates[domain.PeerConnected])
	assert.InDelta(t, 40.0*2/3+30+30, got.HealthScore, 0.01)
}

func TestMetricsService_UnknownSpace(t *testing.T) {
	got := NewMetricsService().GetSpaceMetrics("missing")
	assert.Equal(t, domain.SpaceID("missing"), got.SpaceID)
	assert.Zero(t, got.Nodes)
	assert.NotNil(t, got.PeerStates)
}

func TestMetricsService_ForgetSpace(t *testing.T) {
	m := NewMetricsService()
	m.SetTopology("s", 2, 1, 1)
	m.ForgetSpace("s")
	assert.Zero(t, m.GetSpaceMetrics("s").Nodes)
}

func TestMetricsService_Events(t *testing.T) {
	m := NewMetricsService()
	m.RecordEvent(domain.ActionJoin, "in")
	m.RecordEvent(domain.ActionJoin, "in")
	m.RecordEvent(domain.ActionJoin, "out")
	m.RecordDroppedEvent("duplicate")

	assert.Equal(t, 2, m.EventCount(domain.ActionJoin, "in"))
	assert.Equal(t, 1, m.EventCount(domain.ActionJoin, "out"))
	assert.Zero(t, m.EventCount(domain.ActionLeave, "in"))
	assert.Equal(t, 1, m.DroppedEvents("duplicate"))
}

func TestMetricsService_PacketLossSmoothing(t *testing.T) {
	m := NewMetricsService()
	m.RecordLinkStats("s", domain.LinkStats{PacketLoss: 0.5})
	m.RecordLinkStats("s", domain.LinkStats{PacketLoss: 0.5})
	assert.InDelta(t, 0.18, m.GetSpaceMetrics("s").PacketLoss, 1e-9)
}

func TestCalculateHealthScore(t *testing.T) {
	tests := []struct {
		name        string
		counters    spaceCounters
		negotiation time.Duration
		expected    float64
	}{
		{"idle space", spaceCounters{peerStates: map[domain.PeerState]int{}}, 0, 100},
		{"slow negotiation", spaceCounters{peerStates: map[domain.PeerState]int{}}, 5 * time.Second, 80},
		{"all links closed", spaceCounters{peerStates: map[domain.PeerState]int{domain.PeerClosed: 3}}, 0, 60},
		{"total loss", spaceCounters{peerStates: map[domain.PeerState]int{}, packetLoss: 1}, 20 * time.Second, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, calculateHealthScore(&tt.counters, tt.negotiation), 1e-9)
		})
	}
}
