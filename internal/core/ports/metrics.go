package ports

import (
	"time"

	"relayspaces/internal/core/domain"
)

// OverlayMetrics records overlay and handshake activity.
type OverlayMetrics interface {
	RecordAdmission(space domain.SpaceID, admitted bool, evicted bool)
	RecordRefusal(space domain.SpaceID)
	ObserveReservation(space domain.SpaceID, d time.Duration)
	ObserveNegotiation(space domain.SpaceID, d time.Duration)
	RecordPeerState(space domain.SpaceID, state domain.PeerState)
	SetTopology(space domain.SpaceID, nodes, edges, depth int)
	RecordEvent(kind domain.ActionKind, direction string)
	RecordDroppedEvent(reason string)
	RecordLinkStats(space domain.SpaceID, stats domain.LinkStats)
	ForgetSpace(space domain.SpaceID)
}
