package ports

import (
	"context"

	"relayspaces/internal/core/domain"
)

// SessionOptions is decided by the space when a session opens.
type SessionOptions struct {
	// Capture attaches the local microphone track.
	Capture bool
	// Ingest forwards remote audio into relay tracks other sessions can
	// carry.
	Ingest bool
	// Forward lists relay tracks to carry from the start.
	Forward []domain.TrackID
}

// SessionEvents are invoked from transport goroutines.
type SessionEvents struct {
	OnICECandidate func(domain.ICECandidate)
	OnStateChange  func(domain.TransportState)
	OnRemoteTrack  func(domain.TrackID)
	OnStats        func(domain.LinkStats)
}

type MediaTransport interface {
	Open(ctx context.Context, remote domain.NodeID, opts SessionOptions, events SessionEvents) (MediaSession, error)
	Close() error
}

// MediaSession is the transport link to one remote node.
type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	// Forward starts carrying a relay track; true when renegotiation is
	// needed.
	Forward(trackID domain.TrackID) (bool, error)
	SetMuted(muted bool) error
	State() domain.TransportState
	Close() error
}
