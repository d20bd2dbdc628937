// Package testutils holds in-process doubles for the media transport.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
)

// MediaNetwork links the fake transports of several participants. A session
// connects once both of its descriptions are set, and the remote side sees
// an audio track when its counterpart captures.
type MediaNetwork struct {
	mu       sync.Mutex
	sessions map[domain.NodeID]map[domain.NodeID]*FakeSession
}

func NewMediaNetwork() *MediaNetwork {
	return &MediaNetwork{sessions: make(map[domain.NodeID]map[domain.NodeID]*FakeSession)}
}

// Transport returns the transport of owner.
func (n *MediaNetwork) Transport(owner domain.NodeID) *FakeMedia {
	return &FakeMedia{network: n, owner: owner}
}

// Session returns owner's live session with remote, if any.
func (n *MediaNetwork) Session(owner, remote domain.NodeID) (*FakeSession, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[owner][remote]
	return s, ok
}

func (n *MediaNetwork) register(s *FakeSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	byRemote, ok := n.sessions[s.owner]
	if !ok {
		byRemote = make(map[domain.NodeID]*FakeSession)
		n.sessions[s.owner] = byRemote
	}
	byRemote[s.remote] = s
}

func (n *MediaNetwork) unregister(s *FakeSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions[s.owner][s.remote] == s {
		delete(n.sessions[s.owner], s.remote)
	}
}

// FakeMedia implements ports.MediaTransport without any networking.
type FakeMedia struct {
	network *MediaNetwork
	owner   domain.NodeID

	// FailOn makes Open fail for the given remotes.
	FailOn map[domain.NodeID]error

	mu     sync.Mutex
	opened int
	closed bool
}

var _ ports.MediaTransport = (*FakeMedia)(nil)

var ErrTransportClosed = errors.New("fake transport closed")

func (m *FakeMedia) Open(ctx context.Context, remote domain.NodeID, opts ports.SessionOptions, events ports.SessionEvents) (ports.MediaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrTransportClosed
	}
	if err := m.FailOn[remote]; err != nil {
		return nil, err
	}
	m.opened++
	s := &FakeSession{
		network:   m.network,
		owner:     m.owner,
		remote:    remote,
		opts:      opts,
		events:    events,
		state:     domain.TransportNew,
		forwarded: append([]domain.TrackID(nil), opts.Forward...),
	}
	m.network.register(s)
	return s, nil
}

// Opened counts sessions opened so far.
func (m *FakeMedia) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *FakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FakeSession records what the space asked of one link.
type FakeSession struct {
	network *MediaNetwork
	owner   domain.NodeID
	remote  domain.NodeID
	opts    ports.SessionOptions
	events  ports.SessionEvents

	mu         sync.Mutex
	state      domain.TransportState
	local      string
	remoteSDP  string
	candidates []domain.ICECandidate
	forwarded  []domain.TrackID
	muted      bool
	offers     int
}

var _ ports.MediaSession = (*FakeSession)(nil)

func (s *FakeSession) Options() ports.SessionOptions { return s.opts }

func (s *FakeSession) describe(kind domain.SDPType) string {
	s.offers++
	return fmt.Sprintf("%s:%s>%s:%d", kind, s.owner.Short(), s.remote.Short(), s.offers)
}

func (s *FakeSession) CreateOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == domain.TransportClosed {
		s.mu.Unlock()
		return "", ErrTransportClosed
	}
	s.local = s.describe(domain.SDPOffer)
	sdp := s.local
	s.mu.Unlock()
	s.gather()
	return sdp, nil
}

func (s *FakeSession) CreateAnswer(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.remoteSDP == "" {
		s.mu.Unlock()
		return "", errors.New("answer without remote offer")
	}
	s.local = s.describe(domain.SDPAnswer)
	sdp := s.local
	s.mu.Unlock()
	s.gather()
	s.maybeConnect()
	return sdp, nil
}

func (s *FakeSession) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if !strings.HasPrefix(desc.SDP, string(desc.Type)+":") {
		return fmt.Errorf("malformed %s %q", desc.Type, desc.SDP)
	}
	s.mu.Lock()
	s.remoteSDP = desc.SDP
	s.mu.Unlock()
	if desc.Type == domain.SDPAnswer {
		s.maybeConnect()
	}
	return nil
}

func (s *FakeSession) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSDP == "" {
		return errors.New("candidate before remote description")
	}
	s.candidates = append(s.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (s *FakeSession) Candidates() []domain.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ICECandidate(nil), s.candidates...)
}

func (s *FakeSession) gather() {
	if s.events.OnICECandidate == nil {
		return
	}
	c := domain.ICECandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}
	go s.events.OnICECandidate(c)
}

func (s *FakeSession) maybeConnect() {
	s.mu.Lock()
	if s.local == "" || s.remoteSDP == "" || s.state == domain.TransportConnected || s.state == domain.TransportClosed {
		s.mu.Unlock()
		return
	}
	s.state = domain.TransportConnected
	s.mu.Unlock()

	if s.events.OnStateChange != nil {
		go s.events.OnStateChange(domain.TransportConnected)
	}
	peer, ok := s.network.Session(s.remote, s.owner)
	if ok && peer.opts.Capture && s.opts.Ingest && s.events.OnRemoteTrack != nil {
		go s.events.OnRemoteTrack(TrackOf(s.remote))
	}
}

// TrackOf names the microphone track a node's sessions carry.
func TrackOf(id domain.NodeID) domain.TrackID {
	return domain.TrackID(id.Short() + "-mic")
}

func (s *FakeSession) Forward(trackID domain.TrackID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.forwarded {
		if id == trackID {
			return false, nil
		}
	}
	s.forwarded = append(s.forwarded, trackID)
	return true, nil
}

// Forwarded lists the relay tracks carried to the remote node.
func (s *FakeSession) Forwarded() []domain.TrackID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TrackID(nil), s.forwarded...)
}

func (s *FakeSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	return nil
}

func (s *FakeSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *FakeSession) State() domain.TransportState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fail reports a broken link the way a real transport would.
func (s *FakeSession) Fail() {
	s.mu.Lock()
	s.state = domain.TransportFailed
	s.mu.Unlock()
	if s.events.OnStateChange != nil {
		go s.events.OnStateChange(domain.TransportFailed)
	}
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	s.state = domain.TransportClosed
	s.mu.Unlock()
	s.network.unregister(s)
	return nil
}
