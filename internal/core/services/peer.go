package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"

	"go.uber.org/zap"
)

// PeerSignaler is the outbound half of signaling a Peer needs.
type PeerSignaler interface {
	Send(ctx context.Context, action domain.Action) error
}

// Peer is the connection to one remote node. All methods must be called
// from the owning space's event loop.
type Peer struct {
	node      *domain.Node
	space     domain.SpaceRef
	self      domain.NodeID
	signaler  PeerSignaler
	transport ports.MediaTransport
	events    ports.SessionEvents
	logger    *zap.SugaredLogger

	state       domain.PeerState
	role        domain.NegotiationRole
	session     ports.MediaSession
	opts        ports.SessionOptions
	subs        []ports.Subscription
	pendingICE  []domain.ICECandidate
	remoteSet   bool
	offerOut    bool
	renegotiate bool
	muted       bool
	deadline    *time.Timer
	startedAt   time.Time

	onState func(*Peer, domain.PeerState)
}

func NewPeer(
	node *domain.Node,
	space domain.SpaceRef,
	self domain.NodeID,
	signaler PeerSignaler,
	transport ports.MediaTransport,
	events ports.SessionEvents,
	logger *zap.SugaredLogger,
) *Peer {
	return &Peer{
		node:      node,
		space:     space,
		self:      self,
		signaler:  signaler,
		transport: transport,
		events:    events,
		logger:    logger.With("peer_id", node.ID.Short()),
		state:     domain.PeerIdle,
		startedAt: time.Now(),
	}
}

func (p *Peer) Node() *domain.Node { return p.node }

func (p *Peer) State() domain.PeerState { return p.state }

func (p *Peer) Role() domain.NegotiationRole { return p.role }

func (p *Peer) Session() ports.MediaSession { return p.session }

// OnStateChange installs a callback run after every transition.
func (p *Peer) OnStateChange(fn func(*Peer, domain.PeerState)) { p.onState = fn }

func (p *Peer) setState(state domain.PeerState) {
	if p.state == state {
		return
	}
	p.logger.Debugw("peer state changed", "from", p.state, "to", state)
	p.state = state
	if p.onState != nil {
		p.onState(p, state)
	}
}

// AddSubscription hands a subscription to the peer; Close releases it.
func (p *Peer) AddSubscription(sub ports.Subscription) {
	if p.state == domain.PeerClosed {
		_ = sub.Close()
		return
	}
	p.subs = append(p.subs, sub)
}

// SetDeadline arms fire after d, replacing any earlier deadline.
func (p *Peer) SetDeadline(d time.Duration, fire func()) {
	p.StopDeadline()
	p.deadline = time.AfterFunc(d, fire)
}

func (p *Peer) StopDeadline() {
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
}

func (p *Peer) edgeKey(producer, consumer domain.NodeID) domain.EdgeKey {
	return domain.EdgeKey{Space: p.space.ID, Root: p.space.Root, Producer: producer, Consumer: consumer}
}

func (p *Peer) envelope() domain.Envelope {
	return domain.Envelope{Target: p.node.ID, Space: p.space}
}

// ReserveConnection asks the remote node to accept us as a child.
func (p *Peer) ReserveConnection(ctx context.Context, role domain.EdgeRole, metrics domain.NetworkMetrics) error {
	if p.state != domain.PeerIdle {
		return fmt.Errorf("reserve from %s: %w", p.state, domain.ErrInvalidTransition)
	}
	err := p.signaler.Send(ctx, &domain.Reserve{
		Envelope: p.envelope(),
		Key:      p.edgeKey(p.node.ID, p.self),
		Role:     role,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to send reservation: %w", err)
	}
	p.startedAt = time.Now()
	p.setState(domain.PeerReserving)
	return nil
}

// setOptions keeps tracks queued by Forward before the session existed.
func (p *Peer) setOptions(opts ports.SessionOptions) {
	queued := p.opts.Forward
	p.opts = opts
	for _, id := range queued {
		if !slices.Contains(p.opts.Forward, id) {
			p.opts.Forward = append(p.opts.Forward, id)
		}
	}
}

func (p *Peer) open(ctx context.Context) error {
	if p.session != nil {
		return nil
	}
	session, err := p.transport.Open(ctx, p.node.ID, p.opts, p.events)
	if err != nil {
		return fmt.Errorf("failed to open media session: %w", err)
	}
	p.session = session
	if p.muted {
		if err := session.SetMuted(true); err != nil {
			p.logger.Warnw("failed to apply mute", "error", err)
		}
	}
	return nil
}

// Accept is the admitting side of a reservation: the session is opened and
// we wait for the requester's offer.
func (p *Peer) Accept(ctx context.Context, opts ports.SessionOptions) error {
	if p.state == domain.PeerClosed {
		return domain.ErrPeerClosed
	}
	if p.state != domain.PeerIdle {
		return nil
	}
	p.setOptions(opts)
	if err := p.open(ctx); err != nil {
		return err
	}
	p.startedAt = time.Now()
	p.setState(domain.PeerAccepted)
	return nil
}

// OnConfirmed is the requesting side learning it was admitted. It offers
// unless a negotiation with this node is already under way.
func (p *Peer) OnConfirmed(ctx context.Context, opts ports.SessionOptions) error {
	switch p.state {
	case domain.PeerClosed:
		return domain.ErrPeerClosed
	case domain.PeerNegotiating, domain.PeerConnected:
		return nil
	}
	p.setOptions(opts)
	if err := p.open(ctx); err != nil {
		return err
	}
	p.role = domain.NegotiationOfferer
	p.startedAt = time.Now()
	p.setState(domain.PeerNegotiating)
	return p.sendOffer(ctx)
}

func (p *Peer) sendOffer(ctx context.Context) error {
	sdp, err := p.session.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	p.offerOut = true
	if err := p.signaler.Send(ctx, &domain.Offer{Envelope: p.envelope(), SDP: sdp}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// HandleOffer answers a remote offer. Offers are also accepted once
// connected, for renegotiation.
func (p *Peer) HandleOffer(ctx context.Context, sdp string) error {
	switch p.state {
	case domain.PeerClosed:
		return domain.ErrPeerClosed
	case domain.PeerIdle, domain.PeerReserving:
		return fmt.Errorf("offer in %s: %w", p.state, domain.ErrInvalidTransition)
	}
	if err := p.open(ctx); err != nil {
		return err
	}
	if p.role == domain.NegotiationNone {
		p.role = domain.NegotiationAnswerer
	}
	if err := p.session.SetRemoteDescription(ctx, domain.SessionDescription{Type: domain.SDPOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	p.remoteSet = true
	p.flushICE(ctx)

	answer, err := p.session.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.signaler.Send(ctx, &domain.Answer{Envelope: p.envelope(), SDP: answer}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	if p.state != domain.PeerConnected {
		p.setState(domain.PeerNegotiating)
	}
	return nil
}

// HandleAnswer applies the answer to our outstanding offer.
func (p *Peer) HandleAnswer(ctx context.Context, sdp string) error {
	if p.state == domain.PeerClosed {
		return domain.ErrPeerClosed
	}
	if p.session == nil || !p.offerOut {
		return fmt.Errorf("answer without offer: %w", domain.ErrInvalidTransition)
	}
	if err := p.session.SetRemoteDescription(ctx, domain.SessionDescription{Type: domain.SDPAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	p.offerOut = false
	p.remoteSet = true
	p.flushICE(ctx)
	return nil
}

// HandleICE applies remote candidates, holding them until a remote
// description exists.
func (p *Peer) HandleICE(ctx context.Context, candidates []domain.ICECandidate) {
	if p.state == domain.PeerClosed {
		return
	}
	if p.session == nil || !p.remoteSet {
		p.pendingICE = append(p.pendingICE, candidates...)
		return
	}
	for _, c := range candidates {
		if err := p.session.AddICECandidate(ctx, c); err != nil {
			p.logger.Debugw("failed to add ice candidate", "error", err)
		}
	}
}

func (p *Peer) flushICE(ctx context.Context) {
	pending := p.pendingICE
	p.pendingICE = nil
	p.HandleICE(ctx, pending)
}

// OnLocalCandidate forwards a candidate gathered by the transport.
func (p *Peer) OnLocalCandidate(ctx context.Context, c domain.ICECandidate) {
	if p.state == domain.PeerClosed {
		return
	}
	err := p.signaler.Send(ctx, &domain.ICE{Envelope: p.envelope(), Candidates: []domain.ICECandidate{c}})
	if err != nil {
		p.logger.Debugw("failed to send ice candidate", "error", err)
	}
}

// OnTransportState follows the media session. It reports true when the
// peer closed as a result.
func (p *Peer) OnTransportState(ctx context.Context, state domain.TransportState) bool {
	if p.state == domain.PeerClosed {
		return false
	}
	switch state {
	case domain.TransportConnected:
		if p.state != domain.PeerConnected {
			p.StopDeadline()
			p.setState(domain.PeerConnected)
		}
		if p.renegotiate {
			p.renegotiate = false
			if err := p.Renegotiate(ctx); err != nil {
				p.logger.Warnw("renegotiation failed", "error", err)
			}
		}
	case domain.TransportFailed, domain.TransportClosed:
		_ = p.Close()
		return true
	}
	return false
}

// Renegotiate sends a fresh offer, or defers it until connected.
func (p *Peer) Renegotiate(ctx context.Context) error {
	if p.state != domain.PeerConnected || p.session == nil {
		p.renegotiate = true
		return nil
	}
	return p.sendOffer(ctx)
}

// Forward carries a relay track to the remote node.
func (p *Peer) Forward(ctx context.Context, trackID domain.TrackID) error {
	if p.state == domain.PeerClosed {
		return domain.ErrPeerClosed
	}
	if p.session == nil {
		p.opts.Forward = append(p.opts.Forward, trackID)
		return nil
	}
	needs, err := p.session.Forward(trackID)
	if err != nil {
		return fmt.Errorf("failed to forward track %s: %w", trackID, err)
	}
	if needs {
		return p.Renegotiate(ctx)
	}
	return nil
}

// SetMuted toggles local outbound audio only.
func (p *Peer) SetMuted(muted bool) error {
	p.muted = muted
	if p.session == nil {
		return nil
	}
	return p.session.SetMuted(muted)
}

// Elapsed is the time since the current handshake phase started.
func (p *Peer) Elapsed() time.Duration { return time.Since(p.startedAt) }

// Close releases subscriptions, capture and the media session. It is safe
// to call more than once.
func (p *Peer) Close() error {
	if p.state == domain.PeerClosed {
		return nil
	}
	p.StopDeadline()
	for _, sub := range p.subs {
		if err := sub.Close(); err != nil {
			p.logger.Debugw("failed to close subscription", "error", err)
		}
	}
	p.subs = nil
	p.pendingICE = nil
	var err error
	if p.session != nil {
		err = p.session.Close()
		p.session = nil
	}
	p.setState(domain.PeerClosed)
	return err
}
