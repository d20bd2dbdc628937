package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type SpaceConfig struct {
	Overlay            OverlayConfig
	ReservationTimeout time.Duration
	NegotiationTimeout time.Duration
	PublishTimeout     time.Duration
	InboxSize          int
	OutboxSize         int
}

func DefaultSpaceConfig() SpaceConfig {
	return SpaceConfig{
		Overlay:            DefaultOverlayConfig(),
		ReservationTimeout: 10 * time.Second,
		NegotiationTimeout: 15 * time.Second,
		PublishTimeout:     10 * time.Second,
		InboxSize:          256,
		OutboxSize:         256,
	}
}

// Space drives one overlay from the local participant's side. Relay
// deliveries, transport callbacks and timers are posted to a single event
// loop; graph, ledger and peers are only touched from there.
type Space struct {
	info      domain.SpaceInfo
	ref       domain.SpaceRef
	cfg       SpaceConfig
	signaling ports.Signaling
	media     ports.MediaTransport
	metrics   ports.OverlayMetrics
	logger    *zap.SugaredLogger

	graph      *OverlayGraph
	ledger     *Ledger
	self       *domain.Node
	peers      map[domain.NodeID]*Peer
	coHosts    map[domain.NodeID]struct{}
	speech     []domain.NodeID
	tracks     []domain.TrackID
	trackOwner map[domain.TrackID]domain.NodeID
	subs       []ports.Subscription

	state      domain.SpaceState
	joinState  domain.JoinState
	muted      bool
	target     domain.NodeID
	reserveCtx context.Context
	reserveAt  time.Time
	stopped    bool

	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan func()
	outbox  chan domain.Action
	done    chan struct{}
	flushed chan struct{}
}

func NewSpace(
	info domain.SpaceInfo,
	profile domain.Profile,
	cfg SpaceConfig,
	signaling ports.Signaling,
	media ports.MediaTransport,
	metrics ports.OverlayMetrics,
	logger *zap.SugaredLogger,
) (*Space, error) {
	if info.Host.PublicKey == "" || profile.PublicKey == "" {
		return nil, domain.ErrMissingRoot
	}
	if metrics == nil {
		metrics = NewMetricsService()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 1
	}

	root := domain.NewNode(info.Host.PublicKey, info.Host.Name, info.Host.NetworkMetrics)
	root.IsHost = true
	self := root
	if profile.PublicKey != root.ID {
		self = profile.Node()
	}
	graph, err := NewOverlayGraph(root, self, cfg.Overlay)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Space{
		info:       info,
		ref:        info.Ref(),
		cfg:        cfg,
		signaling:  signaling,
		media:      media,
		metrics:    metrics,
		logger:     logger.With("space_id", info.ID),
		graph:      graph,
		ledger:     NewLedger(),
		self:       graph.Self(),
		peers:      make(map[domain.NodeID]*Peer),
		coHosts:    make(map[domain.NodeID]struct{}),
		trackOwner: make(map[domain.TrackID]domain.NodeID),
		state:      domain.SpaceOpen,
		joinState:  domain.JoinIdle,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan func(), cfg.InboxSize),
		outbox:     make(chan domain.Action, cfg.OutboxSize),
		done:       make(chan struct{}),
		flushed:    make(chan struct{}),
	}
	graph.SetReleaser(s)

	go s.run()
	go s.drain()
	return s, nil
}

func (s *Space) ID() domain.SpaceID { return s.info.ID }

func (s *Space) Info() domain.SpaceInfo { return s.info }

// Done is closed once the space stopped and its outbox is flushed.
func (s *Space) Done() <-chan struct{} { return s.flushed }

func (s *Space) isRoot() bool { return s.self.ID == s.graph.Root().ID }

func (s *Space) run() {
	defer func() {
		close(s.done)
		close(s.outbox)
	}()
	for fn := range s.inbox {
		fn()
		if s.stopped {
			return
		}
	}
}

func (s *Space) drain() {
	defer func() {
		s.cancel()
		close(s.flushed)
	}()
	for action := range s.outbox {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PublishTimeout)
		err := s.signaling.Publish(ctx, action)
		cancel()
		if err != nil {
			s.logger.Warnw("failed to publish action", "kind", action.Kind(), "error", err)
			continue
		}
		s.metrics.RecordEvent(action.Kind(), "out")
	}
}

// post hands fn to the event loop. It reports false once the loop exited.
func (s *Space) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// exec runs fn on the event loop and waits for its result.
func (s *Space) exec(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- fn() }) {
		return domain.ErrSpaceClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return domain.ErrSpaceClosed
		}
	}
}

// Send queues action on the ordered outbox. Loop only.
func (s *Space) Send(ctx context.Context, action domain.Action) error {
	if s.stopped {
		return domain.ErrSpaceClosed
	}
	if !s.signaling.IsOpen() {
		return domain.ErrChannelNotOpen
	}
	action.Meta().Space = s.ref
	select {
	case s.outbox <- action:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Space) onSignal(action domain.Action) {
	s.post(func() { s.handle(action) })
}

// Host announces the space and serves it as root.
func (s *Space) Host(ctx context.Context) error {
	return s.exec(ctx, func() error {
		if !s.isRoot() {
			return domain.ErrNotAuthorized
		}
		if err := s.subscribe(); err != nil {
			s.teardown()
			return err
		}
		s.replay()
		s.joinState = domain.JoinRoot
		if err := s.Send(s.ctx, &domain.CreateSpace{Info: s.info}); err != nil {
			s.teardown()
			return fmt.Errorf("failed to announce space: %w", err)
		}
		s.logger.Infow("hosting space", "name", s.info.Name)
		s.publishTopology()
		return nil
	})
}

// Join enters the space as a participant and starts looking for a
// producer. The host rejoining its own space hosts it instead.
func (s *Space) Join(ctx context.Context) error {
	if s.isRoot() {
		return s.Host(ctx)
	}
	return s.exec(ctx, func() error {
		spanCtx, span := tracing.StartSpan(s.ctx, "space.join",
			trace.WithAttributes(tracing.SpaceIDKey.String(string(s.ref.ID))))
		defer span.End()

		if err := s.subscribe(); err != nil {
			span.RecordError(err)
			s.teardown()
			return err
		}
		s.replay()
		if err := s.Send(s.ctx, &domain.Join{Profile: s.self.Public()}); err != nil {
			span.RecordError(err)
			s.teardown()
			return fmt.Errorf("failed to announce join: %w", err)
		}
		s.logger.Infow("joined space", "members", len(s.graph.Nodes()))
		tracing.AddSpanAttributes(spanCtx, attribute.Int("space.members", len(s.graph.Nodes())))
		s.attach()
		s.publishTopology()
		return nil
	})
}

func (s *Space) subscribe() error {
	sub, err := s.signaling.SubscribeSpace(s.ctx, s.ref, s.onSignal)
	if err != nil {
		return fmt.Errorf("failed to subscribe to space: %w", err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// replay rebuilds membership and topology from the relays' backlog.
func (s *Space) replay() {
	history, err := s.signaling.FetchHistory(s.ctx, s.ref)
	if err != nil {
		s.logger.Warnw("failed to fetch space history", "error", err)
		return
	}
	s.ledger = Reconcile(history)
	for _, j := range s.ledger.Members() {
		if j.Sender != s.self.ID {
			s.registerMember(j.Sender, j.Profile)
		}
	}
	for _, c := range s.ledger.Edges() {
		if c.Sender == s.self.ID || c.Target == s.self.ID {
			// a link from an earlier session of ours, long gone
			other := c.Sender
			if other == s.self.ID {
				other = c.Target
			}
			s.sendDrop(other, c.Key)
			continue
		}
		requester, ok := s.graph.GetNode(c.Target)
		if !ok {
			continue
		}
		acceptor, ok := s.graph.GetNode(c.Sender)
		if !ok {
			continue
		}
		s.graph.AddConnection(requester, acceptor, c.Role, domain.StateConfirmed)
	}
	s.logger.Debugw("replayed history", "events", len(history), "nodes", len(s.graph.Nodes()), "edges", len(s.graph.Edges()))
}

func (s *Space) registerMember(id domain.NodeID, profile domain.PublicProfile) *domain.Node {
	if n, ok := s.graph.GetNode(id); ok {
		n.UpdateMetrics(profile.NetworkMetrics)
		if profile.Name != "" {
			n.Name = profile.Name
		}
		return n
	}
	node := domain.NewNode(id, profile.Name, profile.NetworkMetrics)
	if _, ok := s.coHosts[id]; ok {
		node.IsCoHost = true
	}
	return s.graph.AddNode(node)
}

func (s *Space) handle(action domain.Action) {
	if s.stopped {
		return
	}
	meta := action.Meta()
	if meta.Space.ID != s.ref.ID || meta.Space.Root != s.ref.Root {
		s.logger.Debugw("action for another space", "kind", action.Kind())
		return
	}
	s.metrics.RecordEvent(action.Kind(), "in")

	switch a := action.(type) {
	case *domain.Join:
		s.onJoin(a)
	case *domain.Leave:
		s.onLeave(a)
	case *domain.CloseSpace:
		s.onCloseSpace(a)
	case *domain.Reserve:
		s.onReserve(a)
	case *domain.Confirm:
		s.onConfirm(a)
	case *domain.Drop:
		s.onDrop(a)
	case *domain.Moderation:
		s.onModeration(a)
	case *domain.SpeechRequest:
		s.onSpeechRequest(a)
	case *domain.Offer, *domain.Answer, *domain.ICE:
		s.onNegotiation(a)
	default:
		s.logger.Debugw("ignoring action", "kind", action.Kind())
	}
	if !s.stopped {
		s.publishTopology()
	}
}

func (s *Space) onJoin(a *domain.Join) {
	if !s.ledger.Observe(a) || a.Sender == s.self.ID {
		return
	}
	s.registerMember(a.Sender, a.Profile)
	s.logger.Infow("participant joined", "peer_id", a.Sender.Short(), "name", a.Profile.Name)
}

func (s *Space) onLeave(a *domain.Leave) {
	if !s.ledger.Observe(a) || a.Sender == s.self.ID {
		return
	}
	if a.Sender == s.graph.Root().ID {
		s.logger.Infow("host left the space")
		s.teardown()
		return
	}
	s.logger.Infow("participant left", "peer_id", a.Sender.Short())
	s.removeMember(a.Sender)
}

func (s *Space) onCloseSpace(a *domain.CloseSpace) {
	if a.Sender != s.graph.Root().ID {
		s.logger.Debugw("close from non-host ignored", "peer_id", a.Sender.Short())
		return
	}
	s.logger.Infow("space closed by host")
	s.teardown()
}

func (s *Space) removeMember(id domain.NodeID) {
	node, ok := s.graph.GetNode(id)
	if !ok {
		return
	}
	wasProducer := s.graph.IsMyProducer(node)
	wasTarget := s.target == id
	s.graph.RemoveNode(id)
	delete(s.coHosts, id)
	s.speech = without(s.speech, id)
	if wasTarget || wasProducer {
		s.detach()
	}
}

// onReserve is the admission side of the handshake.
func (s *Space) onReserve(a *domain.Reserve) {
	if a.Target != s.self.ID || a.Sender == s.self.ID {
		return
	}
	if a.Key.Producer != s.self.ID || a.Key.Consumer != a.Sender {
		s.logger.Debugw("reservation with foreign key", "peer_id", a.Sender.Short(), "key", a.Key.String())
		return
	}
	node := s.registerMember(a.Sender, domain.PublicProfile{NetworkMetrics: a.Metrics})

	// Nothing to relay yet, or admitting would close a cycle.
	if (!s.isRoot() && len(s.graph.Producers()) == 0) || s.graph.IsMyProducer(node) || s.target == node.ID {
		s.metrics.RecordAdmission(s.ref.ID, false, false)
		s.sendDrop(node.ID, a.Key)
		return
	}

	admitted, evict := s.graph.ViableNodeConnection(node)
	s.metrics.RecordAdmission(s.ref.ID, admitted, evict != nil)
	if !admitted {
		s.logger.Debugw("reservation refused", "peer_id", node.ID.Short())
		s.sendDrop(node.ID, a.Key)
		return
	}
	if evict != nil {
		s.logger.Infow("evicting child for better candidate", "evicted", evict.ID.Short(), "peer_id", node.ID.Short())
		wasProducer := s.graph.IsMyProducer(evict)
		s.dropPeer(evict.ID)
		if wasProducer {
			s.detach()
		}
	}

	role := a.Role
	if role != domain.RoleMutual {
		role = domain.RoleConsumer
	}
	s.graph.AddConnection(node, s.self, role, domain.StateAccepted)

	p := s.ensurePeer(node)
	if p.State() == domain.PeerIdle {
		sub, err := s.signaling.SubscribePeer(s.ctx, s.ref, node.ID, s.onSignal)
		if err != nil {
			s.logger.Warnw("failed to subscribe to peer", "peer_id", node.ID.Short(), "error", err)
			s.dropPeer(node.ID)
			return
		}
		p.AddSubscription(sub)
		if err := p.Accept(s.ctx, s.sessionOptions(node)); err != nil {
			s.logger.Warnw("failed to accept peer", "peer_id", node.ID.Short(), "error", err)
			s.dropPeer(node.ID)
			return
		}
		p.SetDeadline(s.cfg.NegotiationTimeout, s.deferred(p, s.onNegotiationTimeout))
	}

	err := s.Send(s.ctx, &domain.Confirm{
		Envelope: domain.Envelope{Target: node.ID},
		Key:      a.Key,
		Role:     role,
		Metrics:  s.self.Metrics,
	})
	if err != nil {
		s.logger.Warnw("failed to confirm reservation", "peer_id", node.ID.Short(), "error", err)
	}
}

func (s *Space) onConfirm(a *domain.Confirm) {
	fresh := s.ledger.Observe(a)
	// Links we are part of follow the peer, not the ledger: a confirm may
	// share its second with the drop of an earlier link on the same key.
	switch {
	case a.Sender == s.self.ID:
		if e, ok := s.graph.EdgeBetween(a.Sender, a.Target); ok {
			e.Advance(domain.StateConfirmed)
		}
		return
	case a.Target == s.self.ID:
		s.onOwnConfirm(a, s.registerMember(a.Sender, domain.PublicProfile{NetworkMetrics: a.Metrics}))
		return
	case !fresh:
		return
	}
	acceptor := s.registerMember(a.Sender, domain.PublicProfile{NetworkMetrics: a.Metrics})
	requester := s.registerMember(a.Target, domain.PublicProfile{})
	s.graph.AddConnection(requester, acceptor, a.Role, domain.StateConfirmed)
	if s.joinState == domain.JoinUnattached || s.joinState == domain.JoinDetached {
		s.attach()
	}
}

func (s *Space) onOwnConfirm(a *domain.Confirm, acceptor *domain.Node) {
	p := s.peers[acceptor.ID]
	switch {
	case p != nil && p.State() == domain.PeerReserving && s.target == acceptor.ID:
	case p != nil && (p.State() == domain.PeerNegotiating || p.State() == domain.PeerConnected):
		if e, ok := s.graph.EdgeBetween(s.self.ID, acceptor.ID); ok {
			e.Advance(domain.StateConfirmed)
		}
		return
	default:
		s.logger.Debugw("confirm for abandoned reservation", "peer_id", acceptor.ID.Short())
		s.sendDrop(acceptor.ID, a.Key)
		return
	}

	s.endReservation(nil)
	s.graph.AddConnection(s.self, acceptor, a.Role, domain.StateConfirmed)
	s.joinState = domain.JoinAttached
	s.logger.Infow("reservation confirmed", "peer_id", acceptor.ID.Short(), "role", a.Role)

	if err := p.OnConfirmed(s.ctx, s.sessionOptions(acceptor)); err != nil {
		s.logger.Warnw("failed to start negotiation", "peer_id", acceptor.ID.Short(), "error", err)
		s.dropPeer(acceptor.ID)
		s.detach()
		return
	}
	p.SetDeadline(s.cfg.NegotiationTimeout, s.deferred(p, s.onNegotiationTimeout))
}

func (s *Space) onDrop(a *domain.Drop) {
	if !s.ledger.Observe(a) || a.Sender == s.self.ID {
		return
	}
	producer, consumer := a.Key.Endpoints()
	if a.Sender != producer && a.Sender != consumer {
		s.logger.Debugw("drop from outside the edge", "peer_id", a.Sender.Short(), "key", a.Key.String())
		return
	}
	if producer != s.self.ID && consumer != s.self.ID {
		s.graph.RemoveConnection(producer, consumer)
		return
	}

	remote := a.Sender
	if p := s.peers[remote]; p != nil && p.State() == domain.PeerReserving && s.target == remote {
		s.logger.Debugw("reservation refused by peer", "peer_id", remote.Short())
		s.refuse(remote)
		return
	}
	node, ok := s.graph.GetNode(remote)
	if !ok {
		return
	}
	wasProducer := s.graph.IsMyProducer(node)
	s.closePeer(remote)
	s.graph.RemoveConnection(s.self.ID, remote)
	s.logger.Infow("link dropped by peer", "peer_id", remote.Short(), "was_producer", wasProducer)
	if wasProducer {
		s.detach()
	}
}

func (s *Space) onNegotiation(action domain.Action) {
	meta := action.Meta()
	if meta.Target != s.self.ID {
		return
	}
	p := s.peers[meta.Sender]
	if p == nil {
		s.logger.Debugw("negotiation from unknown peer", "peer_id", meta.Sender.Short(), "kind", action.Kind())
		return
	}

	var err error
	switch a := action.(type) {
	case *domain.Offer:
		err = p.HandleOffer(s.ctx, a.SDP)
	case *domain.Answer:
		err = p.HandleAnswer(s.ctx, a.SDP)
	case *domain.ICE:
		p.HandleICE(s.ctx, a.Candidates)
	}
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		s.logger.Debugw("stale negotiation message", "peer_id", meta.Sender.Short(), "kind", action.Kind(), "error", err)
		return
	}
	s.logger.Warnw("negotiation failed", "peer_id", meta.Sender.Short(), "kind", action.Kind(), "error", err)
	s.failPeer(p)
}

func (s *Space) onModeration(a *domain.Moderation) {
	selfDemotion := a.Op == domain.ActionDemote && a.Target == a.Sender
	if !s.canModerate(a.Sender) && !selfDemotion {
		s.logger.Debugw("moderation from unauthorized sender", "peer_id", a.Sender.Short(), "op", a.Op)
		return
	}
	if a.Target == s.graph.Root().ID {
		return
	}
	node, known := s.graph.GetNode(a.Target)

	switch a.Op {
	case domain.ActionRemovePeer:
		if a.Target == s.self.ID {
			s.logger.Infow("removed from space", "by", a.Sender.Short())
			s.leave()
			return
		}
		s.removeMember(a.Target)
	case domain.ActionPromoteSpeaker:
		if known && !node.IsSpeaker {
			node.IsSpeaker = true
			s.onPromoted(node)
		}
	case domain.ActionPromoteCoHost:
		s.coHosts[a.Target] = struct{}{}
		if known && !node.IsCoHost {
			node.IsCoHost = true
			s.onPromoted(node)
		}
	case domain.ActionDemote:
		delete(s.coHosts, a.Target)
		if known {
			node.IsSpeaker = false
			node.IsCoHost = false
		}
	}
	s.logger.Infow("moderation applied", "op", a.Op, "peer_id", a.Target.Short(), "by", a.Sender.Short())
}

// onPromoted moves a freshly trusted self next to the other trusted nodes
// so its audio can reach the whole overlay.
func (s *Space) onPromoted(node *domain.Node) {
	if node.ID != s.self.ID || s.isRoot() {
		return
	}
	for _, producer := range s.graph.Producers() {
		if !producer.Trusted() {
			s.dropPeer(producer.ID)
		}
	}
	s.detach()
}

func (s *Space) canModerate(id domain.NodeID) bool {
	if id == s.graph.Root().ID {
		return true
	}
	_, ok := s.coHosts[id]
	return ok
}

func (s *Space) onSpeechRequest(a *domain.SpeechRequest) {
	for _, id := range s.speech {
		if id == a.Sender {
			return
		}
	}
	s.speech = append(s.speech, a.Sender)
	s.logger.Infow("speech requested", "peer_id", a.Sender.Short())
}

// attach looks for a producer, unless one is already held or pending.
func (s *Space) attach() {
	if s.stopped {
		return
	}
	if s.isRoot() {
		s.joinState = domain.JoinRoot
		return
	}
	if s.target != "" {
		return
	}
	if len(s.graph.Producers()) > 0 {
		s.joinState = domain.JoinAttached
		return
	}
	for {
		node, ok := s.graph.FetchBestFit()
		if !ok {
			s.joinState = domain.JoinUnattached
			s.logger.Warnw("no peer to attach to", "nodes", len(s.graph.Nodes()))
			return
		}
		err := s.reserve(node)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrChannelNotOpen) || errors.Is(err, domain.ErrSpaceClosed) {
			s.joinState = domain.JoinUnattached
			s.logger.Warnw("cannot reserve a connection", "error", err)
			return
		}
		s.logger.Warnw("reservation failed", "peer_id", node.ID.Short(), "error", err)
		s.graph.Refuse(node.ID)
	}
}

func (s *Space) detach() {
	if s.isRoot() || s.stopped {
		return
	}
	if len(s.graph.Producers()) > 0 {
		s.joinState = domain.JoinAttached
		return
	}
	if s.target == "" {
		s.joinState = domain.JoinDetached
	}
	s.attach()
}

func (s *Space) reserve(node *domain.Node) error {
	role := domain.RoleConsumer
	if s.self.Trusted() && node.Trusted() {
		role = domain.RoleMutual
	}
	p := s.ensurePeer(node)
	sub, err := s.signaling.SubscribePeer(s.ctx, s.ref, node.ID, s.onSignal)
	if err != nil {
		s.closePeer(node.ID)
		return fmt.Errorf("failed to subscribe to peer: %w", err)
	}
	p.AddSubscription(sub)

	s.graph.AddConnection(s.self, node, role, domain.StateInitiated)
	if err := p.ReserveConnection(s.ctx, role, s.self.Metrics); err != nil {
		s.closePeer(node.ID)
		s.graph.RemoveConnection(s.self.ID, node.ID)
		return err
	}

	s.target = node.ID
	s.reserveAt = time.Now()
	s.joinState = domain.JoinReserving
	s.reserveCtx, _ = tracing.StartSpan(s.ctx, "space.reserve", trace.WithAttributes(
		tracing.SpaceIDKey.String(string(s.ref.ID)),
		tracing.PeerIDKey.String(string(node.ID)),
	))
	p.SetDeadline(s.cfg.ReservationTimeout, s.deferred(p, s.onReservationTimeout))
	s.logger.Debugw("reserving connection", "peer_id", node.ID.Short(), "role", role)
	return nil
}

func (s *Space) endReservation(err error) {
	if s.target == "" {
		return
	}
	if s.reserveCtx != nil {
		tracing.MeasureDuration(s.reserveCtx, s.reserveAt, "reserve")
		if err != nil {
			tracing.RecordError(s.reserveCtx, err)
		} else {
			tracing.SetSpanStatus(s.reserveCtx, codes.Ok, "")
		}
		tracing.SpanFromContext(s.reserveCtx).End()
		s.reserveCtx = nil
	}
	if err == nil {
		s.metrics.ObserveReservation(s.ref.ID, time.Since(s.reserveAt))
	}
	s.target = ""
}

// refuse gives up on the pending reservation and tries the next candidate.
func (s *Space) refuse(id domain.NodeID) {
	s.graph.Refuse(id)
	s.metrics.RecordRefusal(s.ref.ID)
	s.endReservation(domain.ErrNoCandidate)
	s.closePeer(id)
	s.graph.RemoveConnection(s.self.ID, id)
	s.attach()
}

// deferred turns a peer callback into a timer function that runs on the
// loop.
func (s *Space) deferred(p *Peer, fn func(*Peer)) func() {
	return func() {
		s.post(func() { fn(p) })
	}
}

func (s *Space) onReservationTimeout(p *Peer) {
	id := p.Node().ID
	if s.peers[id] != p || p.State() != domain.PeerReserving {
		return
	}
	s.logger.Infow("reservation timed out", "peer_id", id.Short())
	if e, ok := s.graph.EdgeBetween(s.self.ID, id); ok {
		s.sendDrop(id, EdgeKeyFor(s.ref, e))
	}
	s.refuse(id)
}

func (s *Space) onNegotiationTimeout(p *Peer) {
	id := p.Node().ID
	if s.peers[id] != p || p.State() == domain.PeerConnected || p.State() == domain.PeerClosed {
		return
	}
	s.logger.Infow("negotiation timed out", "peer_id", id.Short(), "state", p.State())
	s.failPeer(p)
}

// failPeer tears down a link that did not work out and tells the remote.
func (s *Space) failPeer(p *Peer) {
	node := p.Node()
	wasProducer := s.graph.IsMyProducer(node)
	s.dropPeer(node.ID)
	if wasProducer {
		s.detach()
	}
}

func (s *Space) ensurePeer(node *domain.Node) *Peer {
	if p, ok := s.peers[node.ID]; ok && p.State() != domain.PeerClosed {
		return p
	}
	var p *Peer
	events := ports.SessionEvents{
		OnICECandidate: func(c domain.ICECandidate) {
			s.post(func() {
				if s.peers[node.ID] == p {
					p.OnLocalCandidate(s.ctx, c)
				}
			})
		},
		OnStateChange: func(state domain.TransportState) {
			s.post(func() { s.onTransportState(p, state) })
		},
		OnRemoteTrack: func(id domain.TrackID) {
			s.post(func() { s.onRemoteTrack(p, id) })
		},
		OnStats: func(stats domain.LinkStats) {
			s.metrics.RecordLinkStats(s.ref.ID, stats)
		},
	}
	p = NewPeer(node, s.ref, s.self.ID, s, s.media, events, s.logger)
	p.OnStateChange(s.onPeerState)
	if s.muted {
		_ = p.SetMuted(true)
	}
	s.peers[node.ID] = p
	return p
}

func (s *Space) onPeerState(p *Peer, state domain.PeerState) {
	s.metrics.RecordPeerState(s.ref.ID, state)
	if state == domain.PeerConnected {
		s.metrics.ObserveNegotiation(s.ref.ID, p.Elapsed())
		s.logger.Infow("peer connected", "peer_id", p.Node().ID.Short(), "role", p.Role())
	}
}

func (s *Space) onTransportState(p *Peer, state domain.TransportState) {
	id := p.Node().ID
	if s.peers[id] != p {
		return
	}
	if !p.OnTransportState(s.ctx, state) {
		return
	}
	s.logger.Infow("media link lost", "peer_id", id.Short(), "state", state)
	s.failPeer(p)
}

// onRemoteTrack relays audio from providers to the nodes we serve.
func (s *Space) onRemoteTrack(p *Peer, trackID domain.TrackID) {
	node := p.Node()
	if s.peers[node.ID] != p || !s.graph.IsAudioProvider(node) {
		return
	}
	if _, known := s.trackOwner[trackID]; known {
		return
	}
	s.trackOwner[trackID] = node.ID
	s.tracks = append(s.tracks, trackID)
	for _, n := range s.fanOut() {
		other, ok := s.peers[n.ID]
		if !ok || n.ID == node.ID {
			continue
		}
		if err := other.Forward(s.ctx, trackID); err != nil {
			s.logger.Warnw("failed to forward track", "peer_id", n.ID.Short(), "track_id", trackID, "error", err)
		}
	}
}

// fanOut returns the consumers relayed tracks go to. Trusted consumers are
// served by the root only, and only the root relays back to its producers.
func (s *Space) fanOut() []*domain.Node {
	var out []*domain.Node
	for _, n := range s.graph.GetFanOutNodes() {
		if s.isRoot() || !s.graph.IsMyProducer(n) {
			out = append(out, n)
		}
	}
	if s.isRoot() {
		for _, n := range s.graph.GetConnectedNodes() {
			if n.Trusted() && s.graph.IsMyConsumer(n) {
				out = append(out, n)
			}
		}
	}
	return out
}

func (s *Space) forwardsTo(node *domain.Node) bool {
	for _, n := range s.fanOut() {
		if n.ID == node.ID {
			return true
		}
	}
	return false
}

func (s *Space) sessionOptions(node *domain.Node) ports.SessionOptions {
	opts := ports.SessionOptions{
		Capture: s.self.Trusted(),
		Ingest:  s.graph.IsAudioProvider(node),
	}
	if s.forwardsTo(node) {
		for _, id := range s.tracks {
			if s.trackOwner[id] != node.ID {
				opts.Forward = append(opts.Forward, id)
			}
		}
	}
	return opts
}

func (s *Space) sendDrop(target domain.NodeID, key domain.EdgeKey) {
	if err := s.Send(s.ctx, &domain.Drop{Envelope: domain.Envelope{Target: target}, Key: key}); err != nil {
		s.logger.Debugw("failed to send drop", "peer_id", target.Short(), "error", err)
	}
}

// dropPeer closes our link to id and announces the drop.
func (s *Space) dropPeer(id domain.NodeID) {
	if e, ok := s.graph.EdgeBetween(s.self.ID, id); ok {
		s.sendDrop(id, EdgeKeyFor(s.ref, e))
	}
	if s.target == id {
		s.endReservation(domain.ErrPeerClosed)
	}
	s.closePeer(id)
	s.graph.RemoveConnection(s.self.ID, id)
}

func (s *Space) closePeer(id domain.NodeID) {
	p, ok := s.peers[id]
	if !ok {
		return
	}
	delete(s.peers, id)
	if err := p.Close(); err != nil {
		s.logger.Debugw("failed to close peer", "peer_id", id.Short(), "error", err)
	}
	kept := s.tracks[:0]
	for _, t := range s.tracks {
		if s.trackOwner[t] == id {
			delete(s.trackOwner, t)
			continue
		}
		kept = append(kept, t)
	}
	s.tracks = kept
}

// ReleaseNode frees the peer of a node leaving the graph.
func (s *Space) ReleaseNode(id domain.NodeID) {
	if s.target == id {
		s.endReservation(domain.ErrNodeNotFound)
	}
	s.closePeer(id)
}

func (s *Space) publishTopology() {
	s.metrics.SetTopology(s.ref.ID, len(s.graph.Nodes()), len(s.graph.Edges()), s.graph.CalculateDepth())
}

// leave announces departure and stops the space. Loop only.
func (s *Space) leave() {
	if err := s.Send(s.ctx, &domain.Leave{}); err != nil {
		s.logger.Warnw("failed to announce leave", "error", err)
	}
	s.teardown()
}

// teardown releases every peer and subscription and stops the loop.
func (s *Space) teardown() {
	if s.stopped {
		return
	}
	s.endReservation(domain.ErrSpaceClosed)
	for id := range s.peers {
		s.closePeer(id)
	}
	for _, sub := range s.subs {
		if err := sub.Close(); err != nil {
			s.logger.Debugw("failed to close subscription", "error", err)
		}
	}
	s.subs = nil
	s.state = domain.SpaceClosed
	s.stopped = true
	s.metrics.ForgetSpace(s.ref.ID)
	s.logger.Infow("space stopped")
}

func (s *Space) wait(ctx context.Context) error {
	select {
	case <-s.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave announces departure, releases every link and waits for the outbox
// to flush.
func (s *Space) Leave(ctx context.Context) error {
	err := s.exec(ctx, func() error {
		s.leave()
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(ctx)
}

// Close ends the space for everyone. Only the host may close it.
func (s *Space) Close(ctx context.Context) error {
	err := s.exec(ctx, func() error {
		if !s.isRoot() {
			return domain.ErrNotAuthorized
		}
		if err := s.Send(s.ctx, &domain.CloseSpace{}); err != nil {
			s.logger.Warnw("failed to announce close", "error", err)
		}
		s.teardown()
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(ctx)
}

// Stop releases local resources without telling anyone.
func (s *Space) Stop(ctx context.Context) error {
	err := s.exec(ctx, func() error {
		s.teardown()
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrSpaceClosed) {
		return err
	}
	return s.wait(ctx)
}

// ToggleMute flips local outbound audio on every link and returns the new
// state.
func (s *Space) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := s.exec(ctx, func() error {
		s.muted = !s.muted
		muted = s.muted
		for id, p := range s.peers {
			if err := p.SetMuted(s.muted); err != nil {
				s.logger.Warnw("failed to toggle mute", "peer_id", id.Short(), "error", err)
			}
		}
		return nil
	})
	return muted, err
}

func (s *Space) RequestSpeech(ctx context.Context) error {
	return s.exec(ctx, func() error {
		return s.Send(s.ctx, &domain.SpeechRequest{})
	})
}

// Moderate publishes a moderation request. It takes effect for everyone,
// this node included, when the relays echo it back.
func (s *Space) Moderate(ctx context.Context, target domain.NodeID, op domain.ActionKind) error {
	switch op {
	case domain.ActionRemovePeer, domain.ActionPromoteSpeaker, domain.ActionPromoteCoHost, domain.ActionDemote:
	default:
		return fmt.Errorf("unknown moderation %q: %w", op, domain.ErrInvalidEvent)
	}
	return s.exec(ctx, func() error {
		if !s.canModerate(s.self.ID) && !(op == domain.ActionDemote && target == s.self.ID) {
			return domain.ErrNotAuthorized
		}
		if _, ok := s.graph.GetNode(target); !ok {
			return domain.ErrNodeNotFound
		}
		return s.Send(s.ctx, &domain.Moderation{Envelope: domain.Envelope{Target: target}, Op: op})
	})
}

// Status returns a snapshot of the space.
func (s *Space) Status(ctx context.Context) (*domain.SpaceStatus, error) {
	var status *domain.SpaceStatus
	err := s.exec(ctx, func() error {
		status = s.snapshot()
		return nil
	})
	return status, err
}

func (s *Space) snapshot() *domain.SpaceStatus {
	st := &domain.SpaceStatus{
		ID:             s.info.ID,
		Name:           s.info.Name,
		Root:           s.graph.Root().ID,
		Self:           s.self.ID,
		State:          s.state,
		JoinState:      s.joinState,
		Muted:          s.muted,
		Edges:          s.graph.Edges(),
		Peers:          make(map[domain.NodeID]domain.PeerState, len(s.peers)),
		SpeechRequests: append([]domain.NodeID(nil), s.speech...),
		Depth:          s.graph.CalculateDepth(),
	}
	for _, n := range s.graph.Nodes() {
		st.Nodes = append(st.Nodes, domain.NodeStatus{
			ID:        n.ID,
			Name:      n.Name,
			IsHost:    n.IsHost,
			IsCoHost:  n.IsCoHost,
			IsSpeaker: n.IsSpeaker,
			Metrics:   n.Metrics,
			Consumers: s.graph.CountConsumerNodes(n),
		})
		if n.IsCoHost {
			st.CoHosts = append(st.CoHosts, n.ID)
		}
	}
	for id, p := range s.peers {
		st.Peers[id] = p.State()
	}
	return st
}

func without(ids []domain.NodeID, id domain.NodeID) []domain.NodeID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
