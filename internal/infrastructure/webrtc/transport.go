package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/tracing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures peer connections.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// IncludeLoopback gathers loopback candidates, for same-host peers.
	IncludeLoopback bool
	// Sink receives every audio packet played locally. May be nil.
	Sink func(trackID domain.TrackID, pkt *rtp.Packet)
}

var ErrTrackNotFound = errors.New("relay track not found")

// Transport opens pion peer connections carrying opus audio. It owns the
// microphone track and the relay tracks fed by ingested remote audio.
type Transport struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger

	microphone *webrtc.TrackLocalStaticRTP

	mu       sync.RWMutex
	relays   map[domain.TrackID]*relayTrack
	sessions map[*Session]struct{}
	closed   bool
}

// relayTrack re-publishes one ingested remote track.
type relayTrack struct {
	id    domain.TrackID
	owner *Session
	local *webrtc.TrackLocalStaticRTP
}

var _ ports.MediaTransport = (*Transport)(nil)

func NewTransport(config Config, logger *zap.SugaredLogger) (*Transport, error) {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if config.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	microphone, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"microphone",
		"relayspaces-audio",
	)
	if err != nil {
		return nil, err
	}

	return &Transport{
		config:     config,
		api:        webrtc.NewAPI(
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
		logger:     logger,
		microphone: microphone,
		relays:     make(map[domain.TrackID]*relayTrack),
		sessions:   make(map[*Session]struct{}),
	}, nil
}

// WriteMicrophone feeds one captured opus packet to every session that
// captures and is not muted.
func (t *Transport) WriteMicrophone(pkt *rtp.Packet) error {
	return t.microphone.WriteRTP(pkt)
}

// RelayTracks lists the tracks currently available for forwarding.
func (t *Transport) RelayTracks() []domain.TrackID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.TrackID, 0, len(t.relays))
	for id := range t.relays {
		out = append(out, id)
	}
	return out
}

func (t *Transport) relay(id domain.TrackID) (*relayTrack, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.relays[id]
	return r, ok
}

func (t *Transport) Open(ctx context.Context, remote domain.NodeID, opts ports.SessionOptions, events ports.SessionEvents) (ports.MediaSession, error) {
	_, span := tracing.TraceWebRTC(ctx, "open", remote.String())
	defer span.End()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("media transport closed")
	}

	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		transport: t,
		remote:    remote,
		pc:        pc,
		opts:      opts,
		events:    events,
		senders:   make(map[domain.TrackID]*webrtc.RTPSender),
		logger:    t.logger.With("peer_id", remote.Short()),
	}
	if err := s.setup(); err != nil {
		pc.Close()
		span.RecordError(err)
		return nil, err
	}

	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
	return s, nil
}

func (t *Transport) forget(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s)
	for id, r := range t.relays {
		if r.owner == s {
			delete(t.relays, id)
		}
	}
}

// Close tears down every session.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
