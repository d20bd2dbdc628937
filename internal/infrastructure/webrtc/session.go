package webrtc

import (
	"context"
	"fmt"
	"sync"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Session is one peer connection.
type Session struct {
	transport *Transport
	remote    domain.NodeID
	pc        *webrtc.PeerConnection
	opts      ports.SessionOptions
	events    ports.SessionEvents
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	micSend *webrtc.RTPSender
	senders map[domain.TrackID]*webrtc.RTPSender
	muted   bool
	closed  bool
}

var _ ports.MediaSession = (*Session)(nil)

func (s *Session) setup() error {
	if s.opts.Capture {
		sender, err := s.pc.AddTrack(s.transport.microphone)
		if err != nil {
			return fmt.Errorf("failed to add microphone: %w", err)
		}
		s.micSend = sender
		go s.readSenderRTCP(sender)
	} else {
		if _, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}
	for _, id := range s.opts.Forward {
		if _, err := s.addRelay(id); err != nil {
			s.logger.Warnw("failed to forward track", "track_id", id, "error", err)
		}
	}

	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.events.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		s.events.OnICECandidate(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed", "connection_state", state.String())
		if s.events.OnStateChange != nil {
			s.events.OnStateChange(transportState(state))
		}
	})
	s.pc.OnTrack(s.handleTrack)
	return nil
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	id := domain.TrackID(fmt.Sprintf("%s-%s", s.remote.Short(), track.ID()))
	s.logger.Infow("remote track started", "track_id", id, "codec", track.Codec().MimeType, "ingest", s.opts.Ingest)

	go s.readReceiverRTCP(receiver)

	var local *webrtc.TrackLocalStaticRTP
	if s.opts.Ingest {
		var err error
		local, err = webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, string(id), "relayspaces-relay")
		if err != nil {
			s.logger.Errorw("failed to create relay track", "track_id", id, "error", err)
			return
		}
		s.transport.mu.Lock()
		s.transport.relays[id] = &relayTrack{id: id, owner: s, local: local}
		s.transport.mu.Unlock()
	}

	go s.pump(id, track, local)

	if local != nil && s.events.OnRemoteTrack != nil {
		s.events.OnRemoteTrack(id)
	}
}

// pump reads a remote track until it ends, playing every packet and
// copying it to the relay track when ingesting.
func (s *Session) pump(id domain.TrackID, track *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	sink := s.transport.config.Sink
	var count uint64
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			s.logger.Debugw("remote track ended", "track_id", id, "packets", count, "error", err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet", "track_id", id, "error", err)
			continue
		}
		count++
		if sink != nil {
			sink(id, pkt)
		}
		if local != nil {
			if err := local.WriteRTP(pkt); err != nil {
				s.logger.Debugw("error writing relay packet", "track_id", id, "error", err)
			}
		}
	}
}

func (s *Session) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		s.report(packets)
	}
}

// readSenderRTCP drains receiver reports about what we send; pion needs
// them read for its interceptors to work.
func (s *Session) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		s.report(packets)
	}
}

func (s *Session) report(packets []rtcp.Packet) {
	if s.events.OnStats == nil {
		return
	}
	if stats, ok := linkStats(packets); ok {
		s.events.OnStats(stats)
	}
}

func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	_, span := tracing.TraceWebRTC(ctx, "create_offer", s.remote.String())
	defer span.End()
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (s *Session) CreateAnswer(ctx context.Context) (string, error) {
	_, span := tracing.TraceWebRTC(ctx, "create_answer", s.remote.String())
	defer span.End()
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (s *Session) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (s *Session) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Forward adds a relay track to the connection. Adding a track always
// requires renegotiation.
func (s *Session) Forward(trackID domain.TrackID) (bool, error) {
	return s.addRelay(trackID)
}

func (s *Session) addRelay(trackID domain.TrackID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, domain.ErrPeerClosed
	}
	if _, ok := s.senders[trackID]; ok {
		return false, nil
	}
	r, ok := s.transport.relay(trackID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	if r.owner == s {
		return false, nil
	}
	sender, err := s.pc.AddTrack(r.local)
	if err != nil {
		return false, err
	}
	s.senders[trackID] = sender
	go s.readSenderRTCP(sender)
	return true, nil
}

// SetMuted swaps the microphone out of the connection and back.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	if s.micSend == nil || s.closed {
		return nil
	}
	if muted {
		return s.micSend.ReplaceTrack(nil)
	}
	return s.micSend.ReplaceTrack(s.transport.microphone)
}

func (s *Session) State() domain.TransportState {
	return transportState(s.pc.ConnectionState())
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.transport.forget(s)
	return s.pc.Close()
}

func transportState(state webrtc.PeerConnectionState) domain.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}
