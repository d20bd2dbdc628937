package domain

import "time"

type ActionKind string

const (
	ActionCreateSpace    ActionKind = "create-space"
	ActionCloseSpace     ActionKind = "close-space"
	ActionJoin           ActionKind = "join-space"
	ActionLeave          ActionKind = "leave-space"
	ActionReserve        ActionKind = "reserve-connection"
	ActionConfirm        ActionKind = "confirm-connection"
	ActionDrop           ActionKind = "drop-connection"
	ActionRemovePeer     ActionKind = "remove-peer"
	ActionPromoteSpeaker ActionKind = "promote-speaker"
	ActionPromoteCoHost  ActionKind = "promote-cohost"
	ActionDemote         ActionKind = "demote"
	ActionOffer          ActionKind = "sdp-offer"
	ActionAnswer         ActionKind = "sdp-answer"
	ActionICE            ActionKind = "ice-candidate"
	ActionRequestSpeech  ActionKind = "request-speech"
)

// Envelope carries the addressing shared by every action. Sender and
// CreatedAt are filled from the event on decode and ignored on encode.
type Envelope struct {
	EventID   string
	Sender    NodeID
	Target    NodeID
	Space     SpaceRef
	CreatedAt time.Time
}

func (e *Envelope) Meta() *Envelope { return e }

// Action is a decoded protocol message.
type Action interface {
	Kind() ActionKind
	Meta() *Envelope
}

type CreateSpace struct {
	Envelope
	Info SpaceInfo
}

type CloseSpace struct{ Envelope }

type Join struct {
	Envelope
	Profile PublicProfile
}

type Leave struct{ Envelope }

// Reserve asks Target to accept Sender as a child. Role is the sender's
// role relative to the target.
type Reserve struct {
	Envelope
	Key     EdgeKey
	Role    EdgeRole
	Metrics NetworkMetrics
}

// Confirm grants a reservation. Target is the requester and Role is the
// requester's role relative to the sender.
type Confirm struct {
	Envelope
	Key     EdgeKey
	Role    EdgeRole
	Metrics NetworkMetrics
}

// Drop removes the edge between Sender and Target.
type Drop struct {
	Envelope
	Key EdgeKey
}

// Moderation carries remove, promote and demote requests aimed at Target.
type Moderation struct {
	Envelope
	Op ActionKind
}

type Offer struct {
	Envelope
	SDP string
}

type Answer struct {
	Envelope
	SDP string
}

type ICE struct {
	Envelope
	Candidates []ICECandidate
}

type SpeechRequest struct{ Envelope }

func (*CreateSpace) Kind() ActionKind { return ActionCreateSpace }
func (*CloseSpace) Kind() ActionKind { return ActionCloseSpace }
func (*Join) Kind() ActionKind { return ActionJoin }
func (*Leave) Kind() ActionKind { return ActionLeave }
func (*Reserve) Kind() ActionKind { return ActionReserve }
func (*Confirm) Kind() ActionKind { return ActionConfirm }
func (*Drop) Kind() ActionKind { return ActionDrop }
func (m *Moderation) Kind() ActionKind { return m.Op }
func (*Offer) Kind() ActionKind { return ActionOffer }
func (*Answer) Kind() ActionKind { return ActionAnswer }
func (*ICE) Kind() ActionKind { return ActionICE }
func (*SpeechRequest) Kind() ActionKind { return ActionRequestSpeech }

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType
	SDP  string
}

// TransportState mirrors the peer connection state of a media session.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)
