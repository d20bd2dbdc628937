package domain

import "time"

type SpaceID string

type SpaceState string

const (
	SpaceOpen   SpaceState = "open"
	SpaceClosed SpaceState = "closed"
)

// JoinState tells a UI whether this participant currently receives audio.
type JoinState string

const (
	JoinIdle       JoinState = "idle"
	JoinReserving  JoinState = "reserving"
	JoinAttached   JoinState = "attached"
	JoinUnattached JoinState = "unattached"
	JoinDetached   JoinState = "detached"
	JoinRoot       JoinState = "root"
)

// SpaceRef scopes every space-bound message.
type SpaceRef struct {
	ID   SpaceID
	Root NodeID
}

// SpaceInfo is what a create-space announcement carries.
type SpaceInfo struct {
	ID        SpaceID       `json:"id"`
	Name      string        `json:"name"`
	Host      PublicProfile `json:"host"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (i SpaceInfo) Ref() SpaceRef { return SpaceRef{ID: i.ID, Root: i.Host.PublicKey} }

// PeerState is the lifecycle of the connection to one remote node.
type PeerState string

const (
	PeerIdle        PeerState = "idle"
	PeerReserving   PeerState = "reserving"
	PeerAccepted    PeerState = "accepted"
	PeerNegotiating PeerState = "negotiating"
	PeerConnected   PeerState = "connected"
	PeerClosed      PeerState = "closed"
)

// NegotiationRole is which side of offer/answer this node plays.
type NegotiationRole string

const (
	NegotiationNone     NegotiationRole = ""
	NegotiationOfferer  NegotiationRole = "offerer"
	NegotiationAnswerer NegotiationRole = "answerer"
)

// SpaceStatus is a read-only snapshot of a space for APIs.
type SpaceStatus struct {
	ID             SpaceID              `json:"id"`
	Name           string               `json:"name"`
	Root           NodeID               `json:"root"`
	Self           NodeID               `json:"self"`
	State          SpaceState           `json:"state"`
	JoinState      JoinState            `json:"joinState"`
	Muted          bool                 `json:"muted"`
	Nodes          []NodeStatus         `json:"nodes"`
	Edges          []Edge               `json:"edges"`
	Peers          map[NodeID]PeerState `json:"peers"`
	CoHosts        []NodeID             `json:"coHosts"`
	SpeechRequests []NodeID             `json:"speechRequests"`
	Depth          int                  `json:"depth"`
}

type NodeStatus struct {
	ID        NodeID         `json:"id"`
	Name      string         `json:"name"`
	IsHost    bool           `json:"isHost"`
	IsCoHost  bool           `json:"isCoHost"`
	IsSpeaker bool           `json:"isSpeaker"`
	Metrics   NetworkMetrics `json:"metrics"`
	Consumers int            `json:"consumers"`
}
