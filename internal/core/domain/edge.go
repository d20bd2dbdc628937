package domain

import (
	"fmt"
	"strings"
)

// EdgeRole is the role of an edge's A endpoint relative to its B endpoint.
type EdgeRole string

const (
	RoleProducer EdgeRole = "producer"
	RoleConsumer EdgeRole = "consumer"
	RoleMutual   EdgeRole = "mutual"
)

func (r EdgeRole) Valid() bool {
	return r == RoleProducer || r == RoleConsumer || r == RoleMutual
}

// Inverse is the role seen from the other endpoint.
func (r EdgeRole) Inverse() EdgeRole {
	switch r {
	case RoleProducer:
		return RoleConsumer
	case RoleConsumer:
		return RoleProducer
	default:
		return r
	}
}

// EdgeState is the handshake progress of an edge.
type EdgeState string

const (
	StateInitiated EdgeState = "initiated"
	StateAccepted  EdgeState = "accepted"
	StateConfirmed EdgeState = "confirmed"
)

func (s EdgeState) rank() int {
	switch s {
	case StateInitiated:
		return 1
	case StateAccepted:
		return 2
	case StateConfirmed:
		return 3
	default:
		return 0
	}
}

// Edge records one relationship between two nodes. (A,B) and (B,A) name the
// same pair; Role is always read from A's side.
type Edge struct {
	A     NodeID    `json:"a"`
	B     NodeID    `json:"b"`
	Role  EdgeRole  `json:"role"`
	State EdgeState `json:"state"`
}

func (e *Edge) Connects(a, b NodeID) bool {
	return (e.A == a && e.B == b) || (e.A == b && e.B == a)
}

func (e *Edge) Involves(id NodeID) bool {
	return e.A == id || e.B == id
}

// Other returns the endpoint opposite to id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.A == id {
		return e.B
	}
	return e.A
}

// RoleOf returns id's role toward the other endpoint.
func (e *Edge) RoleOf(id NodeID) EdgeRole {
	if e.A == id {
		return e.Role
	}
	return e.Role.Inverse()
}

// Sends reports whether media flows from -> to along the edge.
func (e *Edge) Sends(from, to NodeID) bool {
	if !e.Connects(from, to) {
		return false
	}
	r := e.RoleOf(from)
	return r == RoleProducer || r == RoleMutual
}

// Advance moves the state forward; it never regresses.
func (e *Edge) Advance(state EdgeState) {
	if state.rank() > e.State.rank() {
		e.State = state
	}
}

// EdgeKey addresses one logical edge on the wire:
// space|root|producer|consumer.
type EdgeKey struct {
	Space    SpaceID
	Root     NodeID
	Producer NodeID
	Consumer NodeID
}

const edgeKeySep = "|"

func (k EdgeKey) String() string {
	return strings.Join([]string{string(k.Space), string(k.Root), string(k.Producer), string(k.Consumer)}, edgeKeySep)
}

func (k EdgeKey) IsZero() bool { return k == EdgeKey{} }

func ParseEdgeKey(s string) (EdgeKey, error) {
	parts := strings.Split(s, edgeKeySep)
	if len(parts) != 4 {
		return EdgeKey{}, fmt.Errorf("edge key %q: want 4 parts, got %d", s, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return EdgeKey{}, fmt.Errorf("edge key %q: empty part", s)
		}
	}
	return EdgeKey{
		Space:    SpaceID(parts[0]),
		Root:     NodeID(parts[1]),
		Producer: NodeID(parts[2]),
		Consumer: NodeID(parts[3]),
	}, nil
}

// Endpoints returns the key's pair in (producer, consumer) order.
func (k EdgeKey) Endpoints() (NodeID, NodeID) { return k.Producer, k.Consumer }
