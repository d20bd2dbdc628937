package services

import (
	"sort"
	"time"

	"relayspaces/internal/core/domain"
)

type ledgerEntry struct {
	at      time.Time
	present bool
	eventID string
	action  domain.Action
}

// supersededBy reports whether an observation at `at` replaces the entry. On
// equal timestamps a removal beats an addition.
func (e ledgerEntry) supersededBy(at time.Time, present bool, eventID string) bool {
	if eventID != "" && eventID == e.eventID {
		return false
	}
	if at.After(e.at) {
		return true
	}
	return at.Equal(e.at) && e.present && !present
}

// Ledger keeps the latest join/leave per member and confirm/drop per edge
// key. Replayed history and live messages go through the same ledger, so
// the result does not depend on arrival order.
type Ledger struct {
	members map[domain.NodeID]ledgerEntry
	edges   map[string]ledgerEntry
}

func NewLedger() *Ledger {
	return &Ledger{
		members: make(map[domain.NodeID]ledgerEntry),
		edges:   make(map[string]ledgerEntry),
	}
}

// Observe records a membership or edge action and reports whether it is
// the newest one for its identity or key. Other actions pass through.
func (l *Ledger) Observe(action domain.Action) bool {
	meta := action.Meta()
	switch a := action.(type) {
	case *domain.Join:
		return l.observe(l.members, meta.Sender, meta, true, a)
	case *domain.Leave:
		return l.observe(l.members, meta.Sender, meta, false, a)
	case *domain.Confirm:
		return l.observeEdge(a.Key, meta, true, a)
	case *domain.Drop:
		return l.observeEdge(a.Key, meta, false, a)
	default:
		return true
	}
}

func (l *Ledger) observeEdge(key domain.EdgeKey, meta *domain.Envelope, present bool, a domain.Action) bool {
	k := key.String()
	entry, ok := l.edges[k]
	if ok && !entry.supersededBy(meta.CreatedAt, present, meta.EventID) {
		return false
	}
	l.edges[k] = ledgerEntry{at: meta.CreatedAt, present: present, eventID: meta.EventID, action: a}
	return true
}

func (l *Ledger) observe(m map[domain.NodeID]ledgerEntry, id domain.NodeID, meta *domain.Envelope, present bool, a domain.Action) bool {
	entry, ok := m[id]
	if ok && !entry.supersededBy(meta.CreatedAt, present, meta.EventID) {
		return false
	}
	m[id] = ledgerEntry{at: meta.CreatedAt, present: present, eventID: meta.EventID, action: a}
	return true
}

// IsMember reports whether id's latest membership action is a join.
func (l *Ledger) IsMember(id domain.NodeID) bool {
	e, ok := l.members[id]
	return ok && e.present
}

// Members returns the latest join of every present member, oldest first.
func (l *Ledger) Members() []*domain.Join {
	var out []*domain.Join
	for _, e := range l.members {
		if j, ok := e.action.(*domain.Join); ok && e.present {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Sender < out[j].Sender
	})
	return out
}

// Edges returns the latest confirm of every live edge, oldest first.
func (l *Ledger) Edges() []*domain.Confirm {
	var out []*domain.Confirm
	for _, e := range l.edges {
		if c, ok := e.action.(*domain.Confirm); ok && e.present {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Reconcile replays a backlog into a fresh ledger.
func Reconcile(history []domain.Action) *Ledger {
	l := NewLedger()
	for _, a := range history {
		l.Observe(a)
	}
	return l
}

// EdgeKeyFor returns the wire key of an edge: producer first, and for
// mutual edges the side that requested it (A) in the consumer slot.
func EdgeKeyFor(space domain.SpaceRef, e *domain.Edge) domain.EdgeKey {
	producer, consumer := e.B, e.A
	if e.Role == domain.RoleProducer {
		producer, consumer = e.A, e.B
	}
	return domain.EdgeKey{Space: space.ID, Root: space.Root, Producer: producer, Consumer: consumer}
}
