package services

import (
	"testing"
	"time"

	"relayspaces/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ledgerSpace = domain.SpaceRef{ID: "space-1", Root: "host"}
	ledgerEpoch = time.Unix(1700000000, 0)
)

func envelopeAt(id string, sender domain.NodeID, offset time.Duration) domain.Envelope {
	return domain.Envelope{
		EventID:   id,
		Sender:    sender,
		Space:     ledgerSpace,
		CreatedAt: ledgerEpoch.Add(offset),
	}
}

func joinAt(id string, sender domain.NodeID, offset time.Duration) *domain.Join {
	return &domain.Join{
		Envelope: envelopeAt(id, sender, offset),
		Profile:  domain.PublicProfile{Name: string(sender), PublicKey: sender},
	}
}

func leaveAt(id string, sender domain.NodeID, offset time.Duration) *domain.Leave {
	return &domain.Leave{Envelope: envelopeAt(id, sender, offset)}
}

func TestLedger_MembershipIgnoresArrivalOrder(t *testing.T) {
	join := joinAt("e1", "x", 0)
	leave := leaveAt("e2", "x", time.Second)

	tests := []struct {
		name    string
		history []domain.Action
	}{
		{"in order", []domain.Action{join, leave}},
		{"reversed", []domain.Action{leave, join}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Reconcile(tt.history)
			assert.False(t, l.IsMember("x"))
			assert.Empty(t, l.Members())
		})
	}
}

func TestLedger_RejoinAfterLeave(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Observe(joinAt("e1", "x", 0)))
	assert.True(t, l.Observe(leaveAt("e2", "x", time.Second)))
	assert.True(t, l.Observe(joinAt("e3", "x", 2*time.Second)))
	assert.True(t, l.IsMember("x"))

	members := l.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "e3", members[0].EventID)
}

func TestLedger_TiesFavourRemoval(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Observe(joinAt("e1", "x", 0)))
	assert.True(t, l.Observe(leaveAt("e2", "x", 0)))
	assert.False(t, l.Observe(joinAt("e3", "x", 0)))
	assert.False(t, l.IsMember("x"))
}

func TestLedger_DuplicateEventIsNotNewer(t *testing.T) {
	l := NewLedger()
	join := joinAt("e1", "x", 0)
	assert.True(t, l.Observe(join))
	assert.False(t, l.Observe(join))
	assert.False(t, l.Observe(joinAt("e0", "x", -time.Second)))
}

func TestLedger_MembersOrdered(t *testing.T) {
	l := Reconcile([]domain.Action{
		joinAt("e3", "c", 2*time.Second),
		joinAt("e1", "b", 0),
		joinAt("e2", "a", 0),
	})

	var got []domain.NodeID
	for _, j := range l.Members() {
		got = append(got, j.Sender)
	}
	assert.Equal(t, []domain.NodeID{"a", "b", "c"}, got)
}

func TestLedger_DropRemovesEdgeOnce(t *testing.T) {
	key := domain.EdgeKey{Space: ledgerSpace.ID, Root: ledgerSpace.Root, Producer: "host", Consumer: "x"}
	confirm := &domain.Confirm{Envelope: envelopeAt("c1", "host", 0), Key: key, Role: domain.RoleConsumer}
	drop := &domain.Drop{Envelope: envelopeAt("d1", "x", time.Second), Key: key}
	echo := &domain.Drop{Envelope: envelopeAt("d2", "host", time.Second), Key: key}

	l := NewLedger()
	require.True(t, l.Observe(confirm))
	require.Len(t, l.Edges(), 1)

	assert.True(t, l.Observe(drop))
	assert.Empty(t, l.Edges())
	assert.False(t, l.Observe(drop))
	assert.False(t, l.Observe(echo), "a drop from the other endpoint is the same removal")
	assert.False(t, l.Observe(confirm))
	assert.Empty(t, l.Edges())
}

func TestLedger_OtherActionsPassThrough(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Observe(&domain.Offer{Envelope: envelopeAt("o1", "x", 0), SDP: "v=0"}))
	assert.Empty(t, l.Members())
}

func TestEdgeKeyFor(t *testing.T) {
	tests := []struct {
		name     string
		edge     domain.Edge
		producer domain.NodeID
		consumer domain.NodeID
	}{
		{"consumer requester", domain.Edge{A: "x", B: "host", Role: domain.RoleConsumer}, "host", "x"},
		{"producer requester", domain.Edge{A: "host", B: "x", Role: domain.RoleProducer}, "host", "x"},
		{"mutual", domain.Edge{A: "speaker", B: "host", Role: domain.RoleMutual}, "host", "speaker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := EdgeKeyFor(ledgerSpace, &tt.edge)
			assert.Equal(t, tt.producer, key.Producer)
			assert.Equal(t, tt.consumer, key.Consumer)
			assert.Equal(t, "space-1|host|"+string(tt.producer)+"|"+string(tt.consumer), key.String())
		})
	}
}
