package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"relayspaces/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string, kind int, createdAt domain.Timestamp, tags ...domain.Tag) *domain.Event {
	return &domain.Event{
		ID:        id,
		PubKey:    "author",
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
	}
}

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (c *collector) add(e *domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.ID)
	}
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ids()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.ids()
}

func TestMemory_PublishAndQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Publish(ctx, testEvent("a", 1000, 10, domain.Tag{"s", "space"})))
	require.NoError(t, m.Publish(ctx, testEvent("b", 1001, 20, domain.Tag{"s", "space"})))
	require.NoError(t, m.Publish(ctx, testEvent("c", 1000, 30, domain.Tag{"s", "other"})))

	events, err := m.QuerySync(ctx, []domain.Filter{{
		Kinds: []int{1000, 1001},
		Tags:  map[string][]string{"s": {"space"}},
	}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestMemory_DuplicatePublishIsIgnored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := testEvent("a", 1000, 10)

	require.NoError(t, m.Publish(ctx, e))
	require.NoError(t, m.Publish(ctx, e))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_EphemeralEventsAreNotStored(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got collector
	sub, err := m.Subscribe(ctx, []domain.Filter{{Kinds: []int{21102}}}, got.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, testEvent("offer", 21102, 10)))
	assert.Equal(t, []string{"offer"}, got.waitFor(t, 1))
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ReplaceableKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	slot := domain.Tag{"d", "space|root|peer"}

	require.NoError(t, m.Publish(ctx, testEvent("old", 31101, 10, slot)))
	require.NoError(t, m.Publish(ctx, testEvent("new", 31101, 20, slot)))
	require.NoError(t, m.Publish(ctx, testEvent("older", 31101, 5, slot)))

	events, err := m.QuerySync(ctx, []domain.Filter{{Kinds: []int{31101}}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ID)
}

func TestMemory_SubscribeDeliversStoredThenLive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Publish(ctx, testEvent("stored", 1000, 10)))

	var got collector
	sub, err := m.Subscribe(ctx, []domain.Filter{{Kinds: []int{1000}}}, got.add)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, testEvent("live", 1000, 20)))
	require.NoError(t, m.Publish(ctx, testEvent("unmatched", 1001, 30)))

	assert.Equal(t, []string{"stored", "live"}, got.waitFor(t, 2))
}

func TestMemory_ClosedSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got collector
	sub, err := m.Subscribe(ctx, []domain.Filter{{}}, got.add)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, m.Publish(ctx, testEvent("late", 1000, 10)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.ids())
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Publish(ctx, testEvent("a", 1000, 1)), domain.ErrRelayClosed)
	_, err := m.Subscribe(ctx, nil, func(*domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrRelayClosed)
	_, err = m.QuerySync(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrRelayClosed)
	assert.ErrorIs(t, m.Ping(ctx), domain.ErrRelayClosed)
}

func TestSelectEvents(t *testing.T) {
	var stored []*domain.Event
	for i := 1; i <= 5; i++ {
		stored = append(stored, testEvent(fmt.Sprintf("e%d", i), 1000, domain.Timestamp(i)))
	}

	tests := []struct {
		name         string
		filters      []domain.Filter
		maxPerFilter int
		expected     []string
	}{
		{"all, oldest first", []domain.Filter{{}}, 0, []string{"e1", "e2", "e3", "e4", "e5"}},
		{"limit keeps newest", []domain.Filter{{Limit: 2}}, 0, []string{"e4", "e5"}},
		{"relay cap", []domain.Filter{{}}, 3, []string{"e3", "e4", "e5"}},
		{"since and until", []domain.Filter{{Since: 2, Until: 3}}, 0, []string{"e2", "e3"}},
		{"overlapping filters merge", []domain.Filter{{IDs: []string{"e1", "e2"}}, {IDs: []string{"e2"}}}, 0, []string{"e1", "e2"}},
		{"no match", []domain.Filter{{Kinds: []int{7}}}, 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectEvents(stored, tt.filters, tt.maxPerFilter)
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}
