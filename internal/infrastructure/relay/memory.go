package relay

import (
	"context"
	"sync"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
)

// Memory is an in-process relay. It stores regular events, keeps only the
// newest parameterized-replaceable event per slot and never stores
// ephemeral ones.
type Memory struct {
	mu           sync.RWMutex
	events       map[string]*domain.Event
	slots        map[string]string
	subs         map[*memorySubscription]struct{}
	maxPerFilter int
	closed       bool
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[string]*domain.Event),
		slots:  make(map[string]string),
		subs:   make(map[*memorySubscription]struct{}),
	}
}

// WithQueryLimit caps how many stored events one filter returns.
func (m *Memory) WithQueryLimit(n int) *Memory {
	m.maxPerFilter = n
	return m
}

var _ ports.Relay = (*Memory)(nil)

type memorySubscription struct {
	relay   *Memory
	filters []domain.Filter
	queue   *deliveryQueue
}

func (s *memorySubscription) Close() error {
	s.relay.mu.Lock()
	delete(s.relay.subs, s)
	s.relay.mu.Unlock()
	s.queue.close()
	return nil
}

func (m *Memory) Publish(ctx context.Context, event *domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrRelayClosed
	}
	if _, dup := m.events[event.ID]; dup {
		return nil
	}
	if !m.store(event) {
		return nil
	}
	for sub := range m.subs {
		if domain.MatchesAny(sub.filters, event) {
			sub.queue.push(event)
		}
	}
	return nil
}

// store reports false for a replaceable event older than its slot.
func (m *Memory) store(event *domain.Event) bool {
	switch {
	case event.Ephemeral():
		return true
	case event.Replaceable():
		key := event.ReplaceKey()
		if prevID, ok := m.slots[key]; ok {
			prev := m.events[prevID]
			if prev != nil && !event.Newer(prev) {
				return false
			}
			delete(m.events, prevID)
		}
		m.slots[key] = event.ID
	}
	m.events[event.ID] = event
	return true
}

func (m *Memory) Subscribe(ctx context.Context, filters []domain.Filter, onEvent func(*domain.Event)) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrRelayClosed
	}
	sub := &memorySubscription{relay: m, filters: filters, queue: newDeliveryQueue(onEvent)}
	sub.queue.push(selectEvents(m.snapshot(), filters, m.maxPerFilter)...)
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) snapshot() []*domain.Event {
	out := make([]*domain.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	return out
}

func (m *Memory) QuerySync(ctx context.Context, filters []domain.Filter) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, domain.ErrRelayClosed
	}
	return selectEvents(m.snapshot(), filters, m.maxPerFilter), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.ErrRelayClosed
	}
	return ctx.Err()
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.queue.close()
	}
	m.subs = make(map[*memorySubscription]struct{})
	return nil
}
