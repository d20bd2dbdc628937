package relay

import (
	"sync"

	"relayspaces/internal/core/domain"
)

// deliveryQueue hands events to one callback, in order, without ever
// blocking the publisher.
type deliveryQueue struct {
	mu      sync.Mutex
	items   []*domain.Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	onEvent func(*domain.Event)
}

func newDeliveryQueue(onEvent func(*domain.Event)) *deliveryQueue {
	q := &deliveryQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onEvent: onEvent,
	}
	go q.run()
	return q
}

func (q *deliveryQueue) push(events ...*domain.Event) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, events...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				select {
				case <-q.done:
					return
				default:
				}
				q.onEvent(e)
			}
		}
	}
}

func (q *deliveryQueue) close() {
	q.once.Do(func() { close(q.done) })
}
