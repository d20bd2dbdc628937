package ports

import (
	"context"

	"relayspaces/internal/core/domain"
)

// Subscription is released exactly once by its owner.
type Subscription interface {
	Close() error
}

// Relay is one relay endpoint or a pool of them.
type Relay interface {
	Publish(ctx context.Context, event *domain.Event) error
	// Subscribe delivers stored matches followed by live ones. onEvent is
	// never called concurrently for one subscription.
	Subscribe(ctx context.Context, filters []domain.Filter, onEvent func(*domain.Event)) (Subscription, error)
	QuerySync(ctx context.Context, filters []domain.Filter) ([]*domain.Event, error)
	Ping(ctx context.Context) error
	Close() error
}
