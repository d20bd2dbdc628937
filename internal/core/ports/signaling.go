package ports

import (
	"context"
	"time"

	"relayspaces/internal/core/domain"
)

// Signaling turns actions into signed relay events and back.
type Signaling interface {
	Open(profile domain.Profile) error
	IsOpen() bool
	Identity() domain.NodeID
	Publish(ctx context.Context, action domain.Action) error

	// SubscribeSpace delivers every space-wide action plus reserve
	// requests addressed to this identity.
	SubscribeSpace(ctx context.Context, space domain.SpaceRef, handler func(domain.Action)) (Subscription, error)
	// SubscribePeer delivers offer, answer and ICE from remote addressed to
	// this identity.
	SubscribePeer(ctx context.Context, space domain.SpaceRef, remote domain.NodeID, handler func(domain.Action)) (Subscription, error)
	// FetchHistory returns the join, leave, confirm and drop backlog.
	FetchHistory(ctx context.Context, space domain.SpaceRef) ([]domain.Action, error)

	FetchActiveSpaces(ctx context.Context, since time.Time) ([]domain.SpaceInfo, error)
	SubscribeNewSpaces(ctx context.Context, handler func(domain.SpaceInfo)) (Subscription, error)
	Close() error
}
