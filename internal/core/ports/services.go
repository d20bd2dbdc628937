package ports

import (
	"context"

	"relayspaces/internal/core/domain"
)

// SpaceService is what outer surfaces drive.
type SpaceService interface {
	Identity() domain.NodeID
	CreateSpace(ctx context.Context, name string) (*domain.SpaceStatus, error)
	JoinSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error)
	LeaveSpace(ctx context.Context, id domain.SpaceID) error
	CloseSpace(ctx context.Context, id domain.SpaceID) error
	GetSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error)
	ListActiveSpaces(ctx context.Context) ([]domain.SpaceInfo, error)
	ToggleMute(ctx context.Context, id domain.SpaceID) (bool, error)
	RequestSpeech(ctx context.Context, id domain.SpaceID) error
	Moderate(ctx context.Context, id domain.SpaceID, target domain.NodeID, op domain.ActionKind) error
}
