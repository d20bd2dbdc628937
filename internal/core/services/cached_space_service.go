package services

import (
	"context"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/cache"
)

const activeSpacesKey = "spaces:list:active"

// CachedSpaceService wraps a SpaceService so the active-space listing does
// not hit the relays on every call.
type CachedSpaceService struct {
	ports.SpaceService
	cache   *cache.WithFallback[[]domain.SpaceInfo]
	listTTL time.Duration
}

func NewCachedSpaceService(base ports.SpaceService, listTTL time.Duration) *CachedSpaceService {
	return &CachedSpaceService{
		SpaceService: base,
		cache:        cache.NewWithFallback[[]domain.SpaceInfo](listTTL),
		listTTL:      listTTL,
	}
}

var _ ports.SpaceService = (*CachedSpaceService)(nil)

func (s *CachedSpaceService) ListActiveSpaces(ctx context.Context) ([]domain.SpaceInfo, error) {
	return s.cache.GetOrSet(ctx, activeSpacesKey, s.SpaceService.ListActiveSpaces, s.listTTL)
}

// CreateSpace creates a space and invalidates the listing.
func (s *CachedSpaceService) CreateSpace(ctx context.Context, name string) (*domain.SpaceStatus, error) {
	status, err := s.SpaceService.CreateSpace(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate("spaces:list:")
	return status, nil
}

func (s *CachedSpaceService) CloseSpace(ctx context.Context, id domain.SpaceID) error {
	if err := s.SpaceService.CloseSpace(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate("spaces:list:")
	return nil
}

func (s *CachedSpaceService) Stop() {
	s.cache.Stop()
}
