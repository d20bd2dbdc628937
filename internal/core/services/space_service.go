package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/pkg/utils"

	"go.uber.org/zap"
)

type SpaceServiceConfig struct {
	Space SpaceConfig
	// DiscoveryWindow bounds how old a create-space announcement may be to
	// count as active.
	DiscoveryWindow time.Duration
}

func DefaultSpaceServiceConfig() SpaceServiceConfig {
	return SpaceServiceConfig{
		Space:           DefaultSpaceConfig(),
		DiscoveryWindow: 2 * time.Hour,
	}
}

// SpaceManager runs the spaces the local participant hosts or joined.
type SpaceManager struct {
	profile   domain.Profile
	cfg       SpaceServiceConfig
	signaling ports.Signaling
	media     ports.MediaTransport
	metrics   ports.OverlayMetrics
	logger    *zap.SugaredLogger

	mu     sync.RWMutex
	spaces map[domain.SpaceID]*Space
	known  map[domain.SpaceID]domain.SpaceInfo
	watch  ports.Subscription
}

func NewSpaceManager(
	profile domain.Profile,
	cfg SpaceServiceConfig,
	signaling ports.Signaling,
	media ports.MediaTransport,
	metrics ports.OverlayMetrics,
	logger *zap.SugaredLogger,
) *SpaceManager {
	if metrics == nil {
		metrics = NewMetricsService()
	}
	return &SpaceManager{
		profile:   profile,
		cfg:       cfg,
		signaling: signaling,
		media:     media,
		metrics:   metrics,
		logger:    logger,
		spaces:    make(map[domain.SpaceID]*Space),
		known:     make(map[domain.SpaceID]domain.SpaceInfo),
	}
}

var _ ports.SpaceService = (*SpaceManager)(nil)

func (m *SpaceManager) Identity() domain.NodeID { return m.profile.PublicKey }

// Start follows new-space announcements so JoinSpace can resolve them
// without a relay round trip.
func (m *SpaceManager) Start(ctx context.Context) error {
	sub, err := m.signaling.SubscribeNewSpaces(ctx, m.remember)
	if err != nil {
		return fmt.Errorf("failed to watch new spaces: %w", err)
	}
	m.mu.Lock()
	m.watch = sub
	m.mu.Unlock()
	return nil
}

func (m *SpaceManager) remember(info domain.SpaceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[info.ID]; !ok {
		m.logger.Debugw("space announced", "space_id", info.ID, "name", info.Name)
	}
	m.known[info.ID] = info
}

func (m *SpaceManager) CreateSpace(ctx context.Context, name string) (*domain.SpaceStatus, error) {
	info := domain.SpaceInfo{
		ID:        domain.SpaceID(utils.GenerateSpaceID()),
		Name:      name,
		Host:      m.profile.Public(),
		CreatedAt: time.Now(),
	}
	space, err := m.newSpace(info)
	if err != nil {
		return nil, err
	}
	if err := space.Host(ctx); err != nil {
		return nil, fmt.Errorf("failed to host space: %w", err)
	}
	m.track(space)
	return space.Status(ctx)
}

func (m *SpaceManager) JoinSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error) {
	if _, err := m.get(id); err == nil {
		return nil, domain.ErrSpaceExists
	}
	info, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	space, err := m.newSpace(info)
	if err != nil {
		return nil, err
	}
	if err := space.Join(ctx); err != nil {
		return nil, fmt.Errorf("failed to join space: %w", err)
	}
	m.track(space)
	return space.Status(ctx)
}

func (m *SpaceManager) newSpace(info domain.SpaceInfo) (*Space, error) {
	m.mu.RLock()
	_, running := m.spaces[info.ID]
	m.mu.RUnlock()
	if running {
		return nil, domain.ErrSpaceExists
	}
	return NewSpace(info, m.profile, m.cfg.Space, m.signaling, m.media, m.metrics, m.logger)
}

// track keeps a started space until it stops, whatever stopped it.
func (m *SpaceManager) track(space *Space) {
	m.mu.Lock()
	m.spaces[space.ID()] = space
	m.mu.Unlock()

	go func() {
		<-space.Done()
		m.mu.Lock()
		if m.spaces[space.ID()] == space {
			delete(m.spaces, space.ID())
		}
		m.mu.Unlock()
		m.logger.Infow("space released", "space_id", space.ID())
	}()
}

func (m *SpaceManager) lookup(ctx context.Context, id domain.SpaceID) (domain.SpaceInfo, error) {
	m.mu.RLock()
	info, ok := m.known[id]
	m.mu.RUnlock()
	if ok {
		return info, nil
	}
	if _, err := m.ListActiveSpaces(ctx); err != nil {
		return domain.SpaceInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.known[id]; ok {
		return info, nil
	}
	return domain.SpaceInfo{}, domain.ErrSpaceNotFound
}

func (m *SpaceManager) get(id domain.SpaceID) (*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	space, ok := m.spaces[id]
	if !ok {
		return nil, domain.ErrSpaceNotFound
	}
	return space, nil
}

func (m *SpaceManager) LeaveSpace(ctx context.Context, id domain.SpaceID) error {
	space, err := m.get(id)
	if err != nil {
		return err
	}
	if err := space.Leave(ctx); err != nil && !errors.Is(err, domain.ErrSpaceClosed) {
		return err
	}
	return nil
}

func (m *SpaceManager) CloseSpace(ctx context.Context, id domain.SpaceID) error {
	space, err := m.get(id)
	if err != nil {
		return err
	}
	return space.Close(ctx)
}

func (m *SpaceManager) GetSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error) {
	space, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return space.Status(ctx)
}

// ListActiveSpaces asks the relays for spaces announced within the
// discovery window that were not closed since.
func (m *SpaceManager) ListActiveSpaces(ctx context.Context) ([]domain.SpaceInfo, error) {
	infos, err := m.signaling.FetchActiveSpaces(ctx, time.Now().Add(-m.cfg.DiscoveryWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active spaces: %w", err)
	}
	for _, info := range infos {
		m.remember(info)
	}
	return infos, nil
}

func (m *SpaceManager) ToggleMute(ctx context.Context, id domain.SpaceID) (bool, error) {
	space, err := m.get(id)
	if err != nil {
		return false, err
	}
	return space.ToggleMute(ctx)
}

func (m *SpaceManager) RequestSpeech(ctx context.Context, id domain.SpaceID) error {
	space, err := m.get(id)
	if err != nil {
		return err
	}
	return space.RequestSpeech(ctx)
}

func (m *SpaceManager) Moderate(ctx context.Context, id domain.SpaceID, target domain.NodeID, op domain.ActionKind) error {
	space, err := m.get(id)
	if err != nil {
		return err
	}
	return space.Moderate(ctx, target, op)
}

// Shutdown leaves every joined space and closes every hosted one.
func (m *SpaceManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	watch := m.watch
	m.watch = nil
	spaces := make([]*Space, 0, len(m.spaces))
	for _, s := range m.spaces {
		spaces = append(spaces, s)
	}
	m.mu.Unlock()

	var errs []error
	if watch != nil {
		if err := watch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range spaces {
		var err error
		if s.Info().Host.PublicKey == m.profile.PublicKey {
			err = s.Close(ctx)
		} else {
			err = s.Leave(ctx)
		}
		if err != nil && !errors.Is(err, domain.ErrSpaceClosed) {
			errs = append(errs, fmt.Errorf("space %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}
