package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"relayspaces/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSpaceService struct {
	mock.Mock
}

func (m *MockSpaceService) Identity() domain.NodeID {
	return m.Called().Get(0).(domain.NodeID)
}

func (m *MockSpaceService) CreateSpace(ctx context.Context, name string) (*domain.SpaceStatus, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SpaceStatus), args.Error(1)
}

func (m *MockSpaceService) JoinSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SpaceStatus), args.Error(1)
}

func (m *MockSpaceService) LeaveSpace(ctx context.Context, id domain.SpaceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSpaceService) CloseSpace(ctx context.Context, id domain.SpaceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSpaceService) GetSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SpaceStatus), args.Error(1)
}

func (m *MockSpaceService) ListActiveSpaces(ctx context.Context) ([]domain.SpaceInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.SpaceInfo), args.Error(1)
}

func (m *MockSpaceService) ToggleMute(ctx context.Context, id domain.SpaceID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockSpaceService) RequestSpeech(ctx context.Context, id domain.SpaceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSpaceService) Moderate(ctx context.Context, id domain.SpaceID, target domain.NodeID, op domain.ActionKind) error {
	return m.Called(ctx, id, target, op).Error(0)
}

func TestCachedSpaceService_ListActiveSpaces(t *testing.T) {
	ctx := context.Background()
	base := new(MockSpaceService)
	spaces := []domain.SpaceInfo{{ID: "s1", Name: "one"}}
	base.On("ListActiveSpaces", mock.Anything).Return(spaces, nil).Once()

	svc := NewCachedSpaceService(base, time.Minute)
	defer svc.Stop()

	for i := 0; i < 3; i++ {
		got, err := svc.ListActiveSpaces(ctx)
		require.NoError(t, err)
		assert.Equal(t, spaces, got)
	}
	base.AssertExpectations(t)
}

func TestCachedSpaceService_InvalidatesOnChange(t *testing.T) {
	ctx := context.Background()
	base := new(MockSpaceService)
	base.On("ListActiveSpaces", mock.Anything).Return([]domain.SpaceInfo{}, nil).Twice()
	base.On("CreateSpace", mock.Anything, "new").Return(&domain.SpaceStatus{ID: "s2"}, nil).Once()
	base.On("CloseSpace", mock.Anything, domain.SpaceID("s2")).Return(nil).Once()
	base.On("CloseSpace", mock.Anything, domain.SpaceID("gone")).Return(domain.ErrSpaceNotFound).Once()

	svc := NewCachedSpaceService(base, time.Minute)
	defer svc.Stop()

	_, err := svc.ListActiveSpaces(ctx)
	require.NoError(t, err)

	st, err := svc.CreateSpace(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, domain.SpaceID("s2"), st.ID)

	_, err = svc.ListActiveSpaces(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.CloseSpace(ctx, "s2"))
	assert.ErrorIs(t, svc.CloseSpace(ctx, "gone"), domain.ErrSpaceNotFound)
	base.AssertExpectations(t)
}

func TestCachedSpaceService_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	base := new(MockSpaceService)
	base.On("ListActiveSpaces", mock.Anything).Return(nil, errors.New("relays down")).Once()
	base.On("ListActiveSpaces", mock.Anything).Return([]domain.SpaceInfo{{ID: "s1"}}, nil).Once()

	svc := NewCachedSpaceService(base, time.Minute)
	defer svc.Stop()

	_, err := svc.ListActiveSpaces(ctx)
	assert.Error(t, err)

	got, err := svc.ListActiveSpaces(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	base.AssertExpectations(t)
}

func TestCachedSpaceService_PassesThrough(t *testing.T) {
	ctx := context.Background()
	base := new(MockSpaceService)
	base.On("ToggleMute", mock.Anything, domain.SpaceID("s1")).Return(true, nil)
	base.On("Identity").Return(domain.NodeID("me"))

	svc := NewCachedSpaceService(base, time.Minute)
	defer svc.Stop()

	muted, err := svc.ToggleMute(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, muted)
	assert.Equal(t, domain.NodeID("me"), svc.Identity())
}
