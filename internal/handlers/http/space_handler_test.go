package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/services"
	"relayspaces/internal/infrastructure/middleware"
	"relayspaces/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockSpaceService struct {
	mock.Mock
}

func (m *MockSpaceService) Identity() domain.NodeID {
	return m.Called().Get(0).(domain.NodeID)
}

func (m *MockSpaceService) CreateSpace(ctx context.Context, name string) (*domain.SpaceStatus, error) {
	args := m.Called(ctx, name)
	status, _ := args.Get(0).(*domain.SpaceStatus)
	return status, args.Error(1)
}

func (m *MockSpaceService) JoinSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error) {
	args := m.Called(ctx, id)
	status, _ := args.Get(0).(*domain.SpaceStatus)
	return status, args.Error(1)
}

func (m *MockSpaceService) LeaveSpace(ctx context.Context, id domain.SpaceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSpaceService) CloseSpace(ctx context.Context, id domain.SpaceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSpaceService) GetSpace(ctx context.Context, id domain.SpaceID) (*domain.SpaceStatus, error) {
	args := m.Called(ctx, id)
	status, _ := args.Get(0).(*domain.SpaceStatus)
	return status, args.Error(1)
}

func (m *MockSpaceService) ListActiveSpaces(ctx context.Context) ([]domain.SpaceInfo, error) {
	args := m.Called(ctx)
	infos, _ := args.Get(0).([]domain.SpaceInfo)
	return infos, args.Error(1)
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

type staticHealth monitoring.HealthStatus

func (s staticHealth) CheckAll(context.Context) monitoring.HealthStatus {
	return monitoring.HealthStatus(s)
}

const (
	testSpace = domain.SpaceID("0b9f6a52-8c1e-4a57-9a0e-3f1c2d4e5f60")
	testPeer  = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
)

func setupRouter(t *testing.T, h *SpaceHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(logger))
	h.SetupRoutes(router)
	return router
}

func do(router *gin.Engine, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestSpaceHandler_ListSpaces(t *testing.T) {
	svc := new(MockSpaceService)
	router := setupRouter(t, NewSpaceHandler(svc, nil, nil, nil))

	svc.On("ListActiveSpaces", mock.Anything).Return([]domain.SpaceInfo{{ID: testSpace, Name: "Morning"}}, nil).Once()
	w, body := do(router, http.MethodGet, "/api/v1/spaces", "")
	require.Equal(t, http.StatusOK, w.Code)
	spaces := body["spaces"].([]interface{})
	require.Len(t, spaces, 1)
	assert.Equal(t, "Morning", spaces[0].(map[string]interface{})["name"])

	svc.On("ListActiveSpaces", mock.Anything).Return(nil, nil).Once()
	w, body = do(router, http.MethodGet, "/api/v1/spaces", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["spaces"])
	assert.NotNil(t, body["spaces"])

	svc.On("ListActiveSpaces", mock.Anything).Return(nil, fmt.Errorf("failed to fetch active spaces: %w", domain.ErrNoRelays)).Once()
	w, _ = do(router, http.MethodGet, "/api/v1/spaces", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	svc.AssertExpectations(t)
}

func TestSpaceHandler_CreateSpace(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setup  func(*MockSpaceService)
		status int
	}{
		{
			name: "created",
			body: `{"name":"  Morning  "}`,
			setup: func(m *MockSpaceService) {
				m.On("CreateSpace", mock.Anything, "Morning").
					Return(&domain.SpaceStatus{ID: testSpace, Name: "Morning", JoinState: domain.JoinRoot}, nil)
			},
			status: http.StatusCreated,
		},
		{name: "missing name", body: `{}`, status: http.StatusBadRequest},
		{name: "blank name", body: `{"name":"   "}`, status: http.StatusBadRequest},
		{name: "not json", body: `name=x`, status: http.StatusBadRequest},
		{
			name: "relays down",
			body: `{"name":"Morning"}`,
			setup: func(m *MockSpaceService) {
				m.On("CreateSpace", mock.Anything, "Morning").Return(nil, domain.ErrNoRelays)
			},
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSpaceService)
			if tt.setup != nil {
				tt.setup(svc)
			}
			router := setupRouter(t, NewSpaceHandler(svc, nil, nil, nil))

			w, body := do(router, http.MethodPost, "/api/v1/spaces", tt.body)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusCreated {
				space := body["space"].(map[string]interface{})
				assert.Equal(t, string(testSpace), space["id"])
				assert.Equal(t, string(domain.JoinRoot), space["joinState"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestSpaceHandler_SpaceErrors(t *testing.T) {
	path := "/api/v1/spaces/" + string(testSpace)

	tests := []struct {
		name   string
		method string
		path   string
		setup  func(*MockSpaceService)
		status int
	}{
		{"get unknown", http.MethodGet, path, func(m *MockSpaceService) {
			m.On("GetSpace", mock.Anything, testSpace).Return(nil, domain.ErrSpaceNotFound)
		}, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/v1/spaces/bad%20id", nil, http.StatusBadRequest},
		{"join running", http.MethodPost, path + "/join", func(m *MockSpaceService) {
			m.On("JoinSpace", mock.Anything, testSpace).Return(nil, domain.ErrSpaceExists)
		}, http.StatusConflict},
		{"join closed", http.MethodPost, path + "/join", func(m *MockSpaceService) {
			m.On("JoinSpace", mock.Anything, testSpace).Return(nil, fmt.Errorf("failed to join space: %w", domain.ErrSpaceClosed))
		}, http.StatusGone},
		{"close as guest", http.MethodPost, path + "/close", func(m *MockSpaceService) {
			m.On("CloseSpace", mock.Anything, testSpace).Return(domain.ErrNotAuthorized)
		}, http.StatusForbidden},
		{"leave unknown", http.MethodPost, path + "/leave", func(m *MockSpaceService) {
			m.On("LeaveSpace", mock.Anything, testSpace).Return(domain.ErrSpaceNotFound)
		}, http.StatusNotFound},
		{"mute unknown", http.MethodPost, path + "/mute", func(m *MockSpaceService) {
			m.On("ToggleMute", mock.Anything, testSpace).Return(false, domain.ErrSpaceNotFound)
		}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSpaceService)
			if tt.setup != nil {
				tt.setup(svc)
			}
			router := setupRouter(t, NewSpaceHandler(svc, nil, nil, nil))

			w, _ := do(router, tt.method, tt.path, "")

			assert.Equal(t, tt.status, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestSpaceHandler_Lifecycle(t *testing.T) {
	svc := new(MockSpaceService)
	router := setupRouter(t, NewSpaceHandler(svc, nil, nil, nil))
	path := "/api/v1/spaces/" + string(testSpace)

	svc.On("JoinSpace", mock.Anything, testSpace).Return(&domain.SpaceStatus{ID: testSpace, JoinState: domain.JoinReserving}, nil)
	svc.On("ToggleMute", mock.Anything, testSpace).Return(true, nil)
	svc.On("RequestSpeech", mock.Anything, testSpace).Return(nil)
	svc.On("LeaveSpace", mock.Anything, testSpace).Return(nil)

	w, body := do(router, http.MethodPost, path+"/join", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(domain.JoinReserving), body["space"].(map[string]interface{})["joinState"])

	w, body = do(router, http.MethodPost, path+"/mute", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["muted"])

	w, _ = do(router, http.MethodPost, path+"/speech", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, body = do(router, http.MethodPost, path+"/leave", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "left", body["status"])

	svc.AssertExpectations(t)
}

func TestSpaceHandler_Moderate(t *testing.T) {
	base := "/api/v1/spaces/" + string(testSpace) + "/peers/"

	tests := []struct {
		name   string
		path   string
		op     domain.ActionKind
		err    error
		status int
	}{
		{"promote", base + testPeer + "/promote", domain.ActionPromoteSpeaker, nil, http.StatusAccepted},
		{"cohost", base + testPeer + "/cohost", domain.ActionPromoteCoHost, nil, http.StatusAccepted},
		{"demote", base + testPeer + "/demote", domain.ActionDemote, nil, http.StatusAccepted},
		{"remove", base + testPeer + "/remove", domain.ActionRemovePeer, nil, http.StatusAccepted},
		{"not a member", base + testPeer + "/remove", domain.ActionRemovePeer, domain.ErrNodeNotFound, http.StatusNotFound},
		{"not host", base + testPeer + "/promote", domain.ActionPromoteSpeaker, domain.ErrNotAuthorized, http.StatusForbidden},
		{"unknown op", base + testPeer + "/ban", "", nil, http.StatusBadRequest},
		{"bad key", base + "ABC/promote", "", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSpaceService)
			if tt.op != "" {
				svc.On("Moderate", mock.Anything, testSpace, domain.NodeID(testPeer), tt.op).Return(tt.err)
			}
			router := setupRouter(t, NewSpaceHandler(svc, nil, nil, nil))

			w, _ := do(router, http.MethodPost, tt.path, "")

			assert.Equal(t, tt.status, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestSpaceHandler_Metrics(t *testing.T) {
	summary := services.NewMetricsService()
	summary.SetTopology(testSpace, 3, 2, 1)

	svc := new(MockSpaceService)
	svc.On("GetSpace", mock.Anything, testSpace).Return(&domain.SpaceStatus{ID: testSpace}, nil)
	router := setupRouter(t, NewSpaceHandler(svc, summary, nil, nil))

	w, body := do(router, http.MethodGet, "/api/v1/spaces/"+string(testSpace)+"/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	metrics := body["metrics"].(map[string]interface{})
	assert.EqualValues(t, 3, metrics["nodes"])
	assert.EqualValues(t, 1, metrics["depth"])

	router = setupRouter(t, NewSpaceHandler(svc, nil, nil, nil))
	w, _ = do(router, http.MethodGet, "/api/v1/spaces/"+string(testSpace)+"/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSpaceHandler_Health(t *testing.T) {
	tests := []struct {
		name    string
		health  HealthReporter
		healthy bool
		ready   bool
	}{
		{"no checker", nil, true, true},
		{"healthy", staticHealth{Status: monitoring.StatusHealthy}, true, true},
		{"degraded", staticHealth{Status: monitoring.StatusDegraded, Checks: map[string]string{"relay_breakers": "open"}}, true, true},
		{"unhealthy", staticHealth{Status: monitoring.StatusUnhealthy}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(t, NewSpaceHandler(new(MockSpaceService), nil, tt.health, nil))

			w, _ := do(router, http.MethodGet, "/health", "")
			assert.Equal(t, tt.healthy, w.Code == http.StatusOK)

			w, body := do(router, http.MethodGet, "/ready", "")
			assert.Equal(t, tt.ready, w.Code == http.StatusOK)
			assert.Equal(t, tt.ready, body["ready"])
		})
	}
}

func TestSpaceHandler_ControlAuth(t *testing.T) {
	auth := services.NewAuthService("secret", testPeer, time.Minute)
	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	svc := new(MockSpaceService)
	svc.On("Identity").Return(domain.NodeID(testPeer))
	svc.On("CloseSpace", mock.Anything, testSpace).Return(nil).Once()
	router := setupRouter(t, NewSpaceHandler(svc, nil, nil, middleware.ControlMiddleware(auth)))
	NewAuthHandler(auth).SetupRoutes(router)

	// reads stay open
	w, body := do(router, http.MethodGet, "/api/v1/identity", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testPeer, body["public_key"])

	path := "/api/v1/spaces/" + string(testSpace) + "/close"
	w, _ = do(router, http.MethodPost, path, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(router, http.MethodPost, path, "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = do(router, http.MethodPost, "/api/v1/auth/refresh", "", "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 60, body["expires_in"])
	refreshed, err := auth.ValidateToken(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "alice", refreshed.Operator)

	w, _ = do(router, http.MethodPost, "/api/v1/auth/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	svc.AssertExpectations(t)
}
