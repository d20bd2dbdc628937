package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/services"
	"relayspaces/pkg/errors"
	"relayspaces/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRouter(t *testing.T, handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.Use(handlers...)
	return router
}

func serve(router *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestErrorHandlerMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   errors.ErrorCode
	}{
		{"space not found", fmt.Errorf("lookup: %w", domain.ErrSpaceNotFound), http.StatusNotFound, errors.ErrCodeNotFound},
		{"node not found", domain.ErrNodeNotFound, http.StatusNotFound, errors.ErrCodeNotFound},
		{"already running", domain.ErrSpaceExists, http.StatusConflict, errors.ErrCodeConflict},
		{"not host", domain.ErrNotAuthorized, http.StatusForbidden, errors.ErrCodeForbidden},
		{"bad event", domain.ErrInvalidEvent, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"closed", fmt.Errorf("failed to join space: %w", domain.ErrSpaceClosed), http.StatusGone, errors.ErrCodeGone},
		{"no relays", domain.ErrNoRelays, http.StatusServiceUnavailable, errors.ErrCodeServiceUnavailable},
		{"app error", errors.NewInvalidInputError("bad name"), http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, errors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t)
			router.GET("/test", func(c *gin.Context) { _ = c.Error(tt.err) })

			req, _ := http.NewRequest(http.MethodGet, "/test", nil)
			w, body := serve(router, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), body["error"])
		})
	}
}

func TestErrorHandlerMiddleware_KeepsWrittenResponse(t *testing.T) {
	router := newTestRouter(t)
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		_ = c.Error(fmt.Errorf("late"))
	})

	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	w, body := serve(router, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "queued", body["status"])
}

func TestRecoveryMiddleware(t *testing.T) {
	router := newTestRouter(t)
	router.GET("/panic", func(c *gin.Context) { panic("test panic") })

	req, _ := http.NewRequest(http.MethodGet, "/panic", nil)
	w, body := serve(router, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(errors.ErrCodeInternal), body["error"])
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", "node-a", time.Minute)
	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, AuthMiddleware(auth))
			router.GET("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"operator": Operator(c)})
			})

			req, _ := http.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w, body := serve(router, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", body["operator"])
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", "node-a", time.Minute)
	token, err := auth.GenerateToken("alice")
	require.NoError(t, err)

	router := newTestRouter(t, OptionalAuthMiddleware(auth))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": Operator(c)})
	})

	for header, want := range map[string]string{
		"":                "",
		"Bearer broken":   "",
		"Bearer " + token: "alice",
	} {
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w, body := serve(router, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, want, body["operator"])
	}
}

func TestControlMiddleware_Disabled(t *testing.T) {
	router := newTestRouter(t, ControlMiddleware(nil))
	router.POST("/test", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req, _ := http.NewRequest(http.MethodPost, "/test", nil)
	w, _ := serve(router, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	router := newTestRouter(t, TracingMiddleware())
	router.GET("/spaces/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	req, _ := http.NewRequest(http.MethodGet, "/spaces/abc", nil)
	w, body := serve(router, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", body["id"])
}

func TestTracingMiddleware_RecordsRequestSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	router := newTestRouter(t, TracingMiddleware())
	router.GET("/spaces/:id", func(c *gin.Context) {
		if c.Param("id") == "missing" {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		id     string
		status int
		code   codes.Code
	}{
		{"abc", http.StatusNoContent, codes.Ok},
		{"missing", http.StatusNotFound, codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "/spaces/"+tt.id, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.status, w.Code)

			ended := recorder.Ended()
			require.NotEmpty(t, ended)
			span := ended[len(ended)-1]
			assert.Equal(t, "http.GET", span.Name())
			assert.Equal(t, tt.code, span.Status().Code)
			assert.Contains(t, span.Attributes(), attribute.String("operation", "http.request"))
			assert.Contains(t, span.Attributes(), attribute.Int("http.status_code", tt.status))
			assert.Contains(t, span.Attributes(), attribute.String("space.id", tt.id))
		})
	}
}

func TestRequestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := newTestRouter(t, RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/spaces/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req, _ := http.NewRequest(http.MethodGet, "/spaces/abc", nil)
	w, _ := serve(router, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	generated := w.Header().Get(RequestIDHeader)
	assert.Contains(t, generated, "req_")

	req, _ = http.NewRequest(http.MethodGet, "/spaces/abc", nil)
	req.Header.Set(RequestIDHeader, "given")
	w, _ = serve(router, req)
	assert.Equal(t, "given", w.Header().Get(RequestIDHeader))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	assert.Equal(t, "given", fields["request_id"])
	assert.Equal(t, "abc", fields["space_id"])
	assert.Equal(t, "/spaces/:id", fields["path"])
	assert.EqualValues(t, http.StatusNoContent, fields["status_code"])
}
