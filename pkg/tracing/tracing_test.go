package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "relayspaces", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpan_Attributes(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := TracePublish(context.Background(), 31103, "space-1")
	AddSpanAttributes(ctx, PeerIDKey.String("abc"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.publish", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), KindKey.Int(31103))
	assert.Contains(t, ended[0].Attributes(), SpaceIDKey.String("space-1"))
	assert.Contains(t, ended[0].Attributes(), PeerIDKey.String("abc"))
}

func TestRecordError(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "space.reserve")
	RecordError(ctx, errors.New("refused"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "refused", ended[0].Status().Description)
}

func TestSpanHelpers(t *testing.T) {
	recorder := recordSpans(t)

	tests := []struct {
		name  string
		start func() (context.Context, func())
		want  string
	}{
		{"http", func() (context.Context, func()) {
			ctx, s := TraceHTTPRequest(context.Background(), "GET", "/api/v1/spaces")
			return ctx, func() { s.End() }
		}, "http.GET"},
		{"relay", func() (context.Context, func()) {
			ctx, s := TraceRelayMessage(context.Background(), "REQ", "wss://relay.example")
			return ctx, func() { s.End() }
		}, "relay.REQ"},
		{"webrtc", func() (context.Context, func()) {
			ctx, s := TraceWebRTC(context.Background(), "create_offer", "peer-123")
			return ctx, func() { s.End() }
		}, "webrtc.create_offer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, end := tt.start()
			SetSpanStatus(ctx, codes.Ok, "")
			MeasureDuration(ctx, time.Now().Add(-time.Millisecond), tt.name)
			end()
		})
	}

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"http.GET", "relay.REQ", "webrtc.create_offer"}, names)

	last := recorder.Ended()[2]
	assert.Contains(t, last.Attributes(), attribute.String("operation", "webrtc"))
}
