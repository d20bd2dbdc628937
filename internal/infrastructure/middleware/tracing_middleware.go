package middleware

import (
	"time"

	"relayspaces/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware adds tracing to HTTP requests
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if id := c.Param("id"); id != "" {
			span.SetAttributes(tracing.SpaceIDKey.String(id))
		}
		if peer := c.Param("peer"); peer != "" {
			span.SetAttributes(tracing.PeerIDKey.String(peer))
		}

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		tracing.MeasureDuration(ctx, start, "http.request")
		tracing.AddSpanAttributes(ctx,
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
		)
		if operator := Operator(c); operator != "" {
			tracing.AddSpanAttributes(ctx, attribute.String("operator", operator))
		}

		if c.Writer.Status() >= 400 {
			tracing.SetSpanStatus(ctx, codes.Error, c.Errors.String())
		} else {
			tracing.SetSpanStatus(ctx, codes.Ok, "")
		}
	}
}
