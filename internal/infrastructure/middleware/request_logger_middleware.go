package middleware

import (
	"time"

	"relayspaces/pkg/logger"
	"relayspaces/pkg/utils"

	"github.com/gin-gonic/gin"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags each request with an id and logs it once it
// completes, together with the space and peer it addressed.
func RequestLoggerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)

		ctx := logger.WithRequestID(c.Request.Context(), id)
		if space := c.Param("id"); space != "" {
			ctx = logger.WithSpaceID(ctx, space)
		}
		if peer := c.Param("peer"); peer != "" {
			ctx = logger.WithPeerID(ctx, peer)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		log.LogRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
