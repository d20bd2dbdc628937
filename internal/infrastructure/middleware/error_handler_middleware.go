package middleware

import (
	"net/http"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/services"
	"relayspaces/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DomainErrors maps the errors surfaced by the space service to API errors.
var DomainErrors = []errors.Mapping{
	{Target: domain.ErrSpaceNotFound, Build: func(error) *errors.AppError { return errors.NewNotFoundError("space") }},
	{Target: domain.ErrNodeNotFound, Build: func(error) *errors.AppError { return errors.NewNotFoundError("peer") }},
	{Target: domain.ErrSpaceExists, Build: func(error) *errors.AppError { return errors.NewConflictError("space already running on this node") }},
	{Target: domain.ErrNotAuthorized, Build: func(error) *errors.AppError { return errors.NewForbiddenError("only the host or a co-host may moderate") }},
	{Target: domain.ErrInvalidEvent, Build: func(err error) *errors.AppError { return errors.NewInvalidInputError(err.Error()) }},
	{Target: domain.ErrSpaceClosed, Build: func(error) *errors.AppError { return errors.NewGoneError("space is closed") }},
	{Target: domain.ErrNoCandidate, Build: func(error) *errors.AppError { return errors.NewServiceUnavailableError("no peer can take another listener") }},
	{Target: domain.ErrChannelNotOpen, Build: func(error) *errors.AppError { return errors.NewServiceUnavailableError("signaling channel is not open") }},
	{Target: domain.ErrNoRelays, Build: func(error) *errors.AppError { return errors.NewServiceUnavailableError("no relay accepted the event") }},
	{Target: services.ErrInvalidToken, Build: func(error) *errors.AppError { return errors.NewUnauthorizedError("invalid token") }},
	{Target: services.ErrExpiredToken, Build: func(error) *errors.AppError { return errors.NewUnauthorizedError("token expired") }},
}

// ErrorHandlerMiddleware turns the last error a handler attached into a JSON
// response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.Translate(c.Errors.Last().Err, DomainErrors...)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", appErr.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
