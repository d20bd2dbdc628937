package http

import (
	"net/http"

	"relayspaces/internal/core/services"
	"relayspaces/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

// AuthHandler lets an operator holding a valid token extend it.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth", middleware.AuthMiddleware(h.authService))
	{
		api.POST("/refresh", h.RefreshToken)
	}
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	accessToken, err := h.authService.GenerateToken(middleware.Operator(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   int(h.authService.TTL().Seconds()),
	})
}
