package http

import (
	"context"
	"net/http"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/internal/core/services"
	"relayspaces/internal/infrastructure/monitoring"
	"relayspaces/pkg/errors"
	"relayspaces/pkg/utils"
	"relayspaces/pkg/validation"

	"github.com/gin-gonic/gin"
)

// HealthReporter is the part of the health checker the API exposes.
type HealthReporter interface {
	CheckAll(ctx context.Context) monitoring.HealthStatus
}

type SpaceHandler struct {
	spaces  ports.SpaceService
	summary *services.MetricsService
	health  HealthReporter
	control gin.HandlerFunc
}

// NewSpaceHandler builds the control API. control guards the mutating
// routes and may be nil; so may summary and health.
func NewSpaceHandler(
	spaces ports.SpaceService,
	summary *services.MetricsService,
	health HealthReporter,
	control gin.HandlerFunc,
) *SpaceHandler {
	if control == nil {
		control = func(c *gin.Context) { c.Next() }
	}
	return &SpaceHandler{
		spaces:  spaces,
		summary: summary,
		health:  health,
		control: control,
	}
}

var _ ports.HTTPHandler = (*SpaceHandler)(nil)

func (h *SpaceHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.GET("/identity", h.Identity)
		api.GET("/spaces", h.ListSpaces)
		api.GET("/spaces/:id", h.GetSpace)
		api.GET("/spaces/:id/metrics", h.GetSpaceMetrics)
	}

	control := api.Group("", h.control)
	{
		control.POST("/spaces", h.CreateSpace)
		control.POST("/spaces/:id/join", h.JoinSpace)
		control.POST("/spaces/:id/leave", h.LeaveSpace)
		control.POST("/spaces/:id/close", h.CloseSpace)
		control.POST("/spaces/:id/mute", h.ToggleMute)
		control.POST("/spaces/:id/speech", h.RequestSpeech)
		control.POST("/spaces/:id/peers/:peer/:op", h.Moderate)
	}
}

func (h *SpaceHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy})
		return
	}
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status == monitoring.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Ready only fails when a required check fails; a degraded node still
// takes traffic.
func (h *SpaceHandler) Ready(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	status := h.health.CheckAll(c.Request.Context())
	ready := status.Status != monitoring.StatusUnhealthy
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "status": status.Status, "checks": status.Checks})
}

func (h *SpaceHandler) Identity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.spaces.Identity()})
}

func spaceID(c *gin.Context) (domain.SpaceID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSpaceID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SpaceID(id), true
}

func (h *SpaceHandler) ListSpaces(c *gin.Context) {
	spaces, err := h.spaces.ListActiveSpaces(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if spaces == nil {
		spaces = []domain.SpaceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"spaces": spaces})
}

func (h *SpaceHandler) CreateSpace(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.Name = utils.SanitizeString(req.Name)
	if err := validation.ValidateSpaceName(req.Name); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	status, err := h.spaces.CreateSpace(c.Request.Context(), req.Name)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"space": status})
}

func (h *SpaceHandler) GetSpace(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	status, err := h.spaces.GetSpace(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"space": status})
}

func (h *SpaceHandler) GetSpaceMetrics(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	if h.summary == nil {
		_ = c.Error(errors.NewServiceUnavailableError("metrics are disabled"))
		return
	}
	if _, err := h.spaces.GetSpace(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": h.summary.GetSpaceMetrics(id)})
}

func (h *SpaceHandler) JoinSpace(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	status, err := h.spaces.JoinSpace(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"space": status})
}

func (h *SpaceHandler) LeaveSpace(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	if err := h.spaces.LeaveSpace(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *SpaceHandler) CloseSpace(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	if err := h.spaces.CloseSpace(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (h *SpaceHandler) ToggleMute(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	muted, err := h.spaces.ToggleMute(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *SpaceHandler) RequestSpeech(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	if err := h.spaces.RequestSpeech(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

var moderationOps = map[string]domain.ActionKind{
	"promote": domain.ActionPromoteSpeaker,
	"cohost":  domain.ActionPromoteCoHost,
	"demote":  domain.ActionDemote,
	"remove":  domain.ActionRemovePeer,
}

func (h *SpaceHandler) Moderate(c *gin.Context) {
	id, ok := spaceID(c)
	if !ok {
		return
	}
	peer := c.Param("peer")
	if err := validation.ValidatePublicKey(peer); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	op := c.Param("op")
	if err := validation.ValidateModeration(op); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.spaces.Moderate(c.Request.Context(), id, domain.NodeID(peer), moderationOps[op]); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "published", "op": moderationOps[op]})
}
