package ports

import "github.com/gin-gonic/gin"

type HTTPHandler interface {
	SetupRoutes(router *gin.Engine)
	ListSpaces(c *gin.Context)
	CreateSpace(c *gin.Context)
	GetSpace(c *gin.Context)
	JoinSpace(c *gin.Context)
	LeaveSpace(c *gin.Context)
	CloseSpace(c *gin.Context)
	ToggleMute(c *gin.Context)
	RequestSpeech(c *gin.Context)
	Moderate(c *gin.Context)
}
