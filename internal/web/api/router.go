package api

import (
	"github.com/gin-gonic/gin"

	"github.com/openacd/openacd/internal/common/logger"
)

// SetupRoutes wires the agent web channel onto the router.
func SetupRoutes(router *gin.Engine, h *Handler, log *logger.Logger) {
	router.Use(RequestLogger(log))

	router.POST("/login", h.Login)
	router.POST("/api", h.Api)
	router.POST("/poll", h.Poll)
	router.POST("/logout", h.Logout)

	supervisor := router.Group("/supervisor")
	{
		supervisor.GET("/agents", h.SupervisorAgents)
	}

	router.GET("/ws", h.EventFeed)
}
