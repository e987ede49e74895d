// Package http exposes the session lifecycle engine as a REST API: health,
// session CRUD, and the stop/resume/upgrade/activity lifecycle actions
// named in SPEC_FULL.md §6. Request rewriting onto a session's own
// agent/fileserver/ttyd ports, the session update feed, and the terminal
// proxy are separate concerns, handled by internal/gateway/httpproxy and
// internal/gateway/websocket respectively.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/common/httpmw"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/engine"
	"github.com/kandev/kandev/internal/session/repository"
)

// SetupRoutes registers the session API under router, mirroring the
// teacher's orchestrator API's SetupRoutes(router *gin.RouterGroup, ...)
// shape.
func SetupRoutes(router gin.IRouter, eng *engine.Engine, repo repository.Repository, log *logger.Logger) {
	handler := NewHandler(eng, repo, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "kandev-session-engine"})
	})

	sessions := router.Group("/sessions")
	sessions.Use(httpmw.RequestLogger(log, "session-api"), httpmw.OtelTracing("session-api"))
	{
		sessions.GET("", handler.ListSessions)
		sessions.POST("", handler.CreateSession)
		sessions.POST("/get-or-create", handler.GetOrCreateSession)
		sessions.POST("/get-or-create-for-workspace", handler.GetOrCreateSessionForWorkspace)
		sessions.GET("/:id", handler.GetSession)
		sessions.DELETE("/:id", handler.DeleteSession)
		sessions.POST("/:id/stop", handler.StopSession)
		sessions.POST("/:id/resume", handler.ResumeSession)
		sessions.POST("/:id/upgrade", handler.UpgradeSession)
		sessions.POST("/:id/activity", handler.TouchActivity)
	}
}
