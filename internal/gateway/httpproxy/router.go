package httpproxy

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/session/repository"
)

// SetupRoutes registers the per-session HTTP proxy surface: the agent's
// HTTP API, the file server, and its SSE event stream, each rewritten onto
// that session's own localhost ports. The terminal WebSocket proxy is a
// separate concern, registered by internal/gateway/websocket against the
// same "/session/:id" prefix.
func SetupRoutes(router gin.IRouter, repo repository.Repository, log *logger.Logger) {
	p := New(repo, log)

	group := router.Group("/session/:id")
	{
		group.Any("/code/*path", p.HandleAgent)
		group.Any("/files/*path", p.HandleFiles)
		group.GET("/events", p.HandleEvents)
	}
}
