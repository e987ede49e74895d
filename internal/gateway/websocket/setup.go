package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/common/logger"
	ws "github.com/kandev/kandev/pkg/websocket"
)

// Gateway represents the unified WebSocket gateway
type Gateway struct {
	Hub             *Hub
	Dispatcher      *ws.Dispatcher
	Handler         *Handler
	TerminalHandler *TerminalHandler
	logger          *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	// Register health check handler
	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetSessionPortLocator enables the dedicated terminal WebSocket proxy.
// This must be called before SetupRoutes if terminal passthrough is needed.
func (g *Gateway) SetSessionPortLocator(sessions SessionPortLocator) {
	g.TerminalHandler = NewTerminalHandler(sessions, g.logger)
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
	router.GET("/sessions/updates", g.Handler.HandleConnection)
	router.GET("/sessions/:id/update", g.Handler.HandleConnection)

	// Add dedicated terminal WebSocket route if terminal handler is configured
	if g.TerminalHandler != nil {
		router.GET("/session/:id/term", func(c *gin.Context) {
			g.TerminalHandler.handleTerminalWS(c.Writer, c.Request, c.Param("id"))
		})
	}
}
