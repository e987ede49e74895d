package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// terminalUpgrader upgrades inbound browser connections to the gateway's
// terminal passthrough endpoint.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

const (
	// Input frame prefix: remainder of the text frame is raw keystrokes.
	inputFramePrefix = '0'
	// Resize frame prefix: remainder of the text frame is a JSON ResizePayload.
	resizeFramePrefix = '1'

	terminalDialTimeout   = 5 * time.Second
	terminalDialMaxWait   = 60 * time.Second
	terminalDialRetryWait = 500 * time.Millisecond
)

// ResizePayload carries the client's terminal dimensions.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SessionPortLocator resolves the local ttyd port for a running session.
type SessionPortLocator interface {
	TerminalPort(ctx context.Context, sessionID string) (int, error)
}

// TerminalHandler proxies a browser WebSocket connection to the ttyd
// instance running inside a session's runtime (container or local process).
type TerminalHandler struct {
	sessions SessionPortLocator
	logger   *logger.Logger
}

// NewTerminalHandler creates a terminal proxy handler.
func NewTerminalHandler(sessions SessionPortLocator, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "ws_terminal")),
	}
}

// handleTerminalWS upgrades the inbound connection and relays bytes to and
// from the session's ttyd socket until either side closes.
func (h *TerminalHandler) handleTerminalWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	port, err := h.dialTarget(ctx, sessionID)
	if err != nil {
		h.logger.Error("terminal target unavailable",
			zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "terminal not ready", http.StatusServiceUnavailable)
		return
	}

	clientConn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade terminal connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	backendURL := fmt.Sprintf("ws://localhost:%d/ws", port)
	dialer := gorillaws.Dialer{
		Subprotocols:     []string{"tty"},
		HandshakeTimeout: terminalDialTimeout,
	}
	backendConn, _, err := dialer.DialContext(ctx, backendURL, nil)
	if err != nil {
		h.logger.Error("failed to dial backend terminal",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer backendConn.Close()

	var once sync.Once
	done := make(chan struct{})
	closeBoth := func() { once.Do(func() { close(done) }) }

	go h.relayClientToBackend(clientConn, backendConn, closeBoth)
	go h.relayBackendToClient(backendConn, clientConn, closeBoth)

	<-done
}

// dialTarget waits for the session's terminal port to become available,
// retrying with a fixed backoff up to terminalDialMaxWait.
func (h *TerminalHandler) dialTarget(ctx context.Context, sessionID string) (int, error) {
	deadline := time.Now().Add(terminalDialMaxWait)
	for {
		port, err := h.sessions.TerminalPort(ctx, sessionID)
		if err == nil {
			return port, nil
		}
		if time.Now().After(deadline) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(terminalDialRetryWait):
		}
	}
}

// relayClientToBackend strips the gateway's framing prefix and forwards
// input/resize frames to ttyd in its own wire format.
func (h *TerminalHandler) relayClientToBackend(client, backend *gorillaws.Conn, closeBoth func()) {
	defer closeBoth()
	for {
		msgType, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		if msgType != gorillaws.TextMessage || len(data) == 0 {
			continue
		}

		prefix, payload := data[0], data[1:]
		switch prefix {
		case inputFramePrefix:
			if err := backend.WriteMessage(gorillaws.TextMessage, append([]byte{'0'}, payload...)); err != nil {
				return
			}
		case resizeFramePrefix:
			var resize ResizePayload
			if err := json.Unmarshal(payload, &resize); err != nil {
				h.logger.Debug("invalid resize payload", zap.Error(err))
				continue
			}
			frame, err := json.Marshal(resize)
			if err != nil {
				continue
			}
			if err := backend.WriteMessage(gorillaws.TextMessage, append([]byte{'1'}, frame...)); err != nil {
				return
			}
		}
	}
}

// relayBackendToClient forwards ttyd output frames back to the browser,
// stripping ttyd's own leading type byte and re-framing as plain output.
func (h *TerminalHandler) relayBackendToClient(backend, client *gorillaws.Conn, closeBoth func()) {
	defer closeBoth()
	for {
		msgType, data, err := backend.ReadMessage()
		if err != nil {
			return
		}
		if msgType != gorillaws.BinaryMessage && msgType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		if err := client.WriteMessage(gorillaws.TextMessage, data[1:]); err != nil {
			return
		}
	}
}
