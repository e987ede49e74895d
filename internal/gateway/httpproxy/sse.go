package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sseConnectTimeout bounds how long HandleEvents retries a failed upstream
// connection, mirroring original_source's 20s budget in
// proxy_opencode_events. It does not bound the stream once connected.
const sseConnectTimeout = 20 * time.Second

// HandleEvents proxies GET /session/:id/events, the agent's Server-Sent
// Events stream, for any active session, retrying the upstream connection
// instead of failing the first attempt.
func (p *Proxy) HandleEvents(c *gin.Context) {
	sessionID := c.Param("id")
	id, err := uuid.Parse(sessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	s, err := p.repo.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if !s.Status.IsActive() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is not active"})
		return
	}

	url := fmt.Sprintf("http://localhost:%d/event", s.AgentPort)
	ctx, cancel := context.WithTimeout(c.Request.Context(), sseConnectTimeout)
	defer cancel()

	upstream, err := p.dialSSEWithRetry(c.Request.Context(), ctx, url)
	if err != nil {
		p.log.Warn("sse proxy: upstream unreachable", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent event stream unavailable"})
		return
	}
	defer upstream.Body.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	reader := bufio.NewReader(upstream.Body)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := c.Writer.Write(line); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// dialSSEWithRetry retries a failed connection attempt with a linear
// backoff (100ms * attempt, capped at 2s) until retryCtx expires, so a
// client that connects the instant a session flips to Starting doesn't see
// a spurious failure before the agent process has bound its port. The
// request itself is bound to reqCtx, so the returned stream lives as long
// as the client request.
func (p *Proxy) dialSSEWithRetry(reqCtx, retryCtx context.Context, url string) (*http.Response, error) {
	attempt := 0
	for {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			return resp, nil
		}
		attempt++
		backoff := time.Duration(attempt) * 100 * time.Millisecond
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
		select {
		case <-retryCtx.Done():
			return nil, retryCtx.Err()
		case <-time.After(backoff):
		}
	}
}
