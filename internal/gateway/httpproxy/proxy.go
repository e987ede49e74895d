// Package httpproxy rewrites client requests for a session's agent and
// file-server HTTP surfaces onto that session's own localhost ports, and
// its agent event stream (sse.go). The terminal WebSocket is bridged by
// internal/gateway/websocket, not here. Grounded on the teacher's
// internal/gateway/websocket/vscode_proxy.go (cached httputil.ReverseProxy
// per target, invalidated on error) and original_source's
// backend/src/api/proxy.rs (status-gated connect-error translation).
package httpproxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
)

// target names the two HTTP surfaces a session exposes. Only these two are
// proxied here; the terminal surface is a WebSocket, handled by
// internal/gateway/websocket's terminal_handler.go.
type target int

const (
	targetAgent target = iota
	targetFileserver
)

// proxyEntry caches a reverse proxy and the port it was built for, so a
// session whose port changed (resumed, upgraded) gets a fresh proxy
// instead of silently talking to a stale target.
type proxyEntry struct {
	proxy *httputil.ReverseProxy
	port  int
}

// Proxy reverse-proxies HTTP traffic to session-local agent/file ports.
type Proxy struct {
	repo repository.Repository
	log  *logger.Logger

	mu    sync.Mutex
	cache map[string]*proxyEntry // keyed "<sessionID>:<target>"
}

// New constructs a Proxy.
func New(repo repository.Repository, log *logger.Logger) *Proxy {
	return &Proxy{
		repo:  repo,
		log:   log.WithFields(zap.String("component", "httpproxy")),
		cache: make(map[string]*proxyEntry),
	}
}

// HandleAgent proxies GET|POST|PUT|DELETE /session/:id/code/*path to the
// session's agent port.
func (p *Proxy) HandleAgent(c *gin.Context) {
	p.handle(c, targetAgent, "/code")
}

// HandleFiles proxies GET|POST|PUT|DELETE /session/:id/files/*path to the
// session's fileserver port.
func (p *Proxy) HandleFiles(c *gin.Context) {
	p.handle(c, targetFileserver, "/files")
}

func (p *Proxy) handle(c *gin.Context, t target, prefix string) {
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
		p.log.Warn("proxy: session not active", zap.String("session_id", sessionID), zap.String("status", string(s.Status)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is not active"})
		return
	}

	port := agentOrFileserverPort(s, t)
	proxy := p.resolveProxy(sessionID, t, port)

	c.Request.URL.Path = strings.TrimPrefix(c.Request.URL.Path, "/session/"+sessionID+prefix)
	if c.Request.URL.Path == "" {
		c.Request.URL.Path = "/"
	}

	starting := s.Status == session.StatusStarting
	c.Request = c.Request.WithContext(withConnectErrorsAsUnavailable(c.Request.Context(), starting))

	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				p.log.Debug("proxy: client disconnected", zap.String("session_id", sessionID))
				return
			}
			panic(r)
		}
	}()
	proxy.ServeHTTP(c.Writer, c.Request)
}

func agentOrFileserverPort(s *session.Session, t target) int {
	if t == targetAgent {
		return s.AgentPort
	}
	return s.FileserverPort
}

func (p *Proxy) resolveProxy(sessionID string, t target, port int) *httputil.ReverseProxy {
	key := fmt.Sprintf("%s:%d", sessionID, t)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && entry.port == port {
		return entry.proxy
	}

	upstream := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if connectErrorsAsUnavailable(r.Context()) && isConnectError(err) {
			status = http.StatusServiceUnavailable
		}
		p.log.Error("proxy request failed", zap.String("session_id", sessionID), zap.Int("port", port), zap.Error(err))
		p.invalidate(key)
		http.Error(w, "proxy error", status)
	}

	p.cache[key] = &proxyEntry{proxy: proxy, port: port}
	return proxy
}

func (p *Proxy) invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, key)
}

func isConnectError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection refused")
}
