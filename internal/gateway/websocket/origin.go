package websocket

import (
	"net/http"
	"strings"
)

// checkWebSocketOrigin allows same-origin requests and local development
// origins, and rejects everything else. Browsers always send an Origin
// header on cross-origin WebSocket upgrades; a same-process health check or
// a non-browser client legitimately omits it.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := stripScheme(origin)
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		return true
	}
	return hostWithoutPort(host) == hostWithoutPort(r.Host)
}

func stripScheme(origin string) string {
	if i := strings.Index(origin, "://"); i != -1 {
		return origin[i+3:]
	}
	return origin
}

func hostWithoutPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}
