package websocket

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckWebSocketOriginNoHeaderAllowed(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/session/x/term", nil)
	assert.True(t, checkWebSocketOrigin(req))
}

func TestCheckWebSocketOriginLocalhostAllowed(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/session/x/term", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, checkWebSocketOrigin(req))
}

func TestCheckWebSocketOriginSameHostAllowed(t *testing.T) {
	req := httptest.NewRequest("GET", "http://gateway.internal/session/x/term", nil)
	req.Host = "gateway.internal:8080"
	req.Header.Set("Origin", "https://gateway.internal")
	assert.True(t, checkWebSocketOrigin(req))
}

func TestCheckWebSocketOriginCrossSiteRejected(t *testing.T) {
	req := httptest.NewRequest("GET", "http://gateway.internal/session/x/term", nil)
	req.Host = "gateway.internal:8080"
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, checkWebSocketOrigin(req))
}
