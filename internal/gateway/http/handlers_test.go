package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestToSessionResponseMapsAllFields(t *testing.T) {
	started := time.Now().Add(-time.Hour)
	s := &session.Session{
		ID:             uuid.New(),
		ReadableID:     "swift-otter",
		UserID:         "user-1",
		WorkspacePath:  "/workspaces/demo",
		RuntimeMode:    session.RuntimeModeContainer,
		Status:         session.StatusRunning,
		Image:          "kandev/session-base:latest",
		ImageDigest:    "sha256:abc",
		AgentPort:      41820,
		FileserverPort: 41821,
		TTYDPort:       41822,
		MmryPort:       41823,
		CreatedAt:      started,
		StartedAt:      &started,
		LastActivityAt: started,
		ErrorMessage:   "",
	}

	resp := toSessionResponse(s)

	assert.Equal(t, s.ID.String(), resp.ID)
	assert.Equal(t, "swift-otter", resp.ReadableID)
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, "container", resp.RuntimeMode)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 41820, resp.AgentPort)
	assert.Equal(t, 41822, resp.TTYDPort)
	assert.Equal(t, s.StartedAt, resp.StartedAt)
}

func TestParseSessionIDRejectsInvalidUUID(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}

	_, ok := parseSessionID(c)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseSessionIDAcceptsValidUUID(t *testing.T) {
	id := uuid.New()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	got, ok := parseSessionID(c)

	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestUserIDRejectsMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	_, ok := userID(c)

	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserIDReadsHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set(userIDHeader, "user-42")
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	got, ok := userID(c)

	assert.True(t, ok)
	assert.Equal(t, "user-42", got)
}

func TestHealthRoute(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, nil, nil, logger.Default())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kandev-session-engine")
}
