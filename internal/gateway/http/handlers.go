package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/apierr"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/engine"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// userIDHeader is the identity the gateway trusts, set by whatever
// authentication layer sits in front of this service — session-cookie and
// invite-code handling are out of scope per SPEC_FULL.md §1.
const userIDHeader = "X-Kandev-User-Id"

// Handler contains HTTP handlers for the session API.
type Handler struct {
	engine *engine.Engine
	repo   repository.Repository
	logger *logger.Logger
}

// NewHandler creates a new session API handler.
func NewHandler(eng *engine.Engine, repo repository.Repository, log *logger.Logger) *Handler {
	return &Handler{
		engine: eng,
		repo:   repo,
		logger: log.WithFields(zap.String("component", "session-api")),
	}
}

func userID(c *gin.Context) (string, bool) {
	id := c.GetHeader(userIDHeader)
	if id == "" {
		writeError(c, apierr.New(apierr.CodeUnauthorized, userIDHeader+" header is required"))
		return "", false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	apiErr := apierr.Categorize(err)
	c.JSON(apiErr.HTTPStatus(), v1.ErrorResponse{
		Code:    string(apiErr.Code),
		Message: apiErr.Message,
	})
}

func toSessionResponse(s *session.Session) v1.SessionResponse {
	return v1.SessionResponse{
		ID:             s.ID.String(),
		ReadableID:     s.ReadableID,
		UserID:         s.UserID,
		WorkspacePath:  s.WorkspacePath,
		RuntimeMode:    string(s.RuntimeMode),
		Status:         string(s.Status),
		Image:          s.Image,
		ImageDigest:    s.ImageDigest,
		AgentPort:      s.AgentPort,
		FileserverPort: s.FileserverPort,
		TTYDPort:       s.TTYDPort,
		MmryPort:       s.MmryPort,
		CreatedAt:      s.CreatedAt,
		StartedAt:      s.StartedAt,
		StoppedAt:      s.StoppedAt,
		LastActivityAt: s.LastActivityAt,
		ErrorMessage:   s.ErrorMessage,
	}
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, apierr.New(apierr.CodeValidation, "invalid session id"))
		return uuid.UUID{}, false
	}
	return id, true
}

// ListSessions returns the caller's sessions.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	sessions, err := h.repo.ListForUser(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]v1.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, v1.ListSessionsResponse{Sessions: resp, Total: len(resp)})
}

// CreateSession creates and starts a new session for the caller.
// POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.CodeValidation, err.Error()))
		return
	}
	s, err := h.engine.CreateSession(c.Request.Context(), uid, req.WorkspacePath, session.RuntimeMode(req.RuntimeMode), req.Image)
	if err != nil {
		if s == nil {
			writeError(c, err)
			return
		}
		// Session row exists but failed to reach Running; report it with
		// its stored status rather than hiding it behind a bare error.
		c.JSON(http.StatusCreated, toSessionResponse(s))
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(s))
}

// GetOrCreateSession returns the caller's existing running session for the
// workspace or creates one.
// POST /sessions/get-or-create
func (h *Handler) GetOrCreateSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.CodeValidation, err.Error()))
		return
	}
	s, err := h.engine.GetOrCreateSession(c.Request.Context(), uid, req.WorkspacePath, session.RuntimeMode(req.RuntimeMode), req.Image)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// GetOrCreateSessionForWorkspace is GetOrCreateSession with concurrent
// requests for the same workspace collapsed via singleflight.
// POST /sessions/get-or-create-for-workspace
func (h *Handler) GetOrCreateSessionForWorkspace(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.CodeValidation, err.Error()))
		return
	}
	s, err := h.engine.GetOrCreateSessionForWorkspace(c.Request.Context(), uid, req.WorkspacePath, session.RuntimeMode(req.RuntimeMode), req.Image)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// GetSession returns a single session by id.
// GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	s, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// DeleteSession stops (if active) and permanently removes a session.
// DELETE /sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	if err := h.engine.DeleteSession(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StopSession stops a session's processes/container without deleting it.
// POST /sessions/:id/stop
func (h *Handler) StopSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	if err := h.engine.StopSession(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResumeSession restarts a Stopped/Failed session.
// POST /sessions/:id/resume
func (h *Handler) ResumeSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	s, err := h.engine.ResumeSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// UpgradeSession re-pulls a container-mode session's image and recreates
// its container.
// POST /sessions/:id/upgrade
func (h *Handler) UpgradeSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	s, err := h.engine.UpgradeSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s))
}

// TouchActivity resets a session's idle-timeout clock.
// POST /sessions/:id/activity
func (h *Handler) TouchActivity(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	if err := h.engine.TouchActivity(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
