// Package v1 defines the wire-level request/response shapes the session
// gateway exposes, kept separate from internal/session.Session so the API
// contract can evolve independently of the persisted entity.
package v1

import "time"

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	WorkspacePath string `json:"workspace_path" binding:"required"`
	RuntimeMode   string `json:"runtime_mode,omitempty"`
	Image         string `json:"image,omitempty"`
}

// SessionResponse is the JSON representation of a session returned by every
// session endpoint (create, get, list, resume, upgrade).
type SessionResponse struct {
	ID             string     `json:"id"`
	ReadableID     string     `json:"readable_id"`
	UserID         string     `json:"user_id"`
	WorkspacePath  string     `json:"workspace_path"`
	RuntimeMode    string     `json:"runtime_mode"`
	Status         string     `json:"status"`
	Image          string     `json:"image,omitempty"`
	ImageDigest    string     `json:"image_digest,omitempty"`
	AgentPort      int        `json:"agent_port,omitempty"`
	FileserverPort int        `json:"fileserver_port,omitempty"`
	TTYDPort       int        `json:"ttyd_port,omitempty"`
	MmryPort       int        `json:"mmry_port,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// ListSessionsResponse is the body of GET /api/v1/sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// ErrorResponse is the uniform error envelope every failed request gets,
// mirroring apierr.ApiError's exported fields.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}
