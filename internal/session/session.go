// Package session defines the central Session entity of the orchestrator:
// a per-user development workspace bundling a code-agent process, a file
// server, and a terminal server, running either inside a container or as a
// group of native processes under a dedicated Linux user.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/common/stringutil"
	"github.com/kandev/kandev/internal/session/readableid"
)

// maxErrorMessageLen bounds how much of a failure's error chain is kept on
// the session row; container/process errors can wrap a long chain of
// causes and the column isn't meant to be a log store.
const maxErrorMessageLen = 2048

// RuntimeMode selects how a session's processes are hosted.
type RuntimeMode string

const (
	RuntimeModeContainer RuntimeMode = "container"
	RuntimeModeLocal     RuntimeMode = "local"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// ActiveStatuses is the set of statuses counted against per-user caps and
// protected by the port-uniqueness invariant.
var ActiveStatuses = []Status{StatusPending, StatusStarting, StatusRunning}

// IsActive reports whether s is one of the statuses in ActiveStatuses.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusStarting, StatusRunning:
		return true
	default:
		return false
	}
}

// Session is the central entity of the orchestrator.
type Session struct {
	ID         uuid.UUID
	ReadableID string

	// Ownership.
	UserID        string
	WorkspacePath string

	// Runtime.
	RuntimeMode   RuntimeMode
	ContainerID   string // container mode
	ContainerName string // container mode
	PIDs          string // local mode: comma-separated PIDs

	// Image (container mode).
	Image       string
	ImageDigest string

	// Networking. All three primary ports are required and unique among
	// active sessions.
	AgentPort      int
	FileserverPort int
	TTYDPort       int
	AgentBasePort  int // optional: base of a sub-agent port window
	MaxAgents      int // optional: width of that window
	MmryPort       int // optional

	// Credentials. The raw virtual key is never persisted.
	EAVSKeyID   string
	EAVSKeyHash string

	// Lifecycle.
	Status          Status
	CreatedAt       time.Time
	StartedAt       *time.Time
	StoppedAt       *time.Time
	LastActivityAt  time.Time
	ErrorMessage    string
}

// New constructs a fresh Pending session with a generated id and readable
// alias. Callers fill in the remaining fields before insertion.
func New(userID, workspacePath string, mode RuntimeMode) *Session {
	id := uuid.New()
	now := time.Now()
	return &Session{
		ID:             id,
		ReadableID:     readableid.FromUUID(id),
		UserID:         userID,
		WorkspacePath:  workspacePath,
		RuntimeMode:    mode,
		Status:         StatusPending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Ports returns the session's three primary ports, in the canonical order
// used by the port allocator (agent, fileserver, ttyd).
func (s *Session) Ports() [3]int {
	return [3]int{s.AgentPort, s.FileserverPort, s.TTYDPort}
}

// MarkRunning transitions the session to Running, stamping StartedAt on
// first entry and clearing any prior error.
func (s *Session) MarkRunning() {
	if s.StartedAt == nil {
		now := time.Now()
		s.StartedAt = &now
	}
	s.Status = StatusRunning
	s.ErrorMessage = ""
}

// MarkFailed transitions the session to Failed, recording msg.
func (s *Session) MarkFailed(msg string) {
	s.Status = StatusFailed
	s.ErrorMessage = stringutil.TruncateStringWithEllipsis(msg, maxErrorMessageLen)
	s.stampStopped()
}

// MarkStopped transitions the session to Stopped.
func (s *Session) MarkStopped() {
	s.Status = StatusStopped
	s.stampStopped()
}

func (s *Session) stampStopped() {
	if s.StoppedAt == nil {
		now := time.Now()
		s.StoppedAt = &now
	}
}

// WorkspaceLocation maps a logical (user, workspace_path) pair to a
// concrete filesystem path and kind, consulted when the literal path does
// not exist on disk.
type WorkspaceLocation struct {
	UserID        string
	WorkspacePath string
	ConcretePath  string
	Kind          string // e.g. "local", "remote"
}
