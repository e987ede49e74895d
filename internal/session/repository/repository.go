// Package repository defines the durable Session store: a map from session
// id to Session plus the secondary Workspace Location mapping, backed by
// SQLite (default) or PostgreSQL via the shared db.Pool/dialect helpers.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/session"
)

// Repository is the durable store of sessions and workspace locations.
// All mutators must be idempotent against re-entry: the reconciler and
// cleanup loops call them freely.
type Repository interface {
	Create(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
	List(ctx context.Context) ([]*session.Session, error)
	ListForUser(ctx context.Context, userID string) ([]*session.Session, error)
	ListActive(ctx context.Context) ([]*session.Session, error)
	ListRunningForUser(ctx context.Context, userID string) ([]*session.Session, error)
	FindResumableSession(ctx context.Context, userID, workspacePath string) (*session.Session, error)
	FindRunningForWorkspace(ctx context.Context, userID, workspacePath string) (*session.Session, error)
	FindLatestStoppedForWorkspace(ctx context.Context, userID, workspacePath string) (*session.Session, error)
	ListIdleSessions(ctx context.Context, threshold time.Duration) ([]*session.Session, error)
	ListIdleSessionsForUser(ctx context.Context, userID string, threshold time.Duration) ([]*session.Session, error)
	ListStaleStoppedSessions(ctx context.Context, olderThan time.Duration) ([]*session.Session, error)
	CountRunningForUser(ctx context.Context, userID string) (int, error)

	// UpdateStatus performs a compare-and-swap on status: it only applies
	// when the row's current status equals fromAny (or fromAny is empty,
	// meaning "any status"). Returns false if no row matched.
	UpdateStatus(ctx context.Context, id uuid.UUID, fromAny []session.Status, to session.Status) (bool, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	MarkStopped(ctx context.Context, id uuid.UUID) error
	UpdatePorts(ctx context.Context, id uuid.UUID, agentPort, fileserverPort, ttydPort, agentBasePort, mmryPort int) error
	UpdateContainerID(ctx context.Context, id uuid.UUID, containerID, containerName string) error
	UpdatePIDs(ctx context.Context, id uuid.UUID, pids string) error
	UpdateImageDigest(ctx context.Context, id uuid.UUID, image, digest string) error
	UpdateEAVSKey(ctx context.Context, id uuid.UUID, keyID, keyHash string) error
	TouchActivity(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error

	// ListActivePorts returns the active-session port triples, used by
	// the port allocator's free-window scan.
	ListActivePorts(ctx context.Context) ([][3]int, error)

	// Workspace Location mapping.
	GetWorkspaceLocation(ctx context.Context, userID, workspacePath string) (*session.WorkspaceLocation, error)
	UpsertWorkspaceLocation(ctx context.Context, loc *session.WorkspaceLocation) error

	// GetOrAllocateLinuxUID returns the durable Linux UID for userID,
	// allocating the next free one at or above uidStart on first call.
	GetOrAllocateLinuxUID(ctx context.Context, userID string, uidStart int) (int, error)
}

// ErrNotFound is returned by Get, the Find* lookups, GetWorkspaceLocation
// and Delete when no row matches. The Update*/Mark*/TouchActivity mutators
// return nil when no row matches.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "session not found" }
