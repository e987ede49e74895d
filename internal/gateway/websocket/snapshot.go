package websocket

import (
	"context"

	"github.com/google/uuid"

	ws "github.com/kandev/kandev/pkg/websocket"
	"github.com/kandev/kandev/internal/session/repository"
)

// NewRepositorySnapshotProvider builds a SnapshotProvider that replays a
// session's current persisted state as a session.updated notification, so
// a client that subscribes mid-lifecycle doesn't have to wait for the next
// event to render something. Its payload is the flat
// {session_id, user_id, status} map; a live notification instead carries
// the whole bus event, with those fields under its "data" key.
func NewRepositorySnapshotProvider(repo repository.Repository) SnapshotProvider {
	return func(ctx context.Context, sessionID string) (*ws.Message, error) {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			return nil, nil
		}
		s, err := repo.Get(ctx, id)
		if err != nil {
			if err == repository.ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		data := map[string]interface{}{
			"session_id": s.ID.String(),
			"user_id":    s.UserID,
			"status":     string(s.Status),
		}
		return ws.NewNotification(ws.ActionSessionUpdated, data)
	}
}
