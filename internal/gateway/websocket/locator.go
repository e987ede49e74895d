package websocket

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/session/repository"
)

// NewRepositoryPortLocator builds a SessionPortLocator backed directly by
// the session repository: the terminal proxy only needs the ttyd port of an
// active session, not the full engine.
func NewRepositoryPortLocator(repo repository.Repository) SessionPortLocator {
	return repositoryPortLocator{repo: repo}
}

type repositoryPortLocator struct {
	repo repository.Repository
}

func (l repositoryPortLocator) TerminalPort(ctx context.Context, sessionID string) (int, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return 0, fmt.Errorf("invalid session id: %w", err)
	}
	s, err := l.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !s.Status.IsActive() {
		return 0, fmt.Errorf("session %s is not active (status=%s)", sessionID, s.Status)
	}
	if s.TTYDPort == 0 {
		return 0, fmt.Errorf("session %s has no terminal port assigned", sessionID)
	}
	return s.TTYDPort, nil
}
