package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/engine"
	"github.com/kandev/kandev/internal/portalloc"
	"github.com/kandev/kandev/internal/prober"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
)

// fakeRepo is a minimal in-memory repository.Repository sufficient to
// exercise the cleanup loops without a real database.
type fakeRepo struct {
	repository.Repository // embed to satisfy the interface; unimplemented methods panic if called

	idle       []*session.Session
	stale      []*session.Session
	active     []*session.Session
	stoppedIDs []uuid.UUID
	deletedIDs []uuid.UUID
}

func (f *fakeRepo) ListIdleSessions(ctx context.Context, threshold time.Duration) ([]*session.Session, error) {
	return f.idle, nil
}

func (f *fakeRepo) ListStaleStoppedSessions(ctx context.Context, olderThan time.Duration) ([]*session.Session, error) {
	return f.stale, nil
}

func (f *fakeRepo) ListActive(ctx context.Context) ([]*session.Session, error) {
	return f.active, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id uuid.UUID, fromAny []session.Status, to session.Status) (bool, error) {
	if to == session.StatusStopping || to == session.StatusStopped {
		f.stoppedIDs = append(f.stoppedIDs, id)
	}
	return true, nil
}

func (f *fakeRepo) MarkStopped(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return nil, repository.ErrNotFound
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testEngine(t *testing.T, repo repository.Repository) *engine.Engine {
	t.Helper()
	log := testLogger(t)
	return engine.New(
		engine.Config{BasePort: 41820, MaxConcurrentSessions: 5, RuntimeMode: session.RuntimeModeLocal},
		repo,
		portalloc.New(repo),
		prober.New(),
		nil, nil, nil, nil, nil, nil,
		log,
	)
}

func TestRunIdleSweepNoCandidatesIsNoop(t *testing.T) {
	repo := &fakeRepo{}
	sweeper := New(config.SessionConfig{IdleTimeoutMinutes: 60}, repo, testEngine(t, repo), nil, nil, testLogger(t))

	sweeper.runIdleSweep(context.Background())

	assert.Empty(t, repo.stoppedIDs)
}

func TestRunStaleGCNoCandidatesIsNoop(t *testing.T) {
	repo := &fakeRepo{}
	sweeper := New(config.SessionConfig{}, repo, testEngine(t, repo), nil, nil, testLogger(t))

	sweeper.runStaleGC(context.Background())

	assert.Empty(t, repo.deletedIDs)
}

func TestReconcileOnStartupWithNoActiveSessionsAndNoRuntimeAdapters(t *testing.T) {
	repo := &fakeRepo{}
	sweeper := New(config.SessionConfig{MaxConcurrentSessions: 3}, repo, testEngine(t, repo), nil, nil, testLogger(t))

	err := sweeper.ReconcileOnStartup(context.Background())

	require.NoError(t, err)
}

func TestRangeSizeForCap(t *testing.T) {
	assert.Equal(t, engine.PortWindow*3, rangeSizeForCap(3))
	assert.Equal(t, engine.PortWindow, rangeSizeForCap(0))
	assert.Equal(t, engine.PortWindow, rangeSizeForCap(-1))
}
