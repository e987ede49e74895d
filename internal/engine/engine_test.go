package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/apierr"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/portalloc"
	"github.com/kandev/kandev/internal/prober"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
	"github.com/kandev/kandev/internal/workspacepath"
)

// fakeRepo implements just enough of repository.Repository for the
// CreateSession rejection paths under test; anything else panics so an
// accidental new dependency on the repo is caught immediately.
type fakeRepo struct {
	repository.Repository
	runningForUser int
	countErr       error
	created        []*session.Session
	idleForUser    []*session.Session
	idleErr        error
	stopped        []uuid.UUID
	failed         []uuid.UUID
	byID           map[uuid.UUID]*session.Session
	statusUpdates  []session.Status
}

func (f *fakeRepo) CountRunningForUser(ctx context.Context, userID string) (int, error) {
	return f.runningForUser, f.countErr
}

func (f *fakeRepo) Create(ctx context.Context, s *session.Session) error {
	f.created = append(f.created, s)
	return nil
}

func (f *fakeRepo) GetWorkspaceLocation(ctx context.Context, userID, workspacePath string) (*session.WorkspaceLocation, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) ListIdleSessionsForUser(ctx context.Context, userID string, threshold time.Duration) ([]*session.Session, error) {
	return f.idleForUser, f.idleErr
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id uuid.UUID, fromAny []session.Status, to session.Status) (bool, error) {
	f.statusUpdates = append(f.statusUpdates, to)
	return true, nil
}

func (f *fakeRepo) MarkStopped(ctx context.Context, id uuid.UUID) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRepo) ListActivePorts(ctx context.Context) ([][3]int, error) {
	return nil, nil
}

func (f *fakeRepo) UpdatePorts(ctx context.Context, id uuid.UUID, agentPort, fileserverPort, ttydPort, agentBasePort, mmryPort int) error {
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	f.failed = append(f.failed, id)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T, repo *fakeRepo, cfg Config) *Engine {
	t.Helper()
	paths := workspacepath.New(repo, func(userID string) workspacepath.Roots {
		return workspacepath.Roots{WorkspaceRoot: "/nonexistent/" + userID + "/workspace", DataRoot: "/nonexistent/" + userID + "/data"}
	})
	return New(cfg, repo, portalloc.New(repo), prober.New(), nil, nil, nil, nil, paths, nil, testLogger(t))
}

func TestCreateSessionRejectsAtConcurrencyCap(t *testing.T) {
	repo := &fakeRepo{runningForUser: 5}
	eng := newTestEngine(t, repo, Config{MaxConcurrentSessions: 5})

	s, err := eng.CreateSession(context.Background(), "user-1", "relative/path", session.RuntimeModeLocal, "")

	require.Error(t, err)
	assert.Nil(t, s)
	var apiErr *apierr.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeUnavailable, apiErr.Code)
	assert.Empty(t, repo.created, "should never reach repo.Create once the cap is hit")
}

func TestCreateSessionPropagatesCountError(t *testing.T) {
	repo := &fakeRepo{countErr: assertErr{"db down"}}
	eng := newTestEngine(t, repo, Config{MaxConcurrentSessions: 5})

	_, err := eng.CreateSession(context.Background(), "user-1", "relative/path", session.RuntimeModeLocal, "")

	require.Error(t, err)
	var apiErr *apierr.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeInternal, apiErr.Code)
}

func TestCreateSessionRejectsPathEscapingWorkspaceRoot(t *testing.T) {
	repo := &fakeRepo{runningForUser: 0}
	eng := newTestEngine(t, repo, Config{MaxConcurrentSessions: 5})

	_, err := eng.CreateSession(context.Background(), "user-1", "../../etc/passwd", session.RuntimeModeLocal, "")

	require.Error(t, err)
	var apiErr *apierr.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeValidation, apiErr.Code)
	assert.Empty(t, repo.created)
}

func TestEnforceUserCapStopsOldestIdleSession(t *testing.T) {
	oldest := session.New("user-1", "/ws", session.RuntimeModeLocal)
	oldest.Status = session.StatusRunning
	repo := &fakeRepo{
		runningForUser: 2,
		idleForUser:    []*session.Session{oldest},
		byID:           map[uuid.UUID]*session.Session{oldest.ID: oldest},
	}
	eng := newTestEngine(t, repo, Config{MaxConcurrentSessions: 2, IdleTimeout: 30 * time.Minute})

	err := eng.enforceUserCap(context.Background(), "user-1")

	require.NoError(t, err)
	require.Len(t, repo.stopped, 1)
	assert.Equal(t, oldest.ID, repo.stopped[0])
}

func TestEnforceUserCapRejectsWhenNoneIdle(t *testing.T) {
	repo := &fakeRepo{runningForUser: 2}
	eng := newTestEngine(t, repo, Config{MaxConcurrentSessions: 2, IdleTimeout: 30 * time.Minute})

	err := eng.enforceUserCap(context.Background(), "user-1")

	require.Error(t, err)
	var apiErr *apierr.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeUnavailable, apiErr.Code)
	assert.Empty(t, repo.stopped)
}

func TestEnforceUserCapAllowsUnderCap(t *testing.T) {
	repo := &fakeRepo{runningForUser: 1}
	eng := newTestEngine(t, repo, Config{MaxConcurrentSessions: 2, IdleTimeout: 30 * time.Minute})

	err := eng.enforceUserCap(context.Background(), "user-1")

	require.NoError(t, err)
	assert.Empty(t, repo.stopped)
}

func TestRestartDeadCASesFromActualStatusAndFailsOnRestartError(t *testing.T) {
	s := session.New("user-1", "/ws", session.RuntimeModeLocal)
	s.Status = session.StatusRunning
	repo := &fakeRepo{byID: map[uuid.UUID]*session.Session{s.ID: s}}
	eng := newTestEngine(t, repo, Config{})

	err := eng.restartDead(context.Background(), s)

	require.Error(t, err, "local runtime is not configured on this test engine, so the restart attempt fails")
	require.Len(t, repo.statusUpdates, 1)
	assert.Equal(t, session.StatusStarting, repo.statusUpdates[0], "restartDead must CAS from the session's actual status (Running), not start's restrictive Pending/Stopped/Failed set")
	assert.Contains(t, repo.failed, s.ID, "a restart that errors must mark the session Failed instead of leaving it stuck")
}

func TestLinuxUsernameAddsConfiguredPrefix(t *testing.T) {
	repo := &fakeRepo{}
	eng := newTestEngine(t, repo, Config{LinuxUserPrefix: "kdev-"})

	got := eng.linuxUsername("User.Name")

	assert.Equal(t, "kdev-", got[:len("kdev-")])
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
