package websocket

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
)

type fakeRepo struct {
	repository.Repository
	sessions map[uuid.UUID]*session.Session
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestRepositoryPortLocatorReturnsTTYDPort(t *testing.T) {
	id := uuid.New()
	repo := &fakeRepo{sessions: map[uuid.UUID]*session.Session{
		id: {ID: id, Status: session.StatusRunning, TTYDPort: 41822},
	}}
	locator := NewRepositoryPortLocator(repo)

	port, err := locator.TerminalPort(context.Background(), id.String())

	require.NoError(t, err)
	assert.Equal(t, 41822, port)
}

func TestRepositoryPortLocatorRejectsInactiveSession(t *testing.T) {
	id := uuid.New()
	repo := &fakeRepo{sessions: map[uuid.UUID]*session.Session{
		id: {ID: id, Status: session.StatusStopped, TTYDPort: 41822},
	}}
	locator := NewRepositoryPortLocator(repo)

	_, err := locator.TerminalPort(context.Background(), id.String())

	assert.Error(t, err)
}

func TestRepositoryPortLocatorRejectsInvalidID(t *testing.T) {
	locator := NewRepositoryPortLocator(&fakeRepo{sessions: map[uuid.UUID]*session.Session{}})

	_, err := locator.TerminalPort(context.Background(), "not-a-uuid")

	assert.Error(t, err)
}

func TestRepositorySnapshotProviderReturnsNilForUnknownSession(t *testing.T) {
	provider := NewRepositorySnapshotProvider(&fakeRepo{sessions: map[uuid.UUID]*session.Session{}})

	msg, err := provider(context.Background(), uuid.New().String())

	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRepositorySnapshotProviderReturnsCurrentState(t *testing.T) {
	id := uuid.New()
	repo := &fakeRepo{sessions: map[uuid.UUID]*session.Session{
		id: {ID: id, UserID: "user-1", Status: session.StatusRunning},
	}}
	provider := NewRepositorySnapshotProvider(repo)

	msg, err := provider(context.Background(), id.String())

	require.NoError(t, err)
	require.NotNil(t, msg)
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, id.String(), payload["session_id"])
	assert.Equal(t, "running", payload["status"])
}

func TestGatewayForwardEventBroadcastsToHub(t *testing.T) {
	log := testLogger(t)
	gw := NewGateway(log)

	sessionID := uuid.New().String()
	client := NewClient("c1", nil, gw.Hub, log)
	gw.Hub.clients[client] = true
	gw.Hub.SubscribeToSession(client, sessionID)

	event := bus.NewEvent("session.running", "engine", map[string]interface{}{
		"session_id": sessionID,
		"status":     "running",
	})
	gw.forwardEvent(event)

	select {
	case data := <-client.send:
		assert.Contains(t, string(data), "session.updated")
	default:
		t.Fatal("expected a message to be queued for the subscribed client")
	}
}
