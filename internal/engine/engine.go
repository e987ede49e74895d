// Package engine implements the readiness-gated session lifecycle state
// machine: create/resume/upgrade/stop/delete, per-user concurrency caps,
// port allocation, and container/local runtime dispatch.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/kandev/internal/common/apierr"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/common/tracing"
	"github.com/kandev/kandev/internal/eavs"
	"github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/portalloc"
	"github.com/kandev/kandev/internal/prober"
	"github.com/kandev/kandev/internal/runner"
	container "github.com/kandev/kandev/internal/runtime/container"
	"github.com/kandev/kandev/internal/runtime/local"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
	"github.com/kandev/kandev/internal/usermgr"
	"github.com/kandev/kandev/internal/workspacepath"
)

// PortWindow is the fixed width reserved per session: agent, fileserver,
// ttyd, plus room for an optional mmry port and a sub-agent window.
const PortWindow = 8

// Config carries the subset of SessionConfig the engine acts on directly.
type Config struct {
	DefaultImage          string
	BasePort              int
	MaxConcurrentSessions int
	RuntimeMode           session.RuntimeMode
	LinuxUserPrefix       string
	LinuxUIDStart         int
	IdleTimeout           time.Duration
	DefaultBudgetUSD      float64
	DefaultRPM            int
}

// Engine is the session lifecycle state machine. One Engine instance is
// shared by the HTTP gateway and the cleanup loops.
type Engine struct {
	cfg Config

	repo      repository.Repository
	ports     *portalloc.Allocator
	prober    *prober.Prober
	container *container.Client
	local     *local.Adapter
	usermgr   *usermgr.Client // nil disables Linux user provisioning (local mode only)
	eavs      *eavs.Client    // nil disables virtual-key provisioning
	paths     *workspacepath.Resolver
	bus       bus.EventBus
	log       *logger.Logger

	// createGroup collapses concurrent get_or_create_session_for_workspace
	// calls keyed on "<userID>/<workspacePath>" so two near-simultaneous
	// requests for the same workspace don't race to create two sessions.
	createGroup singleflight.Group
}

// New constructs an Engine. eavsClient and containerClient may be nil when
// the deployment runs entirely in local mode or without virtual-key
// provisioning respectively; callers must not route container-mode
// requests to an Engine with a nil containerClient.
func New(
	cfg Config,
	repo repository.Repository,
	ports *portalloc.Allocator,
	prb *prober.Prober,
	containerClient *container.Client,
	localAdapter *local.Adapter,
	usermgrClient *usermgr.Client,
	eavsClient *eavs.Client,
	paths *workspacepath.Resolver,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		ports:     ports,
		prober:    prb,
		container: containerClient,
		local:     localAdapter,
		usermgr:   usermgrClient,
		eavs:      eavsClient,
		paths:     paths,
		bus:       eventBus,
		log:       log,
	}
}

// linuxUsername derives the per-user Linux identity a local-mode session
// runs under.
func (e *Engine) linuxUsername(userID string) string {
	return e.cfg.LinuxUserPrefix + workspacepath.SanitizeUsername(userID)
}

// ensureUserRunner allocates userID's durable Linux UID and has usermgr
// create the account, enable lingering, and restart its per-user runner
// service. It returns once usermgr has issued the restart; it does not wait
// for the runner socket that local.Adapter.StartSession dials to accept
// connections.
func (e *Engine) ensureUserRunner(ctx context.Context, userID, username string) error {
	if e.usermgr == nil {
		return nil
	}
	uid, err := e.repo.GetOrAllocateLinuxUID(ctx, userID, e.cfg.LinuxUIDStart)
	if err != nil {
		return fmt.Errorf("allocate linux uid: %w", err)
	}
	if err := e.usermgr.CreateGroup(ctx, usermgr.CreateGroupArgs{Name: username, GID: uid}); err != nil {
		return fmt.Errorf("create linux group: %w", err)
	}
	if err := e.usermgr.CreateUser(ctx, usermgr.CreateUserArgs{
		Username:   username,
		UID:        uid,
		GID:        uid,
		Shell:      "/bin/bash",
		GECOS:      "kandev session user",
		CreateHome: true,
	}); err != nil {
		return fmt.Errorf("create linux user: %w", err)
	}
	if err := e.usermgr.EnableLinger(ctx, usermgr.EnableLingerArgs{Username: username}); err != nil {
		return fmt.Errorf("enable linger: %w", err)
	}
	if err := e.usermgr.SetupUserRunner(ctx, usermgr.SetupUserRunnerArgs{Username: username, UID: uid}); err != nil {
		return fmt.Errorf("setup user runner: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType string, s *session.Session) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"session_id": s.ID.String(),
		"user_id":    s.UserID,
		"status":     string(s.Status),
	}
	if err := e.bus.Publish(ctx, events.BuildSessionSubject(s.ID.String()), bus.NewEvent(eventType, "engine", data)); err != nil {
		e.log.Warn("failed to publish session event", zap.String("event", eventType), zap.Error(err))
	}
}

// enforceUserCap applies the per-user cap (LRU): when userID already has
// max_concurrent_sessions running sessions, it stops the oldest session
// that has been idle past idle_timeout_minutes to free a slot. If none of
// the user's running sessions are idle, the request fails rather than
// evicting an active one.
func (e *Engine) enforceUserCap(ctx context.Context, userID string) error {
	running, err := e.repo.CountRunningForUser(ctx, userID)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "count running sessions", err)
	}
	if running < e.cfg.MaxConcurrentSessions {
		return nil
	}
	idle, err := e.repo.ListIdleSessionsForUser(ctx, userID, e.cfg.IdleTimeout)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "list idle sessions", err)
	}
	if len(idle) == 0 {
		return apierr.New(apierr.CodeUnavailable, "active sessions at limit for this user")
	}
	oldest := idle[0]
	if err := e.StopSession(ctx, oldest.ID); err != nil {
		return apierr.Wrap(apierr.CodeInternal, "stop oldest idle session", err)
	}
	return nil
}

// CreateSession validates the per-user concurrency cap, resolves the
// workspace path, allocates a port window, creates the Pending row, and
// starts the session's processes, blocking until they're ready or the
// readiness deadline elapses.
func (e *Engine) CreateSession(ctx context.Context, userID, workspacePath string, mode session.RuntimeMode, image string) (*session.Session, error) {
	ctx, span := tracing.StartEngineSpan(ctx, "create_session", "")
	defer span.End()

	if err := e.enforceUserCap(ctx, userID); err != nil {
		return nil, err
	}

	resolvedPath, err := e.paths.Resolve(ctx, userID, workspacePath)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeValidation, err.Error(), err)
	}

	if mode == "" {
		mode = e.cfg.RuntimeMode
	}
	if image == "" {
		image = e.cfg.DefaultImage
	}

	s := session.New(userID, resolvedPath, mode)
	s.Image = image

	if err := e.repo.Create(ctx, s); err != nil {
		return nil, apierr.Categorize(err)
	}
	e.publish(ctx, events.SessionCreated, s)

	if err := e.start(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// start transitions s from a startable state (Pending/Stopped/Failed) to
// Starting, then runs it. It assumes s.ID already exists in the repository.
func (e *Engine) start(ctx context.Context, s *session.Session) error {
	if ok, err := e.repo.UpdateStatus(ctx, s.ID, []session.Status{session.StatusPending, session.StatusStopped, session.StatusFailed}, session.StatusStarting); err != nil {
		return apierr.Categorize(err)
	} else if !ok {
		return apierr.New(apierr.CodeConflict, "session is not in a startable state")
	}
	return e.runStart(ctx, s)
}

// runStart allocates ports, provisions an EAVS key when the session has
// none yet, dispatches to the container/local runtime adapter, and waits
// for readiness, updating the repository and session row
// throughout. Callers must have already transitioned the row to Starting in
// the repository.
func (e *Engine) runStart(ctx context.Context, s *session.Session) error {
	s.Status = session.StatusStarting
	e.publish(ctx, events.SessionStarting, s)

	basePort, err := e.ports.Allocate(ctx, e.cfg.BasePort, PortWindow)
	if err != nil {
		e.fail(ctx, s, fmt.Errorf("allocate ports: %w", err))
		return apierr.Wrap(apierr.CodeUnavailable, "no free port window", err)
	}
	s.AgentPort = basePort
	s.FileserverPort = basePort + 1
	s.TTYDPort = basePort + 2
	s.MmryPort = basePort + 3
	if err := e.repo.UpdatePorts(ctx, s.ID, s.AgentPort, s.FileserverPort, s.TTYDPort, s.AgentBasePort, s.MmryPort); err != nil {
		e.fail(ctx, s, fmt.Errorf("persist ports: %w", err))
		return apierr.Categorize(err)
	}
	e.publish(ctx, events.SessionPortsAssigned, s)

	if s.EAVSKeyID == "" {
		keyID, keyHash, err := e.provisionEAVSKey(ctx, s)
		if err != nil {
			e.log.Warn("eavs key provisioning failed, continuing without a scoped key", zap.String("session_id", s.ID.String()), zap.Error(err))
		} else if keyID != "" {
			s.EAVSKeyID, s.EAVSKeyHash = keyID, keyHash
			if err := e.repo.UpdateEAVSKey(ctx, s.ID, keyID, keyHash); err != nil {
				e.log.Warn("failed to persist eavs key", zap.Error(err))
			}
		}
	}

	switch s.RuntimeMode {
	case session.RuntimeModeContainer:
		err = e.startContainer(ctx, s)
	case session.RuntimeModeLocal:
		err = e.startLocal(ctx, s)
	default:
		err = fmt.Errorf("unknown runtime mode %q", s.RuntimeMode)
	}
	if err != nil {
		e.fail(ctx, s, err)
		return apierr.Categorize(err)
	}

	if err := e.prober.WaitForSessionServices(ctx, s.FileserverPort, s.TTYDPort); err != nil {
		// Per the decided Open Question: a local-mode readiness failure
		// during create leaves the Failed row rather than deleting it, so
		// the failure stays visible to an operator.
		e.fail(ctx, s, fmt.Errorf("readiness: %w", err))
		return apierr.Wrap(apierr.CodeUpstream, "session services did not become ready", err)
	}

	if err := e.repo.MarkRunning(ctx, s.ID); err != nil {
		return apierr.Categorize(err)
	}
	s.MarkRunning()
	e.publish(ctx, events.SessionRunning, s)
	return nil
}

func (e *Engine) fail(ctx context.Context, s *session.Session, cause error) {
	msg := cause.Error()
	if err := e.repo.MarkFailed(ctx, s.ID, msg); err != nil {
		e.log.Error("failed to persist failed session state", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
	s.MarkFailed(msg)
	e.publish(ctx, events.SessionFailed, s)
}

func (e *Engine) startContainer(ctx context.Context, s *session.Session) error {
	if e.container == nil {
		return fmt.Errorf("container runtime is not configured")
	}
	if err := e.container.PullImage(ctx, s.Image); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	name := "kandev-session-" + s.ReadableID
	containerID, err := e.container.CreateContainer(ctx, container.ContainerConfig{
		Name:     name,
		Image:    s.Image,
		Hostname: s.ReadableID,
		Labels: map[string]string{
			"kandev.session_id": s.ID.String(),
			"kandev.user_id":    s.UserID,
		},
		Env: e.sessionEnv(s),
		PortBindings: []container.PortBinding{
			{ContainerPort: 41820, HostPort: s.AgentPort},
			{ContainerPort: 41821, HostPort: s.FileserverPort},
			{ContainerPort: 41822, HostPort: s.TTYDPort},
		},
	})
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := e.repo.UpdateContainerID(ctx, s.ID, containerID, name); err != nil {
		return fmt.Errorf("persist container id: %w", err)
	}
	s.ContainerID, s.ContainerName = containerID, name

	if err := e.container.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	digest, err := e.container.GetImageDigest(ctx, s.Image)
	if err == nil && digest != "" {
		s.ImageDigest = digest
		_ = e.repo.UpdateImageDigest(ctx, s.ID, s.Image, digest)
	}
	return nil
}

func (e *Engine) startLocal(ctx context.Context, s *session.Session) error {
	if e.local == nil {
		return fmt.Errorf("local runtime is not configured")
	}
	username := e.linuxUsername(s.UserID)
	if err := e.ensureUserRunner(ctx, s.UserID, username); err != nil {
		return fmt.Errorf("provision user runner: %w", err)
	}
	pids, err := e.local.StartSession(ctx, username, localStartArgs(s))
	if err != nil {
		return fmt.Errorf("start local session: %w", err)
	}
	pidsStr := pidsToString(pids)
	if err := e.repo.UpdatePIDs(ctx, s.ID, pidsStr); err != nil {
		return fmt.Errorf("persist pids: %w", err)
	}
	s.PIDs = pidsStr
	return nil
}

func (e *Engine) sessionEnv(s *session.Session) []string {
	env := []string{
		fmt.Sprintf("KANDEV_SESSION_ID=%s", s.ID.String()),
		fmt.Sprintf("KANDEV_WORKSPACE=%s", s.WorkspacePath),
	}
	if s.EAVSKeyID != "" {
		env = append(env, fmt.Sprintf("KANDEV_EAVS_KEY_ID=%s", s.EAVSKeyID))
	}
	return env
}

func (e *Engine) provisionEAVSKey(ctx context.Context, s *session.Session) (keyID, keyHash string, err error) {
	if e.eavs == nil {
		return "", "", nil
	}
	budget := e.cfg.DefaultBudgetUSD
	rpm := e.cfg.DefaultRPM
	resp, err := e.eavs.CreateKey(ctx, eavs.CreateKeyRequest{
		Name: "session-" + s.ReadableID,
		Permissions: &eavs.KeyPermissions{
			MaxBudgetUSD: &budget,
			RPMLimit:     &rpm,
		},
		Metadata: map[string]interface{}{"session_id": s.ID.String(), "user_id": s.UserID},
	})
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(resp.Key))
	return resp.KeyID, hex.EncodeToString(sum[:]), nil
}

func localStartArgs(s *session.Session) runner.StartSessionArgs {
	return runner.StartSessionArgs{
		SessionID:      s.ID.String(),
		Workspace:      s.WorkspacePath,
		AgentPort:      s.AgentPort,
		FileserverPort: s.FileserverPort,
		TTYDPort:       s.TTYDPort,
	}
}

func pidsToString(pids []int) string {
	s := ""
	for i, p := range pids {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", p)
	}
	return s
}
