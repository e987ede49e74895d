package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/apierr"
	"github.com/kandev/kandev/internal/common/tracing"
	"github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
)

// GetOrCreateSession returns userID's already-running session for
// workspacePath if one exists, or creates a new one. Unlike
// GetOrCreateSessionForWorkspace, concurrent callers are not collapsed —
// callers that need that guarantee should use the singleflight-backed
// variant below.
func (e *Engine) GetOrCreateSession(ctx context.Context, userID, workspacePath string, mode session.RuntimeMode, image string) (*session.Session, error) {
	if existing, err := e.repo.FindRunningForWorkspace(ctx, userID, workspacePath); err == nil && existing != nil {
		return existing, nil
	} else if err != nil && err != repository.ErrNotFound {
		return nil, apierr.Categorize(err)
	}
	return e.CreateSession(ctx, userID, workspacePath, mode, image)
}

// GetOrCreateSessionForWorkspace is GetOrCreateSession with concurrent
// calls for the same (userID, workspacePath) collapsed onto a single
// underlying create, via singleflight — the port allocator's
// compare-and-swap alone is not enough to stop two near-simultaneous
// requests from each creating a session for the same workspace.
func (e *Engine) GetOrCreateSessionForWorkspace(ctx context.Context, userID, workspacePath string, mode session.RuntimeMode, image string) (*session.Session, error) {
	key := userID + "/" + workspacePath
	v, err, _ := e.createGroup.Do(key, func() (interface{}, error) {
		return e.GetOrCreateSession(ctx, userID, workspacePath, mode, image)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

// ResumeSession restarts a Stopped or Failed session's processes, keeping
// its id, readable id, and history, and reassigning a fresh port window
// (the old one may have been reclaimed by another session in the
// meantime).
func (e *Engine) ResumeSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	ctx, span := tracing.StartEngineSpan(ctx, "resume_session", id.String())
	defer span.End()

	s, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, apierr.Categorize(err)
	}
	if s.Status != session.StatusStopped && s.Status != session.StatusFailed {
		return nil, apierr.New(apierr.CodeConflict, "session is not in a resumable state")
	}

	if err := e.enforceUserCap(ctx, s.UserID); err != nil {
		return nil, err
	}

	if err := e.resumeEAVSKey(ctx, s); err != nil {
		e.log.Warn("eavs key rotation on resume failed, continuing", zap.String("session_id", s.ID.String()), zap.Error(err))
	}

	if err := e.start(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// resumeEAVSKey rotates the session's virtual key on every local-mode
// resume (a local resume re-execs the agent process fresh, losing any
// previously injected env, so the old key reference is moot) but leaves a
// container-mode session's key untouched (its env was fixed at container
// creation and can't be rewritten without recreating the container) — the
// asymmetry decided in SPEC_FULL.md's Open Questions.
func (e *Engine) resumeEAVSKey(ctx context.Context, s *session.Session) error {
	if e.eavs == nil || s.RuntimeMode != session.RuntimeModeLocal {
		return nil
	}
	if s.EAVSKeyID != "" {
		if err := e.eavs.RevokeKey(ctx, s.EAVSKeyID); err != nil {
			return fmt.Errorf("revoke previous key: %w", err)
		}
	}
	keyID, keyHash, err := e.provisionEAVSKey(ctx, s)
	if err != nil {
		return err
	}
	s.EAVSKeyID, s.EAVSKeyHash = keyID, keyHash
	return e.repo.UpdateEAVSKey(ctx, s.ID, keyID, keyHash)
}

// UpgradeSession re-pulls the session's current image and recreates its
// container, for picking up a newer build of the same image tag while
// keeping the session's id and history (runStart assigns a fresh port
// window). An active session is stopped and put back to Pending first.
// Only meaningful in container mode; local-mode sessions have no image to
// upgrade.
func (e *Engine) UpgradeSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	ctx, span := tracing.StartEngineSpan(ctx, "upgrade_session", id.String())
	defer span.End()

	s, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, apierr.Categorize(err)
	}
	if s.RuntimeMode != session.RuntimeModeContainer {
		return nil, apierr.New(apierr.CodeValidation, "only container-mode sessions can be upgraded")
	}
	if e.container == nil {
		return nil, apierr.New(apierr.CodeUnavailable, "container runtime is not configured")
	}

	if s.Status.IsActive() {
		if err := e.stopRuntime(ctx, s); err != nil {
			return nil, apierr.Wrap(apierr.CodeInternal, "stop previous container", err)
		}
		if _, err := e.repo.UpdateStatus(ctx, s.ID, session.ActiveStatuses, session.StatusPending); err != nil {
			return nil, apierr.Categorize(err)
		}
		s.Status = session.StatusPending
	}
	if s.ContainerID != "" {
		_ = e.container.RemoveContainer(ctx, s.ContainerID, true)
	}

	if err := e.start(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// StopSession terminates a session's processes/container without deleting
// its row, leaving it resumable.
func (e *Engine) StopSession(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartEngineSpan(ctx, "stop_session", id.String())
	defer span.End()

	s, err := e.repo.Get(ctx, id)
	if err != nil {
		return apierr.Categorize(err)
	}
	if !s.Status.IsActive() {
		return nil // idempotent: already stopped/failed
	}

	if ok, err := e.repo.UpdateStatus(ctx, s.ID, session.ActiveStatuses, session.StatusStopping); err != nil {
		return apierr.Categorize(err)
	} else if !ok {
		return nil
	}
	s.Status = session.StatusStopping
	e.publish(ctx, events.SessionStopping, s)

	if err := e.stopRuntime(ctx, s); err != nil {
		e.log.Warn("error stopping session runtime, marking stopped anyway", zap.String("session_id", s.ID.String()), zap.Error(err))
	}

	if err := e.repo.MarkStopped(ctx, s.ID); err != nil {
		return apierr.Categorize(err)
	}
	s.MarkStopped()
	e.publish(ctx, events.SessionStopped, s)
	return nil
}

func (e *Engine) stopRuntime(ctx context.Context, s *session.Session) error {
	switch s.RuntimeMode {
	case session.RuntimeModeContainer:
		if e.container == nil || s.ContainerID == "" {
			return nil
		}
		return e.container.StopContainer(ctx, s.ContainerID, 0)
	case session.RuntimeModeLocal:
		if e.local == nil {
			return nil
		}
		return e.local.StopSession(ctx, e.linuxUsername(s.UserID), s.ID.String())
	default:
		return fmt.Errorf("unknown runtime mode %q", s.RuntimeMode)
	}
}

// DeleteSession stops the session if still active, revokes its EAVS key,
// removes its container if any, and deletes its repository row.
func (e *Engine) DeleteSession(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartEngineSpan(ctx, "delete_session", id.String())
	defer span.End()

	s, err := e.repo.Get(ctx, id)
	if err != nil {
		return apierr.Categorize(err)
	}
	if s.Status.IsActive() {
		if err := e.StopSession(ctx, id); err != nil {
			return err
		}
	}
	if e.eavs != nil && s.EAVSKeyID != "" {
		if err := e.eavs.RevokeKey(ctx, s.EAVSKeyID); err != nil {
			e.log.Warn("failed to revoke eavs key on delete, continuing", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}
	if e.container != nil && s.ContainerID != "" {
		if err := e.container.RemoveContainer(ctx, s.ContainerID, true); err != nil {
			e.log.Warn("failed to remove container on delete, continuing", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return apierr.Categorize(err)
	}
	e.publish(ctx, events.SessionDeleted, s)
	return nil
}

// TouchActivity records that a client interacted with sessionID, resetting
// its idle-timeout clock.
func (e *Engine) TouchActivity(ctx context.Context, id uuid.UUID) error {
	if err := e.repo.TouchActivity(ctx, id); err != nil {
		return apierr.Categorize(err)
	}
	return nil
}
