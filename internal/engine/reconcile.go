package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/apierr"
	"github.com/kandev/kandev/internal/common/tracing"
	"github.com/kandev/kandev/internal/session"
)

// Reconcile walks every active session and verifies its backing
// container/processes are actually alive, restarting any that crashed
// without going through StopSession/DeleteSession (e.g. the host rebooted,
// or a container was killed out-of-band). A session that fails to restart
// is marked Failed.
//
// A session transiently observed as Running → Starting → Failed during
// this pass is intentional self-healing (the decided Open Question #2):
// it's logged at Warn rather than surfaced as an error, since from the
// caller's perspective the session was never actually reachable in
// between.
func (e *Engine) Reconcile(ctx context.Context) error {
	ctx, span := tracing.StartEngineSpan(ctx, "reconcile", "")
	defer span.End()

	active, err := e.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		alive, err := e.isAlive(ctx, s)
		if err != nil {
			e.log.Warn("reconcile: liveness check failed", zap.String("session_id", s.ID.String()), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		e.log.Warn("reconcile: session not alive, restarting", zap.String("session_id", s.ID.String()), zap.String("status", string(s.Status)))
		if err := e.restartDead(ctx, s); err != nil {
			e.log.Warn("reconcile: restart failed, session marked failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// restartDead demotes a session whose backend is gone (status still
// Running/Starting per ListActive, but isAlive returned false) back to
// Starting from whatever active status it's actually in, then re-runs the
// same start sequence a fresh create uses. A session that fails to restart
// is marked Failed rather than left stuck in a stale active status.
func (e *Engine) restartDead(ctx context.Context, s *session.Session) error {
	if ok, err := e.repo.UpdateStatus(ctx, s.ID, []session.Status{s.Status}, session.StatusStarting); err != nil {
		return apierr.Categorize(err)
	} else if !ok {
		return apierr.New(apierr.CodeConflict, "session changed state during reconcile")
	}
	if err := e.runStart(ctx, s); err != nil {
		e.fail(ctx, s, err)
		return err
	}
	return nil
}

func (e *Engine) isAlive(ctx context.Context, s *session.Session) (bool, error) {
	switch s.RuntimeMode {
	case session.RuntimeModeContainer:
		if e.container == nil || s.ContainerID == "" {
			return false, nil
		}
		status, err := e.container.ContainerStateStatus(ctx, s.ContainerID)
		if err != nil {
			return false, err
		}
		return status == "running", nil
	case session.RuntimeModeLocal:
		if e.local == nil {
			return false, nil
		}
		return e.local.IsSessionRunning(ctx, e.linuxUsername(s.UserID), s.ID.String())
	default:
		return false, nil
	}
}
