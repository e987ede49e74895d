// Package cleanup runs the background loops that keep the session fleet
// honest: idling out sessions nobody has touched in a while, garbage
// collecting long-stopped rows, reconciling crashed sessions back to life
// on process restart, and finding runtime resources (containers, ports)
// with no matching repository row.
package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/engine"
	container "github.com/kandev/kandev/internal/runtime/container"
	"github.com/kandev/kandev/internal/runtime/local"
	"github.com/kandev/kandev/internal/session/repository"
)

// staleStoppedAfter is how long a Stopped row is kept around before
// the GC sweep deletes it. Not configurable: it's a housekeeping constant,
// not a user-facing knob.
const staleStoppedAfter = 72 * time.Hour

// Sweeper owns the idle/stale/orphan background loops. One Sweeper is
// constructed per process and started once the engine is wired up.
type Sweeper struct {
	cfg       config.SessionConfig
	repo      repository.Repository
	engine    *engine.Engine
	container *container.Client // nil in local-only deployments
	local     *local.Adapter    // nil when local mode is disabled
	basePort  int
	log       *logger.Logger
}

// New constructs a Sweeper. containerClient and localAdapter may be nil,
// matching the engine's own optionality for single-runtime deployments.
func New(cfg config.SessionConfig, repo repository.Repository, eng *engine.Engine, containerClient *container.Client, localAdapter *local.Adapter, log *logger.Logger) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		repo:      repo,
		engine:    eng,
		container: containerClient,
		local:     localAdapter,
		basePort:  cfg.BasePort,
		log:       log,
	}
}

// Start launches the idle sweep and stale-GC loops as background
// goroutines, ticking at cfg.IdleCheckInterval(). Both stop when ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	interval := s.cfg.IdleCheckInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runIdleSweep(ctx)
				s.runStaleGC(ctx)
			}
		}
	}()
	s.log.Info("cleanup loop started", zap.Duration("interval", interval), zap.Duration("idle_timeout", s.cfg.IdleTimeout()))
}

// runIdleSweep stops every active session whose last activity is older
// than the configured idle timeout.
func (s *Sweeper) runIdleSweep(ctx context.Context) {
	idle, err := s.repo.ListIdleSessions(ctx, s.cfg.IdleTimeout())
	if err != nil {
		s.log.Error("idle sweep: failed to list candidates", zap.Error(err))
		return
	}
	if len(idle) == 0 {
		return
	}
	s.log.Info("idle sweep: found candidates", zap.Int("count", len(idle)))
	for _, sess := range idle {
		if err := s.engine.StopSession(ctx, sess.ID); err != nil {
			s.log.Warn("idle sweep: failed to stop session", zap.String("session_id", sess.ID.String()), zap.Error(err))
			continue
		}
		s.log.Info("idle sweep: stopped session", zap.String("session_id", sess.ID.String()), zap.String("user_id", sess.UserID))
	}
}

// runStaleGC deletes Stopped rows that have sat untouched past
// staleStoppedAfter, along with any lingering container they still
// reference.
func (s *Sweeper) runStaleGC(ctx context.Context) {
	stale, err := s.repo.ListStaleStoppedSessions(ctx, staleStoppedAfter)
	if err != nil {
		s.log.Error("stale gc: failed to list candidates", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}
	s.log.Info("stale gc: found candidates", zap.Int("count", len(stale)))
	for _, sess := range stale {
		if err := s.engine.DeleteSession(ctx, sess.ID); err != nil {
			s.log.Warn("stale gc: failed to delete session", zap.String("session_id", sess.ID.String()), zap.Error(err))
			continue
		}
		s.log.Info("stale gc: deleted session", zap.String("session_id", sess.ID.String()))
	}
}

// ReconcileOnStartup runs once at process start, before the ticked loops
// begin: it restarts any session the repository still thinks is active but
// whose container/process isn't, via the engine's own Reconcile, then scans
// for runtime resources with no matching row (OrphanFinder) and for ports
// left open by a previous process that never released them.
func (s *Sweeper) ReconcileOnStartup(ctx context.Context) error {
	if err := s.engine.Reconcile(ctx); err != nil {
		return err
	}
	s.findOrphanContainers(ctx)
	s.clearOrphanPorts()
	return nil
}

// findOrphanContainers looks for kandev-managed containers with no
// corresponding repository row (the process crashed between
// CreateContainer and the repository write, or a row was deleted without
// going through the engine) and removes them. Best-effort: logged, never
// fatal to startup.
func (s *Sweeper) findOrphanContainers(ctx context.Context) {
	if s.container == nil {
		return
	}
	containers, err := s.container.ListContainers(ctx, map[string]string{})
	if err != nil {
		s.log.Warn("orphan finder: failed to list containers", zap.Error(err))
		return
	}
	for _, c := range containers {
		sessionID, ok := c.Labels["kandev.session_id"]
		if !ok {
			continue // not one of ours
		}
		id, err := uuid.Parse(sessionID)
		if err != nil {
			s.log.Warn("orphan finder: container has unparseable session label", zap.String("container_id", c.ID), zap.String("session_id", sessionID))
			continue
		}
		if _, err := s.repo.Get(ctx, id); err == nil {
			continue // row still exists, not an orphan
		}
		s.log.Warn("orphan finder: removing container with no matching session row",
			zap.String("container_id", c.ID), zap.String("session_id", sessionID))
		if err := s.container.RemoveContainer(ctx, c.ID, true); err != nil {
			s.log.Warn("orphan finder: failed to remove orphan container", zap.String("container_id", c.ID), zap.Error(err))
		}
	}
}

// clearOrphanPorts logs the ports in the session port range that
// local.StartupCleanup reports as still bound after a crash/restart. It
// does not release them; the port allocator skips them as occupied.
func (s *Sweeper) clearOrphanPorts() {
	if s.local == nil {
		return
	}
	occupied := local.StartupCleanup(s.basePort, rangeSizeForCap(s.cfg.MaxConcurrentSessions))
	if len(occupied) == 0 {
		return
	}
	s.log.Info("startup: found occupied ports in session range", zap.Ints("ports", occupied))
}

func rangeSizeForCap(maxSessions int) int {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return maxSessions * engine.PortWindow
}
