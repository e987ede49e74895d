// Package local is the Local Runtime Adapter: it spawns a session's
// fileserver/terminal/agent processes under the caller's own Linux user via
// the per-user runner daemon, and provides the raw-port utilities the
// engine needs before it can hand a port window to that daemon.
package local

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kandev/kandev/internal/runner"
)

// Adapter drives one user's runner daemon.
type Adapter struct {
	socketPattern string
}

// New creates an Adapter. socketPattern is passed to runner.SocketPath for
// every call, e.g. "/run/kandev/runner-sockets/%s/runner.sock".
func New(socketPattern string) *Adapter {
	return &Adapter{socketPattern: socketPattern}
}

func (a *Adapter) client(username string) *runner.Client {
	return runner.NewClient(runner.SocketPath(a.socketPattern, username))
}

// StartSession asks username's runner daemon to spawn the session's
// fileserver, terminal server, and optional agent process, returning the
// PIDs it reports.
func (a *Adapter) StartSession(ctx context.Context, username string, args runner.StartSessionArgs) ([]int, error) {
	result, err := a.client(username).StartSession(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("start session via runner(%s): %w", username, err)
	}
	return result.PIDs, nil
}

// StopSession asks username's runner daemon to terminate every process it
// is tracking for sessionID.
func (a *Adapter) StopSession(ctx context.Context, username, sessionID string) error {
	if err := a.client(username).StopSession(ctx, runner.StopSessionArgs{SessionID: sessionID}); err != nil {
		return fmt.Errorf("stop session via runner(%s): %w", username, err)
	}
	return nil
}

// IsSessionRunning reports whether username's runner daemon still has at
// least one live process for sessionID.
func (a *Adapter) IsSessionRunning(ctx context.Context, username, sessionID string) (bool, error) {
	running, err := a.client(username).IsSessionRunning(ctx, runner.IsSessionRunningArgs{SessionID: sessionID})
	if err != nil {
		return false, fmt.Errorf("is session running via runner(%s): %w", username, err)
	}
	return running, nil
}

// GetSessionExitInfo reports why each of sessionID's processes last exited,
// for surfacing in the session's Failed-state diagnostics.
func (a *Adapter) GetSessionExitInfo(ctx context.Context, username, sessionID string) ([]runner.ProcessExitInfo, error) {
	result, err := a.client(username).GetSessionExitInfo(ctx, runner.GetSessionExitInfoArgs{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("get session exit info via runner(%s): %w", username, err)
	}
	return result.Processes, nil
}

// IsPortAvailable reports whether a TCP listener can bind port on
// 127.0.0.1 right now. A false result only means "not available this
// instant" — it does not reserve the port.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// CheckPortsAvailable reports the first port in the window [base, base+n)
// that is not available, or -1 if the whole window is free.
func CheckPortsAvailable(base, n int) int {
	for p := base; p < base+n; p++ {
		if !IsPortAvailable(p) {
			return p
		}
	}
	return -1
}

// ClearPorts briefly dials each port in [base, base+n) to flush a
// TIME_WAIT lingering listener before reuse; it does not kill anything —
// that's the runner daemon's job via StopSession. Best-effort: dial errors
// are ignored since an unreachable port is already clear.
func ClearPorts(base, n int) {
	for p := base; p < base+n; p++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p), 100*time.Millisecond)
		if err == nil {
			conn.Close()
		}
	}
}

// StartupCleanup probes a conservative range above basePort for processes
// left listening from a previous, uncleanly-stopped instance of this
// daemon, and reports which ports are currently occupied so the caller can
// decide whether to treat them as orphans (cross-referenced against the
// Session Repository, not decided here).
func StartupCleanup(basePort, rangeSize int) []int {
	var occupied []int
	for p := basePort; p < basePort+rangeSize; p++ {
		if !IsPortAvailable(p) {
			occupied = append(occupied, p)
		}
	}
	return occupied
}
