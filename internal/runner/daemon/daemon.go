// Package daemon implements the per-user runner: a process running under
// one Linux user's identity that spawns and supervises that user's session
// processes (fileserver, terminal server, agent) and reports their PIDs and
// exit diagnostics back to the engine over internal/rpc.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/rpc"
	"github.com/kandev/kandev/internal/runner"
)

// BinaryPaths names the executables the runner spawns for each session
// role. FileserverBin and TTYDBin are external binaries; if TTYDBin is
// empty the runner falls back to its own pty-backed terminal server.
type BinaryPaths struct {
	FileserverBin string
	TTYDBin       string
}

// Daemon owns an rpc.Server, a process table keyed by session id, and the
// binary paths used to spawn session processes.
type Daemon struct {
	server  *rpc.Server
	logger  *logger.Logger
	bins    BinaryPaths
	mu      sync.Mutex
	sessions map[string]*sessionProcs
}

type sessionProcs struct {
	procs []*managedProcess
}

// New creates a runner Daemon.
func New(log *logger.Logger, bins BinaryPaths) *Daemon {
	d := &Daemon{
		server:   rpc.NewServer(),
		logger:   log,
		bins:     bins,
		sessions: make(map[string]*sessionProcs),
	}
	d.registerHandlers()
	return d
}

// Listen binds the Unix socket at socketPath with mode 0660.
func (d *Daemon) Listen(socketPath string) error {
	return d.server.Listen(socketPath, 0660)
}

// Serve blocks, accepting and dispatching requests until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	return d.server.Serve(ctx)
}

// Close stops accepting new connections.
func (d *Daemon) Close() error {
	return d.server.Close()
}

func (d *Daemon) registerHandlers() {
	d.server.Register("start_session", d.handleStartSession)
	d.server.Register("stop_session", d.handleStopSession)
	d.server.Register("is_session_running", d.handleIsSessionRunning)
	d.server.Register("get_session_exit_info", d.handleGetSessionExitInfo)
	d.server.Register("list_data", d.handleListData)
}

func decodeArgs(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing args")
	}
	return json.Unmarshal(raw, out)
}

func (d *Daemon) handleStartSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a runner.StartSessionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if existing, ok := d.sessions[a.SessionID]; ok && anyAlive(existing.procs) {
		d.mu.Unlock()
		return runner.StartSessionResult{PIDs: pidsOf(existing.procs)}, nil
	}
	d.mu.Unlock()

	env := buildEnv(a.Env)
	procs := make([]*managedProcess, 0, 3)

	fileserverProc, err := d.spawn("fileserver", d.bins.FileserverBin,
		[]string{"--port", fmt.Sprintf("%d", a.FileserverPort), "--root", a.Workspace},
		a.Workspace, env)
	if err != nil {
		return nil, fmt.Errorf("spawn fileserver: %w", err)
	}
	procs = append(procs, fileserverProc)

	termProc, err := d.spawnTerminal(a.Workspace, a.TTYDPort, env)
	if err != nil {
		d.terminateAll(procs)
		return nil, fmt.Errorf("spawn terminal server: %w", err)
	}
	procs = append(procs, termProc)

	if a.Agent != nil {
		agentArgs := append([]string{"--port", fmt.Sprintf("%d", a.AgentPort)}, a.Agent.Args...)
		agentProc, err := d.spawn("agent", a.Agent.Command, agentArgs, a.Workspace, env)
		if err != nil {
			d.terminateAll(procs)
			return nil, fmt.Errorf("spawn agent: %w", err)
		}
		procs = append(procs, agentProc)
	}

	d.mu.Lock()
	d.sessions[a.SessionID] = &sessionProcs{procs: procs}
	d.mu.Unlock()

	d.logger.Info("session processes started",
		zap.String("session_id", a.SessionID),
		zap.Ints("pids", pidsOf(procs)))

	return runner.StartSessionResult{PIDs: pidsOf(procs)}, nil
}

func (d *Daemon) spawn(label, binary string, args []string, cwd string, env []string) (*managedProcess, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM, Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &managedProcess{label: label, cmd: cmd, exited: make(chan struct{})}
	go p.monitor()
	return p, nil
}

// spawnTerminal launches the configured ttyd binary, or falls back to the
// runner's own pty-backed terminal server when none is configured (see
// internal/runner/daemon/ptyserver.go).
func (d *Daemon) spawnTerminal(cwd string, port int, env []string) (*managedProcess, error) {
	if d.bins.TTYDBin != "" {
		return d.spawn("ttyd", d.bins.TTYDBin, []string{"-p", fmt.Sprintf("%d", port), "-W", "bash"}, cwd, env)
	}
	return spawnPTYServer(cwd, port, env)
}

func (d *Daemon) handleStopSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a runner.StopSessionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}

	d.mu.Lock()
	sp, ok := d.sessions[a.SessionID]
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}

	d.terminateAll(sp.procs)

	d.mu.Lock()
	delete(d.sessions, a.SessionID)
	d.mu.Unlock()
	return nil, nil
}

func (d *Daemon) terminateAll(procs []*managedProcess) {
	for _, p := range procs {
		p.terminate()
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		default:
			p.kill()
		}
	}
}

func (d *Daemon) handleIsSessionRunning(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a runner.IsSessionRunningArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	d.mu.Lock()
	sp, ok := d.sessions[a.SessionID]
	d.mu.Unlock()
	return runner.IsSessionRunningResult{Running: ok && anyAlive(sp.procs)}, nil
}

func (d *Daemon) handleGetSessionExitInfo(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a runner.GetSessionExitInfoArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	d.mu.Lock()
	sp, ok := d.sessions[a.SessionID]
	d.mu.Unlock()
	if !ok {
		return runner.GetSessionExitInfoResult{}, nil
	}

	infos := make([]runner.ProcessExitInfo, 0, len(sp.procs))
	for _, p := range sp.procs {
		exitCode, reason := p.exitInfo()
		infos = append(infos, runner.ProcessExitInfo{
			Label:    p.label,
			PID:      p.pid(),
			ExitCode: exitCode,
			Reason:   reason,
		})
	}
	return runner.GetSessionExitInfoResult{Processes: infos}, nil
}

// handleListData is a deliberate pass-through: the runner does not
// interpret chat-history or issue-tracker payloads, it only forwards
// whatever the collaborator produces for this session kind.
func (d *Daemon) handleListData(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a runner.ListDataArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": a.SessionID, "kind": a.Kind, "items": []interface{}{}}, nil
}

func anyAlive(procs []*managedProcess) bool {
	for _, p := range procs {
		if p.alive() {
			return true
		}
	}
	return false
}

func pidsOf(procs []*managedProcess) []int {
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		if pid := p.pid(); pid != 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
