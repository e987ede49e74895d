// Package runner is the typed client for the per-user process-supervisor
// daemon: a process running under a single Linux user's identity that
// spawns and tracks that user's session processes (fileserver, terminal
// server, agent), reached over a socket whose path derives from the
// target username.
package runner

import (
	"context"
	"fmt"

	"github.com/kandev/kandev/internal/rpc"
)

// SocketPath returns the conventional per-user runner socket path.
func SocketPath(socketPattern, username string) string {
	if socketPattern == "" {
		socketPattern = "/run/kandev/runner-sockets/%s/runner.sock"
	}
	return fmt.Sprintf(socketPattern, username)
}

// Client talks to one user's runner daemon over its Unix socket.
type Client struct {
	rpc *rpc.Client
}

// NewClient creates a runner Client targeting socketPath.
func NewClient(socketPath string) *Client {
	return &Client{rpc: rpc.NewClient(socketPath)}
}

// AgentSpec describes the optional agent process to spawn alongside the
// fileserver and terminal server.
type AgentSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// StartSessionArgs requests that the runner spawn a session's processes.
type StartSessionArgs struct {
	SessionID      string            `json:"session_id"`
	Workspace      string            `json:"workspace"`
	AgentPort      int               `json:"agent_port"`
	FileserverPort int               `json:"fileserver_port"`
	TTYDPort       int               `json:"ttyd_port"`
	Agent          *AgentSpec        `json:"agent,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// StartSessionResult carries the PIDs of the processes the runner spawned.
type StartSessionResult struct {
	PIDs []int `json:"pids"`
}

func (c *Client) StartSession(ctx context.Context, args StartSessionArgs) (*StartSessionResult, error) {
	var out StartSessionResult
	if err := c.rpc.Call(ctx, "start_session", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopSessionArgs requests idempotent graceful shutdown then kill.
type StopSessionArgs struct {
	SessionID string `json:"session_id"`
}

func (c *Client) StopSession(ctx context.Context, args StopSessionArgs) error {
	return c.rpc.Call(ctx, "stop_session", args, nil)
}

// IsSessionRunningArgs checks whether a session's processes are alive.
type IsSessionRunningArgs struct {
	SessionID string `json:"session_id"`
}

// IsSessionRunningResult reports liveness.
type IsSessionRunningResult struct {
	Running bool `json:"running"`
}

func (c *Client) IsSessionRunning(ctx context.Context, args IsSessionRunningArgs) (bool, error) {
	var out IsSessionRunningResult
	if err := c.rpc.Call(ctx, "is_session_running", args, &out); err != nil {
		return false, err
	}
	return out.Running, nil
}

// GetSessionExitInfoArgs requests crash diagnostics for a stopped session.
type GetSessionExitInfoArgs struct {
	SessionID string `json:"session_id"`
}

// ProcessExitInfo describes how a single spawned process exited.
type ProcessExitInfo struct {
	Label    string `json:"label"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// GetSessionExitInfoResult is the set of per-process exit diagnostics.
type GetSessionExitInfoResult struct {
	Processes []ProcessExitInfo `json:"processes"`
}

func (c *Client) GetSessionExitInfo(ctx context.Context, args GetSessionExitInfoArgs) (*GetSessionExitInfoResult, error) {
	var out GetSessionExitInfoResult
	if err := c.rpc.Call(ctx, "get_session_exit_info", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDataArgs is a pass-through data-listing call the core proxies but
// does not interpret (chat history, issue tracker, etc.).
type ListDataArgs struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
}

// ListData returns the raw JSON payload the runner reports for Kind,
// unparsed — the core is not meant to understand its shape.
func (c *Client) ListData(ctx context.Context, args ListDataArgs) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.rpc.Call(ctx, "list_data", args, &out); err != nil {
		return nil, err
	}
	return out, nil
}
