// Package usermgr is the typed client for the privileged-ops daemon: a
// root-owned process reached over a well-known Unix socket that performs
// the user/group/filesystem/systemd operations the unprivileged engine
// cannot do itself.
package usermgr

import (
	"context"

	"github.com/kandev/kandev/internal/rpc"
)

// DefaultSocketPath is the conventional location of the usermgr socket.
const DefaultSocketPath = "/run/kandev/usermgr.sock"

// Client talks to the usermgr daemon over its Unix socket.
type Client struct {
	rpc *rpc.Client
}

// NewClient creates a usermgr Client targeting socketPath.
func NewClient(socketPath string) *Client {
	return &Client{rpc: rpc.NewClient(socketPath)}
}

// CreateGroupArgs ensures a named POSIX group exists.
type CreateGroupArgs struct {
	Name string `json:"name"`
	GID  int    `json:"gid,omitempty"`
}

func (c *Client) CreateGroup(ctx context.Context, args CreateGroupArgs) error {
	return c.rpc.Call(ctx, "create-group", args, nil)
}

// CreateUserArgs creates a POSIX user with a fixed uid, primary group,
// shell, GECOS, and home-directory policy.
type CreateUserArgs struct {
	Username  string `json:"username"`
	UID       int    `json:"uid"`
	GID       int    `json:"gid"`
	Shell     string `json:"shell"`
	GECOS     string `json:"gecos"`
	Home      string `json:"home"`
	CreateHome bool  `json:"create_home"`
}

func (c *Client) CreateUser(ctx context.Context, args CreateUserArgs) error {
	return c.rpc.Call(ctx, "create-user", args, nil)
}

// DeleteUserArgs removes a POSIX user. Idempotent.
type DeleteUserArgs struct {
	Username string `json:"username"`
}

func (c *Client) DeleteUser(ctx context.Context, args DeleteUserArgs) error {
	return c.rpc.Call(ctx, "delete-user", args, nil)
}

// MkdirArgs creates a directory path as root.
type MkdirArgs struct {
	Path string      `json:"path"`
	Mode uint32      `json:"mode"`
}

func (c *Client) Mkdir(ctx context.Context, args MkdirArgs) error {
	return c.rpc.Call(ctx, "mkdir", args, nil)
}

// ChownArgs sets ownership, optionally recursive.
type ChownArgs struct {
	Path      string `json:"path"`
	User      string `json:"user"`
	Group     string `json:"group"`
	Recursive bool   `json:"recursive"`
}

func (c *Client) Chown(ctx context.Context, args ChownArgs) error {
	return c.rpc.Call(ctx, "chown", args, nil)
}

// ChmodArgs sets a file's mode.
type ChmodArgs struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

func (c *Client) Chmod(ctx context.Context, args ChmodArgs) error {
	return c.rpc.Call(ctx, "chmod", args, nil)
}

// EnableLingerArgs enables per-user systemd lingering so user services
// survive logout.
type EnableLingerArgs struct {
	Username string `json:"username"`
}

func (c *Client) EnableLinger(ctx context.Context, args EnableLingerArgs) error {
	return c.rpc.Call(ctx, "enable-linger", args, nil)
}

// StartUserServiceArgs starts the `user@<uid>` systemd slice.
type StartUserServiceArgs struct {
	UID int `json:"uid"`
}

func (c *Client) StartUserService(ctx context.Context, args StartUserServiceArgs) error {
	return c.rpc.Call(ctx, "start-user-service", args, nil)
}

// SetupUserRunnerArgs has the daemon run a systemd daemon-reload (a failure
// there is only logged) and restart the user's kandev-runner.service. It
// does not install the unit file and does not wait for the runner's socket
// to become connectable.
type SetupUserRunnerArgs struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
}

func (c *Client) SetupUserRunner(ctx context.Context, args SetupUserRunnerArgs) error {
	return c.rpc.Call(ctx, "setup-user-runner", args, nil)
}

// SetupUserShellArgs provisions dotfiles under a user's home.
type SetupUserShellArgs struct {
	Username string `json:"username"`
	SkelPath string `json:"skel_path,omitempty"`
}

func (c *Client) SetupUserShell(ctx context.Context, args SetupUserShellArgs) error {
	return c.rpc.Call(ctx, "setup-user-shell", args, nil)
}

// WriteFileArgs writes a file under a user's home, constrained to a safe
// relative path (no traversal outside the home).
type WriteFileArgs struct {
	Username     string `json:"username"`
	RelativePath string `json:"relative_path"`
	Content      []byte `json:"content"`
	Mode         uint32 `json:"mode,omitempty"`
}

func (c *Client) WriteFile(ctx context.Context, args WriteFileArgs) error {
	return c.rpc.Call(ctx, "write-file", args, nil)
}

// RunAsUserArgs executes an allowlisted binary as a named user with
// scrubbed env, cwd, and argv. The daemon builds the sudo -u command line
// itself from Binary and Argv; callers never pass a full command line.
type RunAsUserArgs struct {
	Username string            `json:"username"`
	Binary   string            `json:"binary"`
	Argv     []string          `json:"argv"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
}

// RunAsUserResult carries the captured output of an allowlisted command.
type RunAsUserResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (c *Client) RunAsUser(ctx context.Context, args RunAsUserArgs) (*RunAsUserResult, error) {
	var out RunAsUserResult
	if err := c.rpc.Call(ctx, "run-as-user", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
