// Package daemon implements the privileged-ops server: a root-owned process
// that performs user/group/filesystem/systemd mutations on behalf of the
// unprivileged engine, reached only over a 0660 Unix socket (see internal/rpc).
//
// Every exec'd command is a fixed, allowlisted binary invoked with an
// explicit argv built from validated fields — never a shell string — so a
// malicious session can't smuggle extra flags through.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/rpc"
	"github.com/kandev/kandev/internal/usermgr"
	"go.uber.org/zap"
)

// Daemon owns an rpc.Server and registers the privileged-ops command set.
type Daemon struct {
	server   *rpc.Server
	logger   *logger.Logger
	allowlist map[string]bool
}

// New creates a Daemon whose RunAsUser handler only permits binaries named
// in allowedBinaries (basenames).
func New(log *logger.Logger, allowedBinaries []string) *Daemon {
	allow := make(map[string]bool, len(allowedBinaries))
	for _, b := range allowedBinaries {
		allow[b] = true
	}
	d := &Daemon{server: rpc.NewServer(), logger: log, allowlist: allow}
	d.registerHandlers()
	return d
}

// Listen binds the Unix socket at socketPath with mode 0660.
func (d *Daemon) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
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
	d.server.Register("create-group", d.handleCreateGroup)
	d.server.Register("create-user", d.handleCreateUser)
	d.server.Register("delete-user", d.handleDeleteUser)
	d.server.Register("mkdir", d.handleMkdir)
	d.server.Register("chown", d.handleChown)
	d.server.Register("chmod", d.handleChmod)
	d.server.Register("enable-linger", d.handleEnableLinger)
	d.server.Register("start-user-service", d.handleStartUserService)
	d.server.Register("setup-user-runner", d.handleSetupUserRunner)
	d.server.Register("setup-user-shell", d.handleSetupUserShell)
	d.server.Register("write-file", d.handleWriteFile)
	d.server.Register("run-as-user", d.handleRunAsUser)
}

func decodeArgs(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing args")
	}
	return json.Unmarshal(raw, out)
}

func (d *Daemon) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Daemon) handleCreateGroup(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.CreateGroupArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if userExists, err := d.groupExists(ctx, a.Name); err != nil {
		return nil, err
	} else if userExists {
		return nil, nil
	}
	args := []string{a.Name}
	if a.GID != 0 {
		args = append([]string{"-g", strconv.Itoa(a.GID)}, args...)
	}
	return nil, d.run(ctx, "groupadd", args...)
}

func (d *Daemon) groupExists(ctx context.Context, name string) (bool, error) {
	err := exec.CommandContext(ctx, "getent", "group", name).Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 2 {
		return false, nil
	}
	return false, nil
}

func (d *Daemon) userExists(ctx context.Context, username string) bool {
	return exec.CommandContext(ctx, "id", "-u", username).Run() == nil
}

func (d *Daemon) handleCreateUser(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.CreateUserArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if d.userExists(ctx, a.Username) {
		return nil, nil
	}

	args := []string{
		"-u", strconv.Itoa(a.UID),
		"-g", strconv.Itoa(a.GID),
		"-s", a.Shell,
		"-c", sanitizeGECOS(a.GECOS),
	}
	if a.Home != "" {
		args = append(args, "-d", a.Home)
	}
	if a.CreateHome {
		args = append(args, "-m")
	} else {
		args = append(args, "-M")
	}
	args = append(args, a.Username)
	return nil, d.run(ctx, "useradd", args...)
}

func (d *Daemon) handleDeleteUser(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.DeleteUserArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if !d.userExists(ctx, a.Username) {
		return nil, nil
	}
	return nil, d.run(ctx, "userdel", "-r", a.Username)
}

func (d *Daemon) handleMkdir(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.MkdirArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	mode := os.FileMode(a.Mode)
	if mode == 0 {
		mode = 0755
	}
	return nil, os.MkdirAll(a.Path, mode)
}

func (d *Daemon) handleChown(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.ChownArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	owner := a.User
	if a.Group != "" {
		owner = a.User + ":" + a.Group
	}
	args := []string{}
	if a.Recursive {
		args = append(args, "-R")
	}
	args = append(args, owner, a.Path)
	return nil, d.run(ctx, "chown", args...)
}

func (d *Daemon) handleChmod(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.ChmodArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return nil, os.Chmod(a.Path, os.FileMode(a.Mode))
}

func (d *Daemon) handleEnableLinger(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.EnableLingerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return nil, d.run(ctx, "loginctl", "enable-linger", a.Username)
}

func (d *Daemon) handleStartUserService(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.StartUserServiceArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	unit := fmt.Sprintf("user@%d.service", a.UID)
	return nil, d.run(ctx, "systemctl", "start", unit)
}

func (d *Daemon) handleSetupUserRunner(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.SetupUserRunnerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	machinectlArgs := []string{"shell", "--uid=" + strconv.Itoa(a.UID), a.Username + "@.host", "/usr/bin/systemctl", "--user", "daemon-reload"}
	if err := d.run(ctx, "machinectl", machinectlArgs...); err != nil {
		d.logger.Warn("daemon-reload failed, continuing", zap.String("username", a.Username), zap.Error(err))
	}
	restartArgs := []string{"shell", "--uid=" + strconv.Itoa(a.UID), a.Username + "@.host", "/usr/bin/systemctl", "--user", "restart", "kandev-runner.service"}
	return nil, d.run(ctx, "machinectl", restartArgs...)
}

func (d *Daemon) handleSetupUserShell(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.SetupUserShellArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	skel := a.SkelPath
	if skel == "" {
		skel = "/etc/skel"
	}
	home := filepath.Join("/home", a.Username)
	entries, err := os.ReadDir(skel)
	if err != nil {
		return nil, fmt.Errorf("read skel %s: %w", skel, err)
	}
	for _, e := range entries {
		src := filepath.Join(skel, e.Name())
		dst := filepath.Join(home, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := d.run(ctx, "cp", "-a", src, dst); err != nil {
			return nil, err
		}
	}
	return nil, d.run(ctx, "chown", "-R", a.Username+":"+a.Username, home)
}

func (d *Daemon) handleWriteFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.WriteFileArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if strings.Contains(a.RelativePath, "..") || filepath.IsAbs(a.RelativePath) {
		return nil, fmt.Errorf("unsafe relative path: %q", a.RelativePath)
	}
	home, err := homeDir(a.Username)
	if err != nil {
		return nil, err
	}
	dest := filepath.Join(home, a.RelativePath)
	if !strings.HasPrefix(dest, home+string(filepath.Separator)) {
		return nil, fmt.Errorf("path escapes home directory: %q", a.RelativePath)
	}
	mode := os.FileMode(a.Mode)
	if mode == 0 {
		mode = 0644
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dest, a.Content, mode); err != nil {
		return nil, err
	}
	return nil, d.run(ctx, "chown", a.Username+":"+a.Username, dest)
}

func (d *Daemon) handleRunAsUser(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var a usermgr.RunAsUserArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	base := filepath.Base(a.Binary)
	if !d.allowlist[base] {
		return nil, fmt.Errorf("binary %q is not allowlisted", base)
	}

	sudoArgs := []string{"-u", a.Username, "--"}
	if a.Cwd != "" {
		sudoArgs = append(sudoArgs, "env", "--chdir="+a.Cwd)
	}
	for k, v := range a.Env {
		sudoArgs = append(sudoArgs, fmt.Sprintf("%s=%s", k, v))
	}
	sudoArgs = append(sudoArgs, a.Binary)
	sudoArgs = append(sudoArgs, a.Argv...)

	cmd := exec.CommandContext(ctx, "sudo", sudoArgs...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}
	return usermgr.RunAsUserResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func homeDir(username string) (string, error) {
	out, err := exec.Command("getent", "passwd", username).Output()
	if err != nil {
		return "", fmt.Errorf("lookup home for %s: %w", username, err)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) < 6 {
		return "", fmt.Errorf("unexpected passwd entry for %s", username)
	}
	return fields[5], nil
}

func sanitizeGECOS(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ':' || r == ',' || r == '\n' {
			return '_'
		}
		return r
	}, s)
}
