// Package workspacepath canonicalizes and sandboxes caller-supplied
// workspace paths to a per-user root, per the five-step algorithm in the
// session engine's design: never let a request escape the requesting
// user's own workspace or data subtree.
package workspacepath

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/kandev/internal/session"
	"github.com/kandev/kandev/internal/session/repository"
)

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Roots names the directories a resolved path is allowed to land under
// for one user.
type Roots struct {
	WorkspaceRoot string
	DataRoot      string
}

// LocationLookup resolves a workspace_path → concrete filesystem path
// mapping when the literal path doesn't exist (session.WorkspaceLocation).
type LocationLookup interface {
	GetWorkspaceLocation(ctx context.Context, userID, workspacePath string) (*session.WorkspaceLocation, error)
}

// Resolver implements the sandboxing algorithm from the session engine
// design notes.
type Resolver struct {
	locations LocationLookup
	rootsFor  func(userID string) Roots
}

// New creates a Resolver. rootsFor computes a user's allowed roots (e.g.
// <data_root>/users/<user_id>/workspace and .../data).
func New(locations LocationLookup, rootsFor func(userID string) Roots) *Resolver {
	return &Resolver{locations: locations, rootsFor: rootsFor}
}

// Resolve implements the algorithm: join relative paths with the
// workspace root, canonicalize and sandbox existing paths, allow
// not-yet-created paths whose parent is inside an allowed root, consult
// a stored WorkspaceLocation mapping as a last resort, and otherwise fail.
func (r *Resolver) Resolve(ctx context.Context, userID, requestedPath string) (string, error) {
	if strings.Contains(requestedPath, "..") {
		return "", fmt.Errorf("workspace path %q is outside allowed roots", requestedPath)
	}

	roots := r.rootsFor(userID)

	candidate := requestedPath
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(roots.WorkspaceRoot, candidate)
	}

	if exists(candidate) {
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("canonicalize workspace path %q: %w", candidate, err)
		}
		if isUnderAny(resolved, roots) {
			return resolved, nil
		}
		return "", fmt.Errorf("workspace path %q is outside allowed roots", requestedPath)
	}

	parent := filepath.Dir(candidate)
	if exists(parent) && isUnderAny(parent, roots) {
		return candidate, nil
	}

	if r.locations != nil {
		loc, err := r.locations.GetWorkspaceLocation(ctx, userID, requestedPath)
		if err == nil && loc != nil && loc.Kind == "local" {
			if !isUnderAny(loc.ConcretePath, roots) {
				return "", fmt.Errorf("workspace path %q is outside allowed roots", requestedPath)
			}
			return loc.ConcretePath, nil
		}
		if err != nil && err != repository.ErrNotFound {
			return "", err
		}
	}

	if exists(parent) {
		return "", fmt.Errorf("workspace path %q is outside allowed roots", requestedPath)
	}
	return "", fmt.Errorf("workspace path %q does not exist", requestedPath)
}

func isUnderAny(path string, roots Roots) bool {
	return isUnder(path, roots.WorkspaceRoot) || isUnder(path, roots.DataRoot)
}

func isUnder(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

// SanitizeUsername lowercases, trims to 32 chars, replaces disallowed
// characters with '_', and ensures the result neither starts with a digit
// nor ends with '-' — the constraints useradd imposes on Linux usernames.
func SanitizeUsername(userID string) string {
	lower := strings.ToLower(userID)

	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "_"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
		if len(s) > 32 {
			s = s[:32]
		}
	}
	s = strings.TrimRight(s, "-")
	if s == "" {
		s = "_"
	}
	return s
}
