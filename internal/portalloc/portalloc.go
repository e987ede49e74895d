// Package portalloc finds a contiguous free port window given the set of
// ports currently reserved by active sessions.
package portalloc

import (
	"context"
	"fmt"

	"github.com/kandev/kandev/internal/session/repository"
)

// Allocator scans candidate base ports in increasing order and returns the
// first one whose window does not overlap any active session's reserved
// ports. It does not probe the OS; raw port availability is the runtime
// adapter's concern.
type Allocator struct {
	repo repository.Repository
}

// New creates a port Allocator backed by repo.
func New(repo repository.Repository) *Allocator {
	return &Allocator{repo: repo}
}

// Allocate returns a base port such that [base, base+window) contains no
// port currently reserved by an active session. basePort is the preferred
// starting offset; window is the total span to reserve (primary ports plus
// any optional mmry/sub-agent ports).
func (a *Allocator) Allocate(ctx context.Context, basePort, window int) (int, error) {
	reserved, err := a.repo.ListActivePorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active ports: %w", err)
	}

	taken := make(map[int]bool, len(reserved)*3)
	for _, triple := range reserved {
		for _, p := range triple {
			taken[p] = true
		}
	}

	for candidate := basePort; ; candidate += window {
		if windowIsFree(taken, candidate, window) {
			return candidate, nil
		}
	}
}

func windowIsFree(taken map[int]bool, base, window int) bool {
	for p := base; p < base+window; p++ {
		if taken[p] {
			return false
		}
	}
	return true
}
