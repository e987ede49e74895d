// Package prober polls a session's HTTP endpoints until they answer or a
// deadline elapses. It has no side effects beyond issuing GET requests.
package prober

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDeadline is the overall budget for wait_for_session_services.
	DefaultDeadline = 60 * time.Second
	// DefaultInterval is the pause between polling attempts.
	DefaultInterval = 200 * time.Millisecond
	// DefaultRequestTimeout bounds each individual probe request.
	DefaultRequestTimeout = 5 * time.Second
)

// Prober issues readiness GETs against localhost ports.
type Prober struct {
	client   *http.Client
	deadline time.Duration
	interval time.Duration
}

// New creates a Prober with the default timing constants.
func New() *Prober {
	return &Prober{
		client:   &http.Client{Timeout: DefaultRequestTimeout},
		deadline: DefaultDeadline,
		interval: DefaultInterval,
	}
}

// WaitForSessionServices blocks until both the fileserver (`GET /tree?path=.`)
// and the terminal server (`GET /`) answer with 2xx on localhost, or returns
// an error naming which probe was still failing once the overall deadline
// elapses.
func (p *Prober) WaitForSessionServices(ctx context.Context, fileserverPort, ttydPort int) error {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.pollUntilReady(gctx, fmt.Sprintf("http://localhost:%d/tree?path=.", fileserverPort), "fileserver")
	})
	g.Go(func() error {
		return p.pollUntilReady(gctx, fmt.Sprintf("http://localhost:%d/", ttydPort), "ttyd")
	})
	return g.Wait()
}

func (p *Prober) pollUntilReady(ctx context.Context, url, label string) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.probe(ctx, url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness timeout waiting for %s at %s: %w", label, url, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
