package httpproxy

import "context"

// connectErrorsAsUnavailableKey stashes, per-request, whether a backend
// connect failure should surface as 503 (session still Starting) rather
// than 502 (session claims to be Running but isn't reachable) — mirroring
// original_source's status-aware translation in proxy_request.
type connectErrorsAsUnavailableKey struct{}

func withConnectErrorsAsUnavailable(ctx context.Context, starting bool) context.Context {
	return context.WithValue(ctx, connectErrorsAsUnavailableKey{}, starting)
}

func connectErrorsAsUnavailable(ctx context.Context) bool {
	v, _ := ctx.Value(connectErrorsAsUnavailableKey{}).(bool)
	return v
}
