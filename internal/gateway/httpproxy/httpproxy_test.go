package httpproxy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectErrorsAsUnavailableRoundTrips(t *testing.T) {
	ctx := withConnectErrorsAsUnavailable(context.Background(), true)
	assert.True(t, connectErrorsAsUnavailable(ctx))

	ctx = withConnectErrorsAsUnavailable(context.Background(), false)
	assert.False(t, connectErrorsAsUnavailable(ctx))

	assert.False(t, connectErrorsAsUnavailable(context.Background()))
}

func TestIsConnectError(t *testing.T) {
	assert.True(t, isConnectError(errors.New("dial tcp 127.0.0.1:41820: connect: connection refused")))
	assert.False(t, isConnectError(errors.New("context deadline exceeded")))
	assert.False(t, isConnectError(nil))
}
