// ABOUTME: Tests for the error taxonomy mapping and message classification.

package protocol

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not initialized", ErrNotInitialized, CodeInvalidRequest},
		{"session closed", ErrSessionClosed, CodeInvalidRequest},
		{"unknown target", fmt.Errorf("ghost.echo: %w", ErrUnknownTarget), CodeMethodNotFound},
		{"denied", &AuthorizationDeniedError{Reason: DenyNotConnected, Target: "fs.read_file"}, CodeAuthorizationDenied},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, CodeRateLimited},
		{"connector failure", &ConnectorFailureError{Connector: "fs", Err: errors.New("boom")}, CodeConnectorFailure},
		{"unclassified", errors.New("mystery"), CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := MapError(tt.err)
			require.NotNil(t, obj)
			assert.Equal(t, tt.code, obj.Code)
		})
	}
}

func TestMapErrorNeverLeaksInternalDetail(t *testing.T) {
	obj := MapError(errors.New("secret: /var/db/creds.db is corrupt"))
	assert.Equal(t, CodeInternalError, obj.Code)
	assert.Equal(t, "internal error", obj.Message)
	assert.Nil(t, obj.Data)
}

func TestRateLimitedDataCarriesRetryAfterMs(t *testing.T) {
	obj := MapError(&RateLimitedError{RetryAfter: 1500 * time.Millisecond})
	data, ok := obj.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1500), data["retryAfterMs"])
}

func TestConnectorFailureUnwraps(t *testing.T) {
	inner := errors.New("backend down")
	err := &ConnectorFailureError{Connector: "memory", Err: inner}
	assert.ErrorIs(t, err, inner)
}

func TestIsNotification(t *testing.T) {
	hasID := Request{JSONRPC: Version, ID: []byte(`7`), Method: "tools/list"}
	assert.False(t, hasID.IsNotification())

	noID := Request{JSONRPC: Version, Method: "notifications/initialized"}
	assert.True(t, noID.IsNotification())

	nullID := Request{JSONRPC: Version, ID: []byte(`null`), Method: "x"}
	assert.True(t, nullID.IsNotification())
}
