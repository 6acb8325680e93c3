// ABOUTME: Gateway error taxonomy and mapping to JSON-RPC error objects.
// ABOUTME: Every error leaving the dispatcher goes through MapError exactly once.

package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotInitialized indicates a request arrived before a successful handshake.
var ErrNotInitialized = errors.New("server not initialized")

// ErrSessionClosed indicates the session has reached its terminal state.
var ErrSessionClosed = errors.New("session closed")

// ErrUnknownTarget indicates no enabled connector owns the requested namespace.
var ErrUnknownTarget = errors.New("unknown target")

// DenyReason classifies why an authorization decision denied a call.
type DenyReason string

const (
	DenyNotConnected      DenyReason = "not_connected"
	DenyInsufficientScope DenyReason = "insufficient_scope"
	DenyUnknownSource     DenyReason = "unknown_source"
)

// AuthorizationDeniedError is surfaced when the authorization gateway denies a call.
type AuthorizationDeniedError struct {
	Reason DenyReason
	Target string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied (%s): %s", e.Reason, e.Target)
}

// RateLimitedError is surfaced when no rate-limit token is available.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ConnectorFailureError wraps an upstream connector error with its source identity.
type ConnectorFailureError struct {
	Connector string
	Err       error
}

func (e *ConnectorFailureError) Error() string {
	return fmt.Sprintf("connector %s: %v", e.Connector, e.Err)
}

func (e *ConnectorFailureError) Unwrap() error { return e.Err }

// MapError converts a pipeline error into the structured error object sent to
// the caller. Unrecognized errors surface generically as internal errors; the
// full detail stays in the server log.
func MapError(err error) *ErrorObject {
	var denied *AuthorizationDeniedError
	var limited *RateLimitedError
	var connector *ConnectorFailureError

	switch {
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrSessionClosed):
		return &ErrorObject{Code: CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, ErrUnknownTarget):
		return &ErrorObject{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.As(err, &denied):
		return &ErrorObject{
			Code:    CodeAuthorizationDenied,
			Message: "authorization denied",
			Data:    map[string]any{"reason": string(denied.Reason)},
		}
	case errors.As(err, &limited):
		return &ErrorObject{
			Code:    CodeRateLimited,
			Message: "rate limited",
			Data:    map[string]any{"retryAfterMs": limited.RetryAfter.Milliseconds()},
		}
	case errors.As(err, &connector):
		return &ErrorObject{
			Code:    CodeConnectorFailure,
			Message: "connector call failed",
			Data:    map[string]any{"connector": connector.Connector, "detail": connector.Err.Error()},
		}
	default:
		return &ErrorObject{Code: CodeInternalError, Message: "internal error"}
	}
}
