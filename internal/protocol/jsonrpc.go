// ABOUTME: JSON-RPC 2.0 message types for the gateway's agent-facing stream.
// ABOUTME: Requests, responses, and structured error objects with standard codes.

package protocol

import "encoding/json"

// Version is the JSON-RPC version string required on every message.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request or notification.
// Notifications carry no id and never receive a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject represents a JSON-RPC 2.0 error object.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway-specific error codes.
const (
	CodeAuthorizationDenied = -32001
	CodeRateLimited         = -32002
	CodeConnectorFailure    = -32003
)

// NewResult builds a successful response for the given request id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response for the given request id.
func NewError(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}
