// ABOUTME: Audit records for every call attempt and the sink interface the
// ABOUTME: core hands them to; the core produces records, never stores them.

package audit

import (
	"time"
)

// Outcome classifies how a pipeline run ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeDenied      Outcome = "denied"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
)

// Record is the immutable value emitted once per completed pipeline run,
// including denials and rate-limit rejections.
type Record struct {
	ID            string        // UUID v4
	CorrelationID string        // caller-supplied JSON-RPC id, verbatim
	Caller        string        // caller identity
	Target        string        // namespaced tool name or resource URI
	Kind          string        // tool_call or resource_read
	Outcome       Outcome       //
	Detail        string        // deny reason or error summary, empty on success
	Timestamp     time.Time     //
	Duration      time.Duration //
}

// Sink receives audit records for durable storage. Implementations must not
// assume the caller tolerates blocking; wrap slow sinks with NewAsyncSink.
type Sink interface {
	Record(rec Record)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Record)

// Record implements Sink.
func (f SinkFunc) Record(rec Record) { f(rec) }

// Discard is a Sink that drops every record.
var Discard = SinkFunc(func(Record) {})
