// ABOUTME: Session state machine for one agent connection, handshake to close.
// ABOUTME: The dispatcher is the sole writer; other components read context only.

package mcp

import (
	"sync"
)

// Phase is the protocol phase of a session.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitialized
	PhaseReady
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitialized:
		return "initialized"
	case PhaseReady:
		return "ready"
	default:
		return "closed"
	}
}

// Session holds the protocol-level state of one agent connection. Created
// when the transport opens, closed when it shuts down. Requests are handled
// concurrently, so all access goes through the mutex; only the dispatcher
// mutates it.
type Session struct {
	mu sync.Mutex

	phase           Phase
	protocolVersion string
	clientName      string
	clientVersion   string
	caller          string

	// initResult is the negotiated handshake result, returned verbatim on
	// idempotent repeated initialize requests.
	initResult map[string]any
}

// NewSession creates a session in the Uninitialized phase.
func NewSession() *Session {
	return &Session{phase: PhaseUninitialized}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Caller returns the caller identity bound at handshake, or "" before it.
func (s *Session) Caller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller
}

// initialize records the handshake outcome on first call and returns the
// negotiated result. Repeated handshakes return the original result without
// resetting any session state.
func (s *Session) initialize(protocolVersion, clientName, clientVersion, caller string, result map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initResult != nil {
		return s.initResult
	}
	s.phase = PhaseInitialized
	s.protocolVersion = protocolVersion
	s.clientName = clientName
	s.clientVersion = clientVersion
	s.caller = caller
	s.initResult = result
	return result
}

// markReady advances Initialized to Ready on the client's capability ack.
// A no-op in any other phase.
func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseInitialized {
		s.phase = PhaseReady
	}
}

// close moves the session to its terminal phase.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseClosed
}

// accepting reports whether listing and invocation requests are accepted.
func (s *Session) accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseInitialized || s.phase == PhaseReady
}
