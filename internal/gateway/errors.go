package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted         = errors.New("gateway: session already started")
	ErrNotReady               = errors.New("gateway: session not ready")
	ErrClosed                 = errors.New("gateway: manager closed")
	ErrStopped                = errors.New("gateway: session stopped")
	ErrProtocolViolation      = errors.New("gateway: protocol violation")
	ErrLivenessTimeout        = errors.New("gateway: heartbeat not acknowledged")
	ErrHandshakeTimeout       = errors.New("gateway: handshake timed out")
	ErrAuthenticationRejected = errors.New("gateway: authentication rejected")
	ErrFatalClose             = errors.New("gateway: fatal close code")
	ErrReservedOpcode         = errors.New("gateway: opcode is managed by the session")
	ErrMissingEndpoint        = errors.New("gateway: missing endpoint")
	ErrMissingToken           = errors.New("gateway: missing token")
)

// FatalError ends a session. The manager never retries after one; only an
// explicit Start begins a new session.
type FatalError struct {
	// Code is the close code that caused it, zero for local violations.
	Code  int
	Err   error
	Cause error
}

func (e *FatalError) Error() string {
	msg := e.Err.Error()
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (close code %d)", msg, e.Code)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the classifying sentinel and the underlying cause.
func (e *FatalError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
