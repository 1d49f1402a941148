package epc

import (
	"errors"
	"fmt"

	"github.com/pawciobiel/go-epc/sexp"
)

var (
	// ErrClosed indicates the session terminated before or while the
	// operation ran. Errors from calls cut short by a closing session wrap
	// it, with the termination cause appended when there was one.
	ErrClosed = errors.New("epc: session closed")

	// ErrIDExhausted indicates the session issued its last permitted
	// correlation id. Ids are never reused, so the session cannot call
	// again; the ceiling is configurable via Config.MaxID.
	ErrIDExhausted = errors.New("epc: call id space exhausted")

	// ErrProtocolViolation indicates the peer sent a message the protocol
	// cannot account for and the session was torn down.
	ErrProtocolViolation = errors.New("epc: protocol violation")
)

// RemoteError reports that the peer's handler for a call failed. Detail
// carries the failure description exactly as the peer sent it, typically a
// string.
type RemoteError struct {
	Method string
	Detail sexp.Value
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("epc: remote error in %q: %s", e.Method, sexp.Encode(e.Detail))
}

// EpcError reports that a call failed inside the peer's dispatch machinery
// rather than in a handler: the call did not parse on the peer's side, or
// dispatch failed before reaching user code.
type EpcError struct {
	Method string
	Detail sexp.Value
}

func (e *EpcError) Error() string {
	return fmt.Sprintf("epc: peer rejected call to %q: %s", e.Method, sexp.Encode(e.Detail))
}
