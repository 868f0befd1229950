package model

import "errors"

// Error taxonomy for the tunnel subsystem. Raw socket and OS errors are
// mapped onto these sentinels at the boundary where they are first observed;
// internal logic never re-inspects raw error codes.
var (
	// ErrPortInUse: the candidate port is bound by an unrelated process.
	// Recoverable; the session manager reassigns a different port.
	ErrPortInUse = errors.New("port already in use")

	// ErrPortsExhausted: no free candidate remains in the configured range.
	ErrPortsExhausted = errors.New("port range exhausted")

	// ErrInjectionDenied: the injection primitive failed, typically for lack
	// of automation permission. Fatal for the session and surfaced to the
	// user; never silently retried.
	ErrInjectionDenied = errors.New("hook injection denied")

	// ErrCommandTimeout: a single command went unanswered within its
	// timeout. Recoverable per call.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrConnectionLost: the tunnel socket closed with commands outstanding.
	ErrConnectionLost = errors.New("tunnel connection lost")

	// ErrIdentityMismatch: the peer on a probed or freshly installed port is
	// not the target application. Treated as probe/install failure.
	ErrIdentityMismatch = errors.New("peer identity mismatch")

	// ErrSessionNotReady: a command was requested for a window whose session
	// is not connected.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrAcceptTimeout: no peer dialed the endpoint within the accept window.
	ErrAcceptTimeout = errors.New("accept timed out")

	// ErrEndpointClosed: the endpoint was shut down while waiting.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// Error codes defined by the daemon API contract.
const (
	CodeRefInvalid         = "E_REF_INVALID"
	CodeRefInvalidEncoding = "E_REF_INVALID_ENCODING"
	CodeRefNotFound        = "E_REF_NOT_FOUND"
	CodePortInUse          = "E_PORT_IN_USE"
	CodePortsExhausted     = "E_PORTS_EXHAUSTED"
	CodeInjectionDenied    = "E_INJECTION_DENIED"
	CodeCommandTimeout     = "E_COMMAND_TIMEOUT"
	CodeConnectionLost     = "E_CONNECTION_LOST"
	CodeIdentityMismatch   = "E_IDENTITY_MISMATCH"
	CodeSessionNotReady    = "E_SESSION_NOT_READY"
	CodeAcceptTimeout      = "E_ACCEPT_TIMEOUT"
	CodeInternal           = "E_INTERNAL"
)

// CodeForError maps a taxonomy error to its API error code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrPortInUse):
		return CodePortInUse
	case errors.Is(err, ErrPortsExhausted):
		return CodePortsExhausted
	case errors.Is(err, ErrInjectionDenied):
		return CodeInjectionDenied
	case errors.Is(err, ErrCommandTimeout):
		return CodeCommandTimeout
	case errors.Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case errors.Is(err, ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, ErrSessionNotReady):
		return CodeSessionNotReady
	case errors.Is(err, ErrAcceptTimeout):
		return CodeAcceptTimeout
	default:
		return CodeInternal
	}
}
