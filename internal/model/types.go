package model

import (
	"encoding/json"
	"time"
)

// WindowHandle is the opaque identifier for one monitored window. It is
// supplied by the window-tracking process, is stable for the window's
// lifetime and never reused.
type WindowHandle string

// SessionState is the normalized hook session state persisted in the store.
type SessionState string

const (
	SessionUnattached SessionState = "unattached"
	SessionProbing    SessionState = "probing"
	SessionInstalling SessionState = "installing"
	SessionConnected  SessionState = "connected"
	SessionDegraded   SessionState = "degraded_connected"
	SessionLost       SessionState = "lost"
)

// Terminal reports whether a state can never be left again.
func (s SessionState) Terminal() bool {
	return s == SessionLost
}

// PortAssignment maps one window handle to its tunnel port. At most one live
// assignment exists per port; assignments survive daemon restarts so a hook
// that outlived the daemon can be reattached by probing.
type PortAssignment struct {
	WindowHandle WindowHandle
	Port         int
	AssignedAt   time.Time
	UpdatedAt    time.Time
}

// SessionEvent is one recorded session state transition.
type SessionEvent struct {
	EventID      string
	WindowHandle WindowHandle
	FromState    SessionState
	ToState      SessionState
	ReasonCode   string
	OccurredAt   time.Time
}

// Heartbeat is one liveness ping from a hook, delivered over the host-level
// notification channel rather than the tunnel socket.
type Heartbeat struct {
	Port       int
	Metadata   map[string]string
	ReceivedAt time.Time
}

// Command is the outbound tunnel envelope. The wire shape is stable across
// hook versions.
type Command struct {
	CorrelationID string          `json:"correlationId"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Response is the inbound tunnel envelope. Exactly one of Result or Error is
// set.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Command types every hook build understands.
const (
	CommandIdentify = "hook.identify"
)

// IdentifyResult is the payload a hook reports for CommandIdentify. App must
// match the configured target application or the session is torn down.
type IdentifyResult struct {
	App         string `json:"app"`
	Location    string `json:"location,omitempty"`
	HookVersion string `json:"hookVersion,omitempty"`
}
