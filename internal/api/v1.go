package api

import (
	"encoding/json"
	"time"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type SessionResponse struct {
	WindowHandle    string  `json:"window_handle"`
	Port            int     `json:"port,omitempty"`
	State           string  `json:"state"`
	HookVersion     string  `json:"hook_version,omitempty"`
	LastHeartbeatAt *string `json:"last_heartbeat_at,omitempty"`
	PendingCommands int     `json:"pending_commands,omitempty"`
	LastError       string  `json:"last_error,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Sessions      []SessionResponse `json:"sessions"`
}

type SessionEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Session       SessionResponse `json:"session"`
}

type WindowsSyncRequest struct {
	Windows []string `json:"windows"`
}

type WindowsSyncResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Added         int       `json:"added"`
	Removed       int       `json:"removed"`
	Total         int       `json:"total"`
}

type HeartbeatRequest struct {
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type HeartbeatResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	WindowHandle  string    `json:"window_handle,omitempty"`
	Accepted      bool      `json:"accepted"`
}

type CommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CommandResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	CorrelationID string          `json:"correlation_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *APIError       `json:"error,omitempty"`
}

type AssignmentResponse struct {
	WindowHandle string `json:"window_handle"`
	Port         int    `json:"port"`
	AssignedAt   string `json:"assigned_at"`
	UpdatedAt    string `json:"updated_at"`
}

type PortsEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Assignments   []AssignmentResponse `json:"assignments"`
}

type SessionEventItem struct {
	EventID      string `json:"event_id"`
	WindowHandle string `json:"window_handle"`
	FromState    string `json:"from_state"`
	ToState      string `json:"to_state"`
	ReasonCode   string `json:"reason_code,omitempty"`
	OccurredAt   string `json:"occurred_at"`
}

type SessionEventsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	WindowHandle  string             `json:"window_handle"`
	Events        []SessionEventItem `json:"events"`
}
