package models

import "time"

// AuditAction distinguishes the two entries written per request
type AuditAction string

const (
	AuditRequest  AuditAction = "request"
	AuditResponse AuditAction = "response"
)

// AuditEntry is one persisted audit record
type AuditEntry struct {
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId"`
	Action        AuditAction `json:"action"`
	Method        string      `json:"method"`
	Path          string      `json:"path"`
	SessionID     string      `json:"sessionId,omitempty"`
	ToolName      string      `json:"toolName,omitempty"`
	Caller        string      `json:"caller"`
	Role          string      `json:"role,omitempty"`
	Status        int         `json:"status,omitempty"`
	DurationMs    int64       `json:"durationMs,omitempty"`
	Success       *bool       `json:"success,omitempty"`
	PageChanged   *bool       `json:"pageChanged,omitempty"`
	Destination   string      `json:"destination,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status         string    `json:"status"`
	ActiveSessions int       `json:"activeSessions"`
	Pool           PoolStats `json:"pool"`
}

// PoolStats is a point-in-time view of the browser pool
type PoolStats struct {
	Max   int `json:"max"`
	Live  int `json:"live"`
	InUse int `json:"inUse"`
	Idle  int `json:"idle"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details any    `json:"details,omitempty"`
}
