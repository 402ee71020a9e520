package models

import "time"

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusCreated SessionStatus = "created"
	StatusActive  SessionStatus = "active"
	StatusExpired SessionStatus = "expired"
	StatusClosed  SessionStatus = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusClosed
}

// Viewport overrides the page's device metrics
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	URL        string    `json:"url"`
	TTLMinutes int       `json:"ttlMinutes,omitempty"`
	Viewport   *Viewport `json:"viewport,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Recording  *bool     `json:"recording,omitempty"`
}

// CreateSessionResponse is returned with 201 after the first navigation succeeded
type CreateSessionResponse struct {
	SessionID string           `json:"sessionId"`
	URL       string           `json:"url"`
	ExpiresAt time.Time        `json:"expiresAt"`
	HasWebMCP bool             `json:"hasWebMCP"`
	Tools     []ToolDescriptor `json:"tools"`
}

// SessionStatusResponse describes a live session
type SessionStatusResponse struct {
	SessionID        string        `json:"sessionId"`
	Status           SessionStatus `json:"status"`
	URL              string        `json:"url"`
	CreatedAt        time.Time     `json:"createdAt"`
	ExpiresAt        time.Time     `json:"expiresAt"`
	RemainingSeconds int64         `json:"remainingSeconds"`
	CallCount        int64         `json:"callCount"`
	HasWebMCP        bool          `json:"hasWebMCP"`
	ToolCount        int           `json:"toolCount"`
	Recording        bool          `json:"recording"`
}

// NavigateRequest is the payload for POST /sessions/{id}/navigate
type NavigateRequest struct {
	URL             string `json:"url"`
	WaitForSelector string `json:"waitForSelector,omitempty"`
	Timeout         int    `json:"timeout,omitempty"`
}

// NavigateResponse reports the page after navigation and its fresh tool set
type NavigateResponse struct {
	SessionID string           `json:"sessionId"`
	URL       string           `json:"url"`
	Title     string           `json:"title"`
	HasWebMCP bool             `json:"hasWebMCP"`
	Tools     []ToolDescriptor `json:"tools"`
}

// Cookie is a cookie injected into the session's browsing context
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	URL      string  `json:"url,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// AuthenticateRequest carries credentials injected into the browsing context
type AuthenticateRequest struct {
	Cookies        []Cookie          `json:"cookies,omitempty"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Empty reports whether the request carries nothing to inject.
func (r AuthenticateRequest) Empty() bool {
	return len(r.Cookies) == 0 && len(r.LocalStorage) == 0 && len(r.SessionStorage) == 0 && len(r.Headers) == 0
}

// RecordedAction is one entry of a session's action log
type RecordedAction struct {
	Timestamp  time.Time      `json:"timestamp"`
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"durationMs"`
	URL        string         `json:"url,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// RecordingRequest toggles recording for a session
type RecordingRequest struct {
	Enabled bool `json:"enabled"`
}

// RecordingResponse lists the recorded actions of a session
type RecordingResponse struct {
	SessionID string           `json:"sessionId"`
	Recording bool             `json:"recording"`
	Actions   []RecordedAction `json:"actions"`
}

// SessionSummary is one row of GET /sessions
type SessionSummary struct {
	SessionID        string    `json:"sessionId"`
	URL              string    `json:"url"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	CallCount        int64     `json:"callCount"`
}
