package session

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// Session is one caller-visible handle on a browser page.
// Fields behind mu may be read at any time; the instance is only driven
// from inside Manager.Do.
type Session struct {
	id        string
	inst      *browser.Instance
	op        *semaphore.Weighted
	createdAt time.Time
	expiresAt time.Time

	mu        sync.Mutex
	status    models.SessionStatus
	url       string
	callCount int64
	hasTools  bool
	toolCount int
	recording bool
	actions   []models.RecordedAction
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Instance() *browser.Instance { return s.inst }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }
func (s *Session) ExpiresAt() time.Time        { return s.expiresAt }

func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st models.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// SetURL records the page URL after a navigation or a tool call.
func (s *Session) SetURL(u string) {
	s.mu.Lock()
	s.url = u
	s.mu.Unlock()
}

// SetDiscovery stores the outcome of the latest tool discovery.
func (s *Session) SetDiscovery(hasTools bool, toolCount int) {
	s.mu.Lock()
	s.hasTools = hasTools
	s.toolCount = toolCount
	s.mu.Unlock()
}

// IncrementCalls bumps the call counter and returns the new value.
func (s *Session) IncrementCalls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++
	return s.callCount
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Actions returns a copy of the recorded action log.
func (s *Session) Actions() []models.RecordedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RecordedAction{}, s.actions...)
}

func (s *Session) record(a models.RecordedAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return
	}
	if len(s.actions) >= maxRecordedActions {
		s.actions = s.actions[1:]
	}
	s.actions = append(s.actions, a)
}

func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.expiresAt)
}

// Snapshot renders the session status at now.
func (s *Session) Snapshot(now time.Time) models.SessionStatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionStatusResponse{
		SessionID:        s.id,
		Status:           s.status,
		URL:              s.url,
		CreatedAt:        s.createdAt,
		ExpiresAt:        s.expiresAt,
		RemainingSeconds: remaining(s.expiresAt, now),
		CallCount:        s.callCount,
		HasWebMCP:        s.hasTools,
		ToolCount:        s.toolCount,
		Recording:        s.recording,
	}
}

// Summary renders the session as a listing row.
func (s *Session) Summary(now time.Time) models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionSummary{
		SessionID:        s.id,
		URL:              s.url,
		ExpiresAt:        s.expiresAt,
		RemainingSeconds: remaining(s.expiresAt, now),
		CallCount:        s.callCount,
	}
}

func remaining(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
