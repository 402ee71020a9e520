package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// ErrNotFound covers both unknown and expired sessions.
var ErrNotFound = errors.New("session not found")

const (
	MinTTLMinutes     = 1
	MaxTTLMinutes     = 60
	DefaultTTLMinutes = 15

	maxRecordedActions = 1000
)

// Releaser takes back a browser instance when a session ends.
type Releaser interface {
	Release(ctx context.Context, inst *browser.Instance)
}

// Config holds session lifecycle settings.
type Config struct {
	DefaultTTLMinutes int
	SweepInterval     time.Duration
	RecordingDefault  bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

// CreateOptions are applied to the page before the first navigation.
type CreateOptions struct {
	Viewport     *models.Viewport
	UserAgent    string
	Recording    *bool
	WaitSelector string
}

// Manager is the session store. It maps session ids to their browser
// instance and enforces the absolute TTL.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	releaser Releaser
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Metrics

	releases sync.WaitGroup
}

// NewManager creates a new session manager
func NewManager(r Releaser, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Manager {
	if cfg.DefaultTTLMinutes <= 0 {
		cfg.DefaultTTLMinutes = DefaultTTLMinutes
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		releaser: r,
		cfg:      cfg,
		logger:   logger.Named("session"),
		metrics:  m,
	}
}

// ClampTTL maps a requested TTL in minutes onto the allowed range; zero or
// negative means the configured default.
func (m *Manager) ClampTTL(minutes int) int {
	if minutes <= 0 {
		minutes = m.cfg.DefaultTTLMinutes
	}
	if minutes < MinTTLMinutes {
		return MinTTLMinutes
	}
	if minutes > MaxTTLMinutes {
		return MaxTTLMinutes
	}
	return minutes
}

// Create allocates a session around inst and performs the first navigation.
// The manager owns inst from here on: when navigation fails the instance is
// released (and discarded after a timeout) and no session is stored.
func (m *Manager) Create(ctx context.Context, inst *browser.Instance, initialURL string, ttlMinutes int, opts CreateOptions) (*Session, error) {
	now := m.cfg.Now()
	ttl := m.ClampTTL(ttlMinutes)

	recording := m.cfg.RecordingDefault
	if opts.Recording != nil {
		recording = *opts.Recording
	}

	s := &Session{
		id:        uuid.NewString(),
		inst:      inst,
		op:        semaphore.NewWeighted(1),
		createdAt: now,
		expiresAt: now.Add(time.Duration(ttl) * time.Minute),
		status:    models.StatusCreated,
		recording: recording,
	}

	if err := inst.Configure(ctx, browser.PageOptions{Viewport: opts.Viewport, UserAgent: opts.UserAgent}); err != nil {
		m.abandon(ctx, inst, err)
		return nil, fmt.Errorf("configure page: %w", err)
	}
	if err := inst.Navigate(ctx, initialURL, opts.WaitSelector); err != nil {
		m.abandon(ctx, inst, err)
		return nil, fmt.Errorf("initial navigation: %w", err)
	}

	current, err := inst.URL(ctx)
	if err != nil || current == "" {
		current = initialURL
	}
	s.url = current
	s.status = models.StatusActive

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.abandon(ctx, inst, nil)
		return nil, errors.New("session manager closed")
	}
	m.sessions[s.id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(count)
	m.logger.Info("session created",
		zap.String("session", s.id),
		zap.Int("ttlMinutes", ttl),
		zap.Bool("recording", recording),
	)
	return s, nil
}

func (m *Manager) abandon(ctx context.Context, inst *browser.Instance, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		inst.Taint()
	}
	m.releaser.Release(ctx, inst)
}

// Get returns a live session. Expired sessions are removed on the spot and
// reported as ErrNotFound even if the sweeper has not run yet.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(m.cfg.Now()) {
		m.expire(s)
		return nil, ErrNotFound
	}
	return s, nil
}

// Do runs fn while holding the session's operation lock, so calls against
// one session are applied one at a time. It fails with ErrNotFound if the
// session ended before or while waiting for the lock.
func (m *Manager) Do(ctx context.Context, id string, fn func(s *Session) error) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := s.op.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.op.Release(1)

	if s.Status().Terminal() {
		return ErrNotFound
	}
	if s.expired(m.cfg.Now()) {
		m.expire(s)
		return ErrNotFound
	}
	return fn(s)
}

// RecordAction appends to the session's action log when recording is
// enabled. It never fails; unknown sessions are ignored.
func (m *Manager) RecordAction(id string, a models.RecordedAction) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.record(a)
}

// SetRecording toggles recording for a session.
func (m *Manager) SetRecording(id string, enabled bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.recording = enabled
	s.mu.Unlock()
	m.logger.Debug("recording toggled", zap.String("session", id), zap.Bool("enabled", enabled))
	return nil
}

// Close ends a session and returns its instance to the pool. Closing an
// unknown, expired, or already closed session returns ErrNotFound and
// releases nothing.
func (m *Manager) Close(ctx context.Context, id string) error {
	s := m.remove(id)
	if s == nil {
		return ErrNotFound
	}
	s.setStatus(models.StatusClosed)
	m.releaseWhenIdle(ctx, s)
	m.logger.Info("session closed", zap.String("session", id))
	return nil
}

// remove detaches a session from the map. Only the caller that gets a
// non-nil result may release the instance.
func (m *Manager) remove(id string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.metrics.SetSessions(count)
	return s
}

// releaseWhenIdle waits for an in-flight operation to finish before the
// instance goes back to the pool.
func (m *Manager) releaseWhenIdle(ctx context.Context, s *Session) {
	_ = s.op.Acquire(context.WithoutCancel(ctx), 1)
	defer s.op.Release(1)
	m.releaser.Release(ctx, s.inst)
}

func (m *Manager) expire(s *Session) {
	if m.remove(s.id) == nil {
		return
	}
	s.setStatus(models.StatusExpired)
	m.metrics.SessionExpired()
	m.logger.Info("session expired", zap.String("session", s.id))

	m.releases.Add(1)
	go func() {
		defer m.releases.Done()
		m.releaseWhenIdle(context.Background(), s)
	}()
}

// Sweep expires every session past its deadline and returns how many.
func (m *Manager) Sweep() int {
	now := m.cfg.Now()
	m.mu.RLock()
	var due []*Session
	for _, s := range m.sessions {
		if s.expired(now) {
			due = append(due, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range due {
		m.expire(s)
	}
	return len(due)
}

// Start runs the background sweeper until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("sweep expired sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

// CloseAll closes every session and waits for pending releases. Used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Close(ctx, id)
	}
	m.releases.Wait()
	m.logger.Info("all sessions closed", zap.Int("count", len(ids)))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a summary of every live session, soonest expiry first.
func (m *Manager) List() []models.SessionSummary {
	now := m.cfg.Now()
	m.mu.RLock()
	out := make([]models.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.expired(now) {
			continue
		}
		out = append(out, s.Summary(now))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.cfg.Now() }
