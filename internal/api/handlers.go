package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/guard"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/internal/proxy"
	"github.com/shehryarbajwa/webmcp-broker/internal/session"
	"github.com/shehryarbajwa/webmcp-broker/internal/tools"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	pool       *browser.Pool
	sessions   *session.Manager
	router     *tools.Router
	guard      *guard.Guard
	bridge     *proxy.Bridge
	navTimeout time.Duration
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

func newHandler(d Deps, logger *logging.Logger) *Handler {
	return &Handler{
		pool:       d.Pool,
		sessions:   d.Sessions,
		router:     d.Router,
		guard:      d.Guard,
		bridge:     d.Bridge,
		navTimeout: d.NavigationTimeout,
		logger:     logger,
		metrics:    d.Metrics,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:         "ok",
		ActiveSessions: h.sessions.Count(),
		Pool:           h.pool.Stats(),
	})
}

// Discover handles POST /discover. It borrows an instance for one scan.
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req models.DiscoverRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required", "missing_field", nil)
		return
	}
	if !h.admit(w, r, req.URL) {
		return
	}

	inst, err := h.pool.Acquire(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer h.pool.Release(r.Context(), inst)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout(req.Timeout))
	defer cancel()
	if err := inst.Navigate(ctx, req.URL, req.WaitForSelector); err != nil {
		h.navigationFailed(w, r, inst, err)
		return
	}

	disc, err := h.router.Discover(ctx, inst)
	if err != nil {
		taintOnTimeout(ctx, inst, err)
		h.fail(w, r, err)
		return
	}
	current, _ := inst.URL(ctx)
	if current == "" {
		current = req.URL
	}
	title, _ := inst.Title(ctx)

	writeJSON(w, http.StatusOK, models.DiscoverResponse{
		URL:            current,
		Title:          title,
		HasWebMCP:      disc.HasDeclaredTools,
		ToolCount:      len(disc.Tools),
		Tools:          disc.Tools,
		ServerInfo:     disc.ServerInfo,
		ScanDurationMs: time.Since(start).Milliseconds(),
	})
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required", "missing_field", nil)
		return
	}
	if req.Viewport != nil && (req.Viewport.Width <= 0 || req.Viewport.Height <= 0) {
		writeError(w, http.StatusBadRequest, "viewport width and height must be positive", "invalid_field", nil)
		return
	}
	if !h.admit(w, r, req.URL) {
		return
	}

	inst, err := h.pool.Acquire(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.navTimeout)
	defer cancel()
	s, err := h.sessions.Create(ctx, inst, req.URL, req.TTLMinutes, session.CreateOptions{
		Viewport:  req.Viewport,
		UserAgent: req.UserAgent,
		Recording: req.Recording,
	})
	if err != nil {
		// Create already handed the instance back.
		h.fail(w, r, err)
		return
	}
	if rc := FromContext(r.Context()); rc != nil {
		rc.SessionID = s.ID()
	}

	declared := []models.ToolDescriptor{}
	hasTools := false
	if disc, err := h.router.Discover(ctx, s.Instance()); err == nil {
		declared, hasTools = disc.Tools, disc.HasDeclaredTools
	} else {
		taintOnTimeout(ctx, s.Instance(), err)
		h.logger.Warn("initial discovery failed", zap.String("session", s.ID()), zap.Error(err))
	}
	s.SetDiscovery(hasTools, len(declared))

	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		SessionID: s.ID(),
		URL:       s.URL(),
		ExpiresAt: s.ExpiresAt(),
		HasWebMCP: hasTools,
		Tools:     declared,
	})
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot(h.sessions.Now()))
}

// ListSessions handles GET /sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.List()})
}

// DeleteSession handles DELETE /sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NavigateSession handles POST /sessions/{id}/navigate
func (h *Handler) NavigateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.NavigateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required", "missing_field", nil)
		return
	}
	if !h.admit(w, r, req.URL) {
		return
	}

	var resp models.NavigateResponse
	err := h.sessions.Do(r.Context(), id, func(s *session.Session) error {
		inst := s.Instance()
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout(req.Timeout))
		defer cancel()
		if err := inst.Navigate(ctx, req.URL, req.WaitForSelector); err != nil {
			taintOnTimeout(ctx, inst, err)
			return navigationError{err}
		}
		current, _ := inst.URL(ctx)
		if current == "" {
			current = req.URL
		}
		s.SetURL(current)
		title, _ := inst.Title(ctx)

		disc, err := h.router.Discover(ctx, inst)
		if err != nil {
			taintOnTimeout(ctx, inst, err)
			return err
		}
		s.SetDiscovery(disc.HasDeclaredTools, len(disc.Tools))
		resp = models.NavigateResponse{
			SessionID: id,
			URL:       current,
			Title:     title,
			HasWebMCP: disc.HasDeclaredTools,
			Tools:     disc.Tools,
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTools handles GET /sessions/{id}/tools
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var resp models.ToolsResponse
	err := h.sessions.Do(r.Context(), id, func(s *session.Session) error {
		ctx, cancel := context.WithTimeout(r.Context(), h.navTimeout)
		defer cancel()
		disc, err := h.router.Discover(ctx, s.Instance())
		if err != nil {
			taintOnTimeout(ctx, s.Instance(), err)
			return err
		}
		s.SetDiscovery(disc.HasDeclaredTools, len(disc.Tools))
		resp = models.ToolsResponse{
			SessionID:  id,
			URL:        s.URL(),
			HasWebMCP:  disc.HasDeclaredTools,
			ToolCount:  len(disc.Tools),
			Tools:      disc.Tools,
			ServerInfo: disc.ServerInfo,
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Authenticate handles POST /sessions/{id}/authenticate
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.AuthenticateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, "nothing to inject", "missing_field",
			"provide cookies, localStorage, sessionStorage or headers")
		return
	}

	err := h.sessions.Do(r.Context(), id, func(s *session.Session) error {
		ctx, cancel := context.WithTimeout(r.Context(), h.navTimeout)
		defer cancel()
		return s.Instance().InjectAuth(ctx, req)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"success":   true,
		"injected": map[string]int{
			"cookies":        len(req.Cookies),
			"localStorage":   len(req.LocalStorage),
			"sessionStorage": len(req.SessionStorage),
			"headers":        len(req.Headers),
		},
	})
}

// GetRecording handles GET /sessions/{id}/recording
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RecordingResponse{
		SessionID: s.ID(),
		Recording: s.Recording(),
		Actions:   s.Actions(),
	})
}

// SetRecording handles POST /sessions/{id}/recording
func (h *Handler) SetRecording(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req models.RecordingRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if err := h.sessions.SetRecording(id, req.Enabled); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetRecording(w, r)
}

// CallTool handles POST /sessions/{id}/tools/{toolName}/call
func (h *Handler) CallTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["toolName"]
	var req models.CallToolRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	var res models.ExecutionResult
	err := h.sessions.Do(r.Context(), id, func(s *session.Session) error {
		var execErr error
		res, execErr = h.router.Execute(r.Context(), s.Instance(), tools.Call{
			SessionID: id,
			Tool:      name,
			Input:     req.Input,
			Timeout:   time.Duration(req.Timeout) * time.Millisecond,
		})
		if res.Outcome != models.OutcomeNotFound {
			s.IncrementCalls()
		}
		if res.PageChanged {
			s.SetURL(res.NewURL)
			h.refreshDiscovery(r.Context(), s)
		}
		return execErr
	})
	if err != nil && !errors.Is(err, tools.ErrToolNotFound) {
		h.fail(w, r, err)
		return
	}
	h.writeExecution(w, r, res)
}

// Execute handles POST /execute: navigate, run one tool, release.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.URL == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "url and toolName are required", "missing_field", nil)
		return
	}
	if !h.admit(w, r, req.URL) {
		return
	}

	inst, err := h.pool.Acquire(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer h.pool.Release(r.Context(), inst)

	navCtx, cancel := context.WithTimeout(r.Context(), h.navTimeout)
	err = inst.Navigate(navCtx, req.URL, req.WaitForSelector)
	cancel()
	if err != nil {
		h.navigationFailed(w, r, inst, err)
		return
	}

	res, _ := h.router.Execute(r.Context(), inst, tools.Call{
		Tool:    req.ToolName,
		Input:   req.Input,
		Timeout: time.Duration(req.Timeout) * time.Millisecond,
	})
	h.writeExecution(w, r, res)
}

// DevTools handles GET /sessions/{id}/ws
func (h *Handler) DevTools(w http.ResponseWriter, r *http.Request) {
	err := h.bridge.Serve(w, r, mux.Vars(r)["id"])
	switch {
	case err == nil:
	case errors.Is(err, proxy.ErrNoEndpoint):
		writeError(w, http.StatusConflict, err.Error(), "no_debug_endpoint", nil)
	case errors.Is(err, session.ErrNotFound):
		h.fail(w, r, err)
	default:
		h.logger.Warn("devtools dial failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not reach the browser debugging endpoint", "upstream_unreachable", nil)
	}
}

func (h *Handler) refreshDiscovery(ctx context.Context, s *session.Session) {
	ctx, cancel := context.WithTimeout(ctx, h.navTimeout)
	defer cancel()
	disc, err := h.router.Discover(ctx, s.Instance())
	if err != nil {
		taintOnTimeout(ctx, s.Instance(), err)
		return
	}
	s.SetDiscovery(disc.HasDeclaredTools, len(disc.Tools))
}

// writeExecution maps an execution envelope onto a status code. Failed
// executions still carry the full envelope.
func (h *Handler) writeExecution(w http.ResponseWriter, r *http.Request, res models.ExecutionResult) {
	FromContext(r.Context()).SetOutcome(res.Success, res.PageChanged, res.Error)

	status := http.StatusOK
	switch res.Outcome {
	case models.OutcomeNotFound:
		status = http.StatusNotFound
	case models.OutcomeTimeout:
		status = http.StatusRequestTimeout
	case models.OutcomeError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

type navigationError struct{ err error }

func (e navigationError) Error() string { return "navigation failed: " + e.err.Error() }
func (e navigationError) Unwrap() error { return e.err }

func (h *Handler) navigationFailed(w http.ResponseWriter, r *http.Request, inst *browser.Instance, err error) {
	taintOnTimeout(r.Context(), inst, err)
	h.fail(w, r, navigationError{err})
}

// taintOnTimeout marks inst for discard when err came from an expired
// deadline. Its page state is unknown after an aborted operation.
func taintOnTimeout(ctx context.Context, inst *browser.Instance, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		inst.Taint()
	}
}

// admit runs right before an instance is acquired for rawURL. The pipeline
// vetted rc.Destination, so the handler must be about to use that same URL,
// and the guard must still accept it.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, rawURL string) bool {
	rc := FromContext(r.Context())
	if rc != nil && rc.Destination != rawURL {
		rc.Error = "destination mismatch"
		writeError(w, http.StatusBadRequest, "url could not be read unambiguously", "invalid_body", nil)
		return false
	}
	if h.guard == nil {
		return true
	}
	d := h.guard.IsAllowed(rawURL)
	if d.Allowed {
		return true
	}
	h.metrics.Blocked("admission", string(d.Reason))
	if rc != nil {
		rc.Error = d.Error()
	}
	writeError(w, http.StatusForbidden, "destination not allowed", string(d.Reason), d.Detail)
	return false
}

// fail classifies err into the error taxonomy and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classify(err)
	if rc := FromContext(r.Context()); rc != nil {
		rc.Error = err.Error()
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, msg, reason, nil)
}

func classify(err error) (int, string) {
	var decision guard.Decision
	var nav navigationError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, tools.ErrToolNotFound):
		return http.StatusNotFound, "tool_not_found"
	case errors.Is(err, browser.ErrPoolExhausted), errors.Is(err, browser.ErrPoolClosed):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout"
	case errors.As(err, &decision):
		return http.StatusForbidden, string(decision.Reason)
	case strings.Contains(err.Error(), "ERR_BLOCKED_BY_CLIENT"):
		return http.StatusForbidden, "blocked_by_network_guard"
	case errors.As(err, &nav):
		return http.StatusInternalServerError, "navigation_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) timeout(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return h.navTimeout
}

// decodeBody decodes a JSON body. An empty body is only accepted when
// required is false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (errors.Is(err, io.EOF) && !required) {
		return true
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "request body is required", "invalid_body", nil)
		return false
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_body", nil)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, reason string, details any) {
	writeJSON(w, status, models.ErrorResponse{Error: msg, Reason: reason, Details: details})
}
