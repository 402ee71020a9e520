package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/webmcp-broker/internal/access"
	"github.com/shehryarbajwa/webmcp-broker/internal/audit"
	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/guard"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/internal/proxy"
	"github.com/shehryarbajwa/webmcp-broker/internal/ratelimit"
	"github.com/shehryarbajwa/webmcp-broker/internal/session"
	"github.com/shehryarbajwa/webmcp-broker/internal/tools"
)

// Route templates. The RBAC stage keys its gates on these.
const (
	routeDiscover     = "/discover"
	routeExecute      = "/execute"
	routeSessions     = "/sessions"
	routeSession      = "/sessions/{id}"
	routeNavigate     = "/sessions/{id}/navigate"
	routeTools        = "/sessions/{id}/tools"
	routeAuthenticate = "/sessions/{id}/authenticate"
	routeRecording    = "/sessions/{id}/recording"
	routeToolCall     = "/sessions/{id}/tools/{toolName}/call"
	routeDevTools     = "/sessions/{id}/ws"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Pool     *browser.Pool
	Sessions *session.Manager
	Router   *tools.Router
	Guard    *guard.Guard
	Access   *access.Controller
	Auditor  *audit.Auditor
	// Limiter is optional; nil disables rate limiting.
	Limiter *ratelimit.Limiter
	Bridge  *proxy.Bridge

	NavigationTimeout time.Duration
	// NavigationTool is the automation tool that takes a destination url.
	NavigationTool string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Server is the HTTP surface of the broker.
type Server struct {
	h        *Handler
	pipeline *Pipeline
	router   *mux.Router
}

// NewServer builds the routes and the security pipeline:
// auth, audit, rate limit, RBAC, destination guard.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.NavigationTimeout <= 0 {
		d.NavigationTimeout = 30 * time.Second
	}
	logger := d.Logger.Named("api")

	stages := []Stage{
		AuthStage(d.Access, logger),
		AuditStage(d.Auditor),
	}
	if d.Limiter != nil {
		stages = append(stages, RateLimitStage(d.Limiter, d.Metrics))
	}
	stages = append(stages,
		RBACStage(d.Access),
		GuardStage(d.Guard, d.Metrics),
	)
	p := NewPipeline(d.Metrics, stages...)
	p.navigationTool = d.NavigationTool
	p.OnComplete(auditResponse(d.Auditor))

	s := &Server{
		h:        newHandler(d, logger),
		pipeline: p,
	}
	s.router = s.routes()
	return s
}

// Pipeline exposes the configured stage order.
func (s *Server) Pipeline() *Pipeline { return s.pipeline }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return corsMiddleware(s.router) }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	h := s.h

	// Outside the pipeline: no auth, audit or RBAC.
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("").Subrouter()
	api.Use(s.pipeline.Middleware)

	api.HandleFunc(routeDiscover, h.Discover).Methods(http.MethodPost)
	api.HandleFunc(routeExecute, h.Execute).Methods(http.MethodPost)

	api.HandleFunc(routeSessions, h.CreateSession).Methods(http.MethodPost)
	api.HandleFunc(routeSessions, h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc(routeSession, h.GetSession).Methods(http.MethodGet)
	api.HandleFunc(routeSession, h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc(routeNavigate, h.NavigateSession).Methods(http.MethodPost)
	api.HandleFunc(routeTools, h.ListTools).Methods(http.MethodGet)
	api.HandleFunc(routeAuthenticate, h.Authenticate).Methods(http.MethodPost)
	api.HandleFunc(routeRecording, h.GetRecording).Methods(http.MethodGet)
	api.HandleFunc(routeRecording, h.SetRecording).Methods(http.MethodPost)
	api.HandleFunc(routeToolCall, h.CallTool).Methods(http.MethodPost)
	api.HandleFunc(routeDevTools, h.DevTools).Methods(http.MethodGet)

	return r
}
