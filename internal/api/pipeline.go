package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/webmcp-broker/internal/access"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
)

const (
	maxBodyBytes        = 1 << 20
	correlationIDHeader = "X-Correlation-ID"
)

// RequestContext travels with a request through the pipeline and the
// handler. Stages fill in identity and the peeked body fields; handlers
// fill in the outcome.
type RequestContext struct {
	CorrelationID string
	Start         time.Time
	Method        string
	Path          string
	Route         string
	Identity      *access.Identity

	SessionID   string
	ToolName    string
	Destination string

	Status      int
	Success     *bool
	PageChanged *bool
	Error       string

	audited bool
}

type ctxKey struct{}

// FromContext returns the RequestContext of a request inside the pipeline.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}

// SetOutcome records what a tool execution did.
func (rc *RequestContext) SetOutcome(success, pageChanged bool, errMsg string) {
	if rc == nil {
		return
	}
	rc.Success = &success
	rc.PageChanged = &pageChanged
	rc.Error = errMsg
}

// Stage is one interceptor. It returns false after writing a response to
// stop the request.
type Stage struct {
	Name string
	Run  func(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool
}

// Pipeline runs its stages in order in front of a handler.
type Pipeline struct {
	stages  []Stage
	after   []func(rc *RequestContext)
	metrics *metrics.Metrics

	// navigationTool is the automation tool whose input.url is a destination.
	navigationTool string
}

// NewPipeline builds a pipeline from stages in the order given.
func NewPipeline(m *metrics.Metrics, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, metrics: m}
}

// OnComplete registers a hook that runs after every request, whether a
// stage short-circuited it or the handler ran.
func (p *Pipeline) OnComplete(fn func(rc *RequestContext)) {
	p.after = append(p.after, fn)
}

// Names lists the stages in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Middleware adapts the pipeline to mux.Router.Use. Route variables are
// already resolved when it runs.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{
			CorrelationID: r.Header.Get(correlationIDHeader),
			Start:         time.Now(),
			Method:        r.Method,
			Path:          r.URL.Path,
			Route:         routeTemplate(r),
		}
		if rc.CorrelationID == "" {
			rc.CorrelationID = uuid.NewString()
		}
		w.Header().Set(correlationIDHeader, rc.CorrelationID)
		peek(r, rc, p.navigationTool)

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, rc))

		defer func() {
			rc.Status = rw.status
			p.metrics.ObserveRequest(r.Method, rc.Route, rw.status, time.Since(rc.Start))
			for _, fn := range p.after {
				fn(rc)
			}
		}()

		for _, s := range p.stages {
			if !s.Run(rw, r, rc) {
				return
			}
		}
		next.ServeHTTP(rw, r)
	})
}

// peek reads the identifiers the stages need from the route and the JSON
// body, then restores the body for the handler. Each field is decoded on
// its own, so a malformed sibling cannot hide the destination. Bodies that
// are not JSON objects are left for the handler to reject.
func peek(r *http.Request, rc *RequestContext, navigationTool string) {
	vars := mux.Vars(r)
	rc.SessionID = vars["id"]
	rc.ToolName = vars["toolName"]

	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodDelete {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return
	}
	if rc.ToolName == "" {
		rc.ToolName = stringField(fields, "toolName")
	}
	rc.Destination = stringField(fields, "url")
	// A navigation tool carries its destination in the input.
	if rc.Destination == "" && navigationTool != "" && rc.ToolName == navigationTool {
		var input map[string]json.RawMessage
		if in, ok := field(fields, "input"); ok && json.Unmarshal(in, &input) == nil {
			rc.Destination = stringField(input, "url")
		}
	}
}

// field looks a key up the way encoding/json matches struct fields: an
// exact match first, then a case-insensitive one.
func field(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := fields[key]; ok {
		return v, true
	}
	for k, v := range fields {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := field(fields, key)
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// statusWriter remembers the status code. It passes Hijack through so the
// DevTools bridge can upgrade.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
