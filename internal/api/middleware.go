package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/access"
	"github.com/shehryarbajwa/webmcp-broker/internal/audit"
	"github.com/shehryarbajwa/webmcp-broker/internal/guard"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/internal/ratelimit"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// Stage names, in the order the server installs them.
const (
	StageAuth      = "auth"
	StageAudit     = "audit"
	StageRateLimit = "ratelimit"
	StageRBAC      = "rbac"
	StageGuard     = "destination_guard"
)

// AuthStage resolves the caller or answers 401.
func AuthStage(ctrl *access.Controller, logger *logging.Logger) Stage {
	return Stage{Name: StageAuth, Run: func(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
		id, err := ctrl.Authenticate(r)
		if err != nil {
			logger.Debug("authentication failed",
				zap.String("correlationId", rc.CorrelationID), zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "", publicAuthError(err))
			return false
		}
		rc.Identity = id
		return true
	}}
}

func publicAuthError(err error) string {
	if errors.Is(err, access.ErrUnauthorized) {
		return err.Error()
	}
	return "invalid credentials"
}

// AuditStage writes the request entry and marks the request for a
// response entry once it completes.
func AuditStage(a *audit.Auditor) Stage {
	return Stage{Name: StageAudit, Run: func(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
		if !a.Enabled() {
			return true
		}
		rc.audited = true
		a.Record(models.AuditEntry{
			Timestamp:     rc.Start.UTC(),
			CorrelationID: rc.CorrelationID,
			Action:        models.AuditRequest,
			Method:        r.Method,
			Path:          r.URL.Path,
			SessionID:     rc.SessionID,
			ToolName:      rc.ToolName,
			Caller:        rc.Identity.Fingerprint,
			Role:          string(rc.Identity.Role),
			Destination:   rc.Destination,
		})
		return true
	}}
}

// auditResponse is the completion hook paired with AuditStage.
func auditResponse(a *audit.Auditor) func(rc *RequestContext) {
	return func(rc *RequestContext) {
		if !rc.audited {
			return
		}
		a.Record(models.AuditEntry{
			Timestamp:     time.Now().UTC(),
			CorrelationID: rc.CorrelationID,
			Action:        models.AuditResponse,
			Method:        rc.Method,
			Path:          rc.Path,
			SessionID:     rc.SessionID,
			ToolName:      rc.ToolName,
			Caller:        rc.Identity.Fingerprint,
			Role:          string(rc.Identity.Role),
			Status:        rc.Status,
			DurationMs:    time.Since(rc.Start).Milliseconds(),
			Success:       rc.Success,
			PageChanged:   rc.PageChanged,
			Destination:   rc.Destination,
			Error:         rc.Error,
		})
	}
}

// RateLimitStage throttles each caller fingerprint independently.
func RateLimitStage(l *ratelimit.Limiter, m *metrics.Metrics) Stage {
	return Stage{Name: StageRateLimit, Run: func(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
		key := rc.Identity.Fingerprint
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
		if !l.Allow(key) {
			wait := l.RetryAfter(key)
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			m.Throttled()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited", nil)
			return false
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens(key))))
		return true
	}}
}

// RBACStage applies the role gates that the route and body call for.
func RBACStage(ctrl *access.Controller) Stage {
	return Stage{Name: StageRBAC, Run: func(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
		for _, g := range gatesFor(r.Method, rc) {
			if d := ctrl.Authorize(rc.Identity, g, rc.ToolName); d != nil {
				rc.Error = d.Reason
				writeError(w, http.StatusForbidden, "forbidden", d.Reason, map[string]string{
					"role": string(d.Role),
					"gate": string(d.Gate),
				})
				return false
			}
		}
		return true
	}}
}

// gatesFor maps a request onto the gates it must pass.
func gatesFor(method string, rc *RequestContext) []access.Gate {
	var gates []access.Gate
	if rc.Destination != "" {
		gates = append(gates, access.GateNavigate)
	}
	switch rc.Route {
	case routeSessions:
		if method == http.MethodPost {
			gates = append(gates, access.GateCreate)
		} else {
			gates = append(gates, access.GateManage)
		}
	case routeRecording:
		if method == http.MethodPost {
			gates = append(gates, access.GateManage)
		}
	case routeAuthenticate:
		gates = append(gates, access.GateManage)
	case routeToolCall, routeExecute:
		gates = append(gates, access.GateTool)
	case routeDevTools:
		gates = append(gates, access.GateDebug)
	}
	return gates
}

// GuardStage rejects requests whose destination the guard refuses, before
// any browser instance is acquired.
func GuardStage(g *guard.Guard, m *metrics.Metrics) Stage {
	return Stage{Name: StageGuard, Run: func(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
		if rc.Destination == "" {
			return true
		}
		d := g.IsAllowed(rc.Destination)
		if d.Allowed {
			return true
		}
		m.Blocked("admission", string(d.Reason))
		rc.Error = d.Error()
		writeError(w, http.StatusForbidden, "destination not allowed", string(d.Reason), d.Detail)
		return false
	}}
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Correlation-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
