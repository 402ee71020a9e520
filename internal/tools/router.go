// Package tools resolves and runs tools against a browser page: tools the
// page declares itself first, the built-in automation table second.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/internal/redact"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// ErrToolNotFound is returned when neither the page nor the automation
// table provides the requested tool.
var ErrToolNotFound = errors.New("tool not found")

const (
	defaultTimeout = 30 * time.Second
	probeTimeout   = 3 * time.Second
)

// Recorder receives every execution attempt.
type Recorder interface {
	RecordAction(sessionID string, a models.RecordedAction)
}

// Call is one tool invocation request.
type Call struct {
	// SessionID is empty for stateless executions, which are not recorded.
	SessionID string
	Tool      string
	Input     map[string]any
	Timeout   time.Duration
}

type Router struct {
	reader   Reader
	auto     *Automation
	recorder Recorder
	redactor *redact.Redactor
	timeout  time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewRouter wires the router. recorder and redactor may be nil.
func NewRouter(reader Reader, auto *Automation, recorder Recorder, redactor *redact.Redactor, timeout time.Duration, logger *logging.Logger, m *metrics.Metrics) *Router {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if redactor == nil {
		redactor = redact.Default()
	}
	return &Router{
		reader:   reader,
		auto:     auto,
		recorder: recorder,
		redactor: redactor,
		timeout:  timeout,
		logger:   logger.Named("tools"),
		metrics:  m,
	}
}

// Discover reads the page's current tool set. It is never cached.
func (r *Router) Discover(ctx context.Context, inst *browser.Instance) (*models.Discovery, error) {
	d, err := r.reader.Discover(ctx, inst)
	if err != nil {
		return nil, err
	}
	if d.ServerInfo != nil {
		d.ServerInfo = r.redactor.Map(d.ServerInfo)
	}
	return d, nil
}

// Execute resolves and runs one tool and always returns a filled envelope.
// The error is ErrToolNotFound when nothing ran; failures of a tool that did
// run are reported in the envelope only.
func (r *Router) Execute(ctx context.Context, inst *browser.Instance, call Call) (models.ExecutionResult, error) {
	start := time.Now()
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := models.ExecutionResult{ToolName: call.Tool}
	before, _ := inst.URL(tctx)

	var (
		out    any
		runErr error
	)
	disc, derr := r.reader.Discover(tctx, inst)
	switch {
	case derr != nil && timedOut(tctx, derr):
		runErr = derr
	case hasTool(disc, call.Tool):
		res.Source = models.SourceDeclared
		out, runErr = r.reader.Invoke(tctx, inst, call.Tool, call.Input)
	default:
		if derr != nil {
			r.logger.Debug("discovery failed, trying automation", zap.String("tool", call.Tool), zap.Error(derr))
		}
		prim, ok := r.auto.Lookup(call.Tool)
		if !ok {
			res.Outcome = models.OutcomeNotFound
			res.Error = fmt.Sprintf("%s: %s", ErrToolNotFound, call.Tool)
			res.AvailableTools = r.available(disc)
			res.ExecutionTimeMs = time.Since(start).Milliseconds()
			r.finish(call, res, before)
			return res, fmt.Errorf("%w: %s", ErrToolNotFound, call.Tool)
		}
		res.Source = models.SourceAutomation
		out, runErr = prim(tctx, inst, orEmpty(call.Input))
	}

	after := before
	switch {
	case runErr == nil:
		res.Success = true
		res.Outcome = models.OutcomeSuccess
		res.Result = r.redactor.Value(out)
		if msg, failed := declaredFailure(out); failed && res.Source == models.SourceDeclared {
			res.Success = false
			res.Outcome = models.OutcomeError
			res.Error = r.redactor.String(msg)
		}
	case timedOut(tctx, runErr):
		res.Outcome = models.OutcomeTimeout
		res.Error = fmt.Sprintf("tool %s timed out after %s", call.Tool, timeout)
		inst.Taint()
		r.logger.Warn("tool timed out, instance will be discarded",
			zap.String("tool", call.Tool), zap.String("instance", inst.ID()), zap.Duration("timeout", timeout))
	default:
		res.Outcome = models.OutcomeError
		res.Error = r.redactor.String(runErr.Error())
		r.checkCrash(ctx, inst)
	}

	if res.Outcome != models.OutcomeTimeout {
		pctx, pcancel := context.WithTimeout(ctx, probeTimeout)
		if u, err := inst.URL(pctx); err == nil {
			after = u
		}
		pcancel()
	}
	if after != before {
		res.PageChanged = true
		res.NewURL = after
	}
	res.ExecutionTimeMs = time.Since(start).Milliseconds()
	r.finish(call, res, after)
	return res, nil
}

func (r *Router) finish(call Call, res models.ExecutionResult, pageURL string) {
	source := string(res.Source)
	if source == "" {
		source = "none"
	}
	r.metrics.ObserveTool(source, string(res.Outcome), time.Duration(res.ExecutionTimeMs)*time.Millisecond)
	r.logger.Debug("tool executed",
		zap.String("session", call.SessionID),
		zap.String("tool", call.Tool),
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("ms", res.ExecutionTimeMs),
	)

	if r.recorder == nil || call.SessionID == "" {
		return
	}
	r.recorder.RecordAction(call.SessionID, models.RecordedAction{
		Timestamp:  time.Now().UTC(),
		ToolName:   call.Tool,
		Input:      r.redactor.Map(call.Input),
		Success:    res.Success,
		DurationMs: res.ExecutionTimeMs,
		URL:        pageURL,
		Error:      res.Error,
	})
}

// checkCrash taints an instance whose browser stopped answering.
func (r *Router) checkCrash(ctx context.Context, inst *browser.Instance) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	if !inst.Alive(pctx) {
		inst.Taint()
		r.logger.Warn("browser unresponsive after tool failure", zap.String("instance", inst.ID()))
	}
}

func (r *Router) available(d *models.Discovery) []string {
	names := d.Names()
	return append(names, r.auto.Names()...)
}

func hasTool(d *models.Discovery, name string) bool {
	_, ok := d.Find(name)
	return ok
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
