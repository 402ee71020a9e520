package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/browser/browsertest"
	"github.com/shehryarbajwa/webmcp-broker/internal/guard"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

type handler func(ctx context.Context, input map[string]any) (any, error)

// fakePage scripts the page side of a fake driver: declared tools, the
// elements present in the DOM, and the text of the body.
type fakePage struct {
	mu       sync.Mutex
	tools    []models.ToolDescriptor
	handlers map[string]handler
	elements map[string]bool
	text     string
}

func (p *fakePage) declare(name string, h handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tools = append(p.tools, models.ToolDescriptor{Name: name, InputSchema: map[string]any{"type": "object"}})
	if p.handlers == nil {
		p.handlers = map[string]handler{}
	}
	p.handlers[name] = h
}

func (p *fakePage) undeclareAll() {
	p.mu.Lock()
	p.tools = nil
	p.handlers = nil
	p.mu.Unlock()
}

func (p *fakePage) eval(ctx context.Context, js string, args ...any) ([]byte, error) {
	p.mu.Lock()
	switch js {
	case discoverJS:
		tools := append([]models.ToolDescriptor{}, p.tools...)
		p.mu.Unlock()
		return json.Marshal(map[string]any{"hasWebMCP": len(tools) > 0, "tools": tools})
	case invokeJS:
		h := p.handlers[args[0].(string)]
		p.mu.Unlock()
		if h == nil {
			return nil, errors.New("tool not declared")
		}
		input, _ := args[1].(map[string]any)
		out, err := h(ctx, input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	case existsJS:
		found := p.elements[args[0].(string)]
		p.mu.Unlock()
		return json.Marshal(found)
	case textJS:
		text := p.text
		p.mu.Unlock()
		return json.Marshal(text)
	default:
		p.mu.Unlock()
		if js == "() => (1 + 1)" {
			return []byte("2"), nil
		}
		return []byte("null"), nil
	}
}

type recorder struct {
	mu      sync.Mutex
	actions map[string][]models.RecordedAction
}

func (r *recorder) RecordAction(id string, a models.RecordedAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions == nil {
		r.actions = map[string][]models.RecordedAction{}
	}
	r.actions[id] = append(r.actions[id], a)
}

func (r *recorder) get(id string) []models.RecordedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RecordedAction(nil), r.actions[id]...)
}

type harness struct {
	router *Router
	rec    *recorder
	page   *fakePage
	inst   *browser.Instance
	driver *browsertest.Driver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	page := &fakePage{elements: map[string]bool{}}
	l := browsertest.NewLauncher()
	l.Prepare = func(d *browsertest.Driver) { d.SetEval(page.eval) }
	pool := browser.NewPool(l, browser.PoolConfig{MaxInstances: 1, AcquireTimeout: time.Second}, logging.Nop(), nil)
	t.Cleanup(func() { _ = pool.CloseAll() })

	inst, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	d := browsertest.DriverOf(inst)
	d.SetURL("https://shop.example.com/")

	rec := &recorder{}
	auto := NewAutomation("browser_", guard.New(nil, nil))
	r := NewRouter(NewPageReader(), auto, rec, nil, time.Second, logging.Nop(), nil)
	return &harness{router: r, rec: rec, page: page, inst: inst, driver: d}
}

func TestExecute_DeclaredToolReturnedVerbatim(t *testing.T) {
	h := newHarness(t)
	h.page.declare("search_products", func(ctx context.Context, in map[string]any) (any, error) {
		return map[string]any{"query": in["q"], "hits": 3}, nil
	})

	res, err := h.router.Execute(context.Background(), h.inst, Call{
		SessionID: "s1", Tool: "search_products", Input: map[string]any{"q": "lamp"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, models.SourceDeclared, res.Source)
	assert.Equal(t, map[string]any{"query": "lamp", "hits": float64(3)}, res.Result)
	assert.False(t, res.PageChanged)
	assert.Empty(t, res.NewURL)
}

func TestExecute_PageChangedWhenURLMoves(t *testing.T) {
	h := newHarness(t)
	h.page.declare("checkout", func(ctx context.Context, in map[string]any) (any, error) {
		h.driver.SetURL("https://shop.example.com/checkout")
		return "ok", nil
	})

	res, err := h.router.Execute(context.Background(), h.inst, Call{Tool: "checkout"})
	require.NoError(t, err)
	assert.True(t, res.PageChanged)
	assert.Equal(t, "https://shop.example.com/checkout", res.NewURL)
}

func TestExecute_DeclaredToolWinsOverAutomation(t *testing.T) {
	h := newHarness(t)
	h.page.declare("browser_click", func(ctx context.Context, in map[string]any) (any, error) {
		return "page handled it", nil
	})

	res, err := h.router.Execute(context.Background(), h.inst, Call{Tool: "browser_click"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceDeclared, res.Source)
	assert.Equal(t, "page handled it", res.Result)
}

func TestExecute_AutomationFailureIsRecorded(t *testing.T) {
	h := newHarness(t)

	res, err := h.router.Execute(context.Background(), h.inst, Call{
		SessionID: "s1", Tool: "browser_click", Input: map[string]any{"selector": "#missing"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.OutcomeError, res.Outcome)
	assert.Equal(t, models.SourceAutomation, res.Source)
	assert.Contains(t, res.Error, "element not found: #missing")
	assert.False(t, h.inst.Tainted())

	actions := h.rec.get("s1")
	require.Len(t, actions, 1)
	assert.Equal(t, "browser_click", actions[0].ToolName)
	assert.False(t, actions[0].Success)
	assert.Equal(t, "#missing", actions[0].Input["selector"])
}

func TestExecute_AutomationReadsPage(t *testing.T) {
	h := newHarness(t)
	h.page.text = "Welcome back"

	res, err := h.router.Execute(context.Background(), h.inst, Call{Tool: "browser_get_text"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"text": "Welcome back"}, res.Result)

	res, err = h.router.Execute(context.Background(), h.inst, Call{
		Tool: "browser_evaluate", Input: map[string]any{"script": "1 + 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), res.Result)
}

func TestExecute_NotFoundListsAvailableTools(t *testing.T) {
	h := newHarness(t)
	h.page.declare("add_to_cart", func(context.Context, map[string]any) (any, error) { return nil, nil })

	for _, name := range []string{"browser_teleport", "delete_everything", "Add_To_Cart"} {
		res, err := h.router.Execute(context.Background(), h.inst, Call{SessionID: "s1", Tool: name})
		require.ErrorIs(t, err, ErrToolNotFound, name)
		assert.Equal(t, models.OutcomeNotFound, res.Outcome)
		assert.False(t, res.Success)
		assert.Contains(t, res.AvailableTools, "add_to_cart")
		assert.Contains(t, res.AvailableTools, "browser_click")
	}
	assert.Len(t, h.rec.get("s1"), 3, "not found attempts are recorded too")
}

func TestExecute_TimeoutTaintsInstance(t *testing.T) {
	h := newHarness(t)
	h.page.declare("slow_report", func(ctx context.Context, in map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := h.router.Execute(context.Background(), h.inst, Call{
		SessionID: "s1", Tool: "slow_report", Timeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
	assert.False(t, res.Success)
	assert.True(t, h.inst.Tainted())
	assert.False(t, res.PageChanged)
}

func TestExecute_DeclaredErrorResult(t *testing.T) {
	h := newHarness(t)
	h.page.declare("apply_coupon", func(context.Context, map[string]any) (any, error) {
		return map[string]any{
			"isError": true,
			"content": []any{map[string]any{"type": "text", "text": "coupon expired"}},
		}, nil
	})

	res, err := h.router.Execute(context.Background(), h.inst, Call{Tool: "apply_coupon"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.OutcomeError, res.Outcome)
	assert.Equal(t, "coupon expired", res.Error)
	assert.NotNil(t, res.Result)
}

func TestExecute_RedactsResult(t *testing.T) {
	h := newHarness(t)
	h.page.declare("get_profile", func(context.Context, map[string]any) (any, error) {
		return map[string]any{"contact": "mail jane@example.com", "password": "hunter2"}, nil
	})

	res, err := h.router.Execute(context.Background(), h.inst, Call{Tool: "get_profile"})
	require.NoError(t, err)
	out := res.Result.(map[string]any)
	assert.NotContains(t, out["contact"], "jane@example.com")
	assert.Equal(t, "[REDACTED]", out["password"])
}

func TestExecute_NavigatePrimitiveChecksDestination(t *testing.T) {
	h := newHarness(t)

	res, err := h.router.Execute(context.Background(), h.inst, Call{
		Tool: "browser_navigate", Input: map[string]any{"url": "http://169.254.169.254/latest/meta-data"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, string(guard.ReasonMetadata))
	assert.Empty(t, h.driver.Visited())

	res, err = h.router.Execute(context.Background(), h.inst, Call{
		Tool: "browser_navigate", Input: map[string]any{"url": "https://docs.example.com/"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.PageChanged)
	assert.Equal(t, "https://docs.example.com/", res.NewURL)
}

func TestDiscover_NeverCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.router.Discover(ctx, h.inst)
	require.NoError(t, err)
	assert.False(t, first.HasDeclaredTools)
	assert.Empty(t, first.Tools)

	h.page.declare("open_cart", func(context.Context, map[string]any) (any, error) { return nil, nil })
	second, err := h.router.Discover(ctx, h.inst)
	require.NoError(t, err)
	assert.True(t, second.HasDeclaredTools)
	assert.Equal(t, []string{"open_cart"}, second.Names())

	h.page.undeclareAll()
	third, err := h.router.Discover(ctx, h.inst)
	require.NoError(t, err)
	assert.False(t, third.HasDeclaredTools)
}

func TestAutomation_Lookup(t *testing.T) {
	a := NewAutomation("browser_", nil)

	_, ok := a.Lookup("browser_click")
	assert.True(t, ok)
	_, ok = a.Lookup("browser_fly")
	assert.False(t, ok)
	_, ok = a.Lookup("click")
	assert.False(t, ok)

	a.Register("fly", func(context.Context, *browser.Instance, map[string]any) (any, error) { return "wheee", nil })
	_, ok = a.Lookup("browser_fly")
	assert.True(t, ok)
	assert.Contains(t, a.Names(), "browser_fly")
}

func TestAsFunction(t *testing.T) {
	assert.Equal(t, "() => (document.title)", asFunction("document.title;"))
	assert.Equal(t, "() => 1", asFunction("() => 1"))
	assert.Equal(t, "async () => fetch('/x')", asFunction("async () => fetch('/x')"))
	assert.Equal(t, "function () { return 1 }", asFunction("function () { return 1 }"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "abc", truncate("abc", 0))

	// "é" is two bytes; a cut through it falls back to the rune start.
	got := truncate("caféteria", 4)
	assert.Equal(t, "caf", got)
	assert.True(t, utf8.ValidString(got))

	got = truncate("日本語", 5)
	assert.Equal(t, "日", got)
	assert.True(t, utf8.ValidString(got))
}
