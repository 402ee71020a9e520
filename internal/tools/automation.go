package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/guard"
)

// Primitive is one generic automation command.
type Primitive func(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error)

// Destinations decides whether a navigation target may be visited.
type Destinations interface {
	IsAllowed(raw string) guard.Decision
}

var errNoPage = errors.New("no live browser page")

// Automation is the command table of built-in primitives, keyed by their
// full prefixed name.
type Automation struct {
	prefix string
	dest   Destinations
	table  map[string]Primitive
}

// NewAutomation builds the default table. dest may be nil to skip
// destination checks on navigation.
func NewAutomation(prefix string, dest Destinations) *Automation {
	if prefix == "" {
		prefix = "browser_"
	}
	a := &Automation{prefix: prefix, dest: dest, table: map[string]Primitive{}}

	a.Register("navigate", a.navigate)
	a.Register("go_back", goBack)
	a.Register("click", click)
	a.Register("type", typeText)
	a.Register("fill", fill)
	a.Register("press", press)
	a.Register("hover", hover)
	a.Register("scroll", scroll)
	a.Register("select", selectOption)
	a.Register("wait_for", waitFor)
	a.Register("get_text", getText)
	a.Register("snapshot", snapshot)
	a.Register("screenshot", screenshot)
	a.Register("evaluate", evaluate)
	return a
}

// Register adds or replaces a primitive. name is given without the prefix.
func (a *Automation) Register(name string, p Primitive) {
	a.table[a.prefix+name] = p
}

// Prefix returns the naming convention for automation tools.
func (a *Automation) Prefix() string { return a.prefix }

// Lookup finds a primitive by its full name. A name carrying the prefix is
// only a hint; unknown names are not found.
func (a *Automation) Lookup(name string) (Primitive, bool) {
	if !strings.HasPrefix(name, a.prefix) {
		return nil, false
	}
	p, ok := a.table[name]
	return p, ok
}

// Names returns every registered primitive name, sorted.
func (a *Automation) Names() []string {
	names := make([]string, 0, len(a.table))
	for n := range a.table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *Automation) navigate(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	target := stringArg(in, "url")
	if target == "" {
		return nil, errors.New("url is required")
	}
	if a.dest != nil {
		if d := a.dest.IsAllowed(target); !d.Allowed {
			return nil, d
		}
	}
	if err := inst.Navigate(ctx, target, stringArg(in, "waitForSelector")); err != nil {
		return nil, err
	}
	return pageInfo(ctx, inst), nil
}

func goBack(ctx context.Context, inst *browser.Instance, _ map[string]any) (any, error) {
	page, err := livePage(ctx, inst)
	if err != nil {
		return nil, err
	}
	if err := page.NavigateBack(); err != nil {
		return nil, fmt.Errorf("go back: %w", err)
	}
	_ = page.WaitLoad()
	return pageInfo(ctx, inst), nil
}

func click(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	sel := stringArg(in, "selector")
	el, err := element(ctx, inst, sel)
	if err != nil {
		return nil, err
	}
	_ = el.ScrollIntoView()
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("click failed: %w", err)
	}
	return map[string]any{"clicked": sel}, nil
}

func typeText(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	sel, text := stringArg(in, "selector"), stringArg(in, "text")
	if text == "" {
		return nil, errors.New("text is required")
	}
	el, err := element(ctx, inst, sel)
	if err != nil {
		return nil, err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("focus element: %w", err)
	}
	if err := el.Input(text); err != nil {
		return nil, fmt.Errorf("type failed: %w", err)
	}
	if boolArg(in, "submit") {
		if err := el.Type(input.Enter); err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
	}
	return map[string]any{"typed": len(text), "selector": sel}, nil
}

func fill(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	sel := stringArg(in, "selector")
	text := stringArg(in, "value", "text")
	el, err := element(ctx, inst, sel)
	if err != nil {
		return nil, err
	}
	_ = el.SelectAllText()
	if err := el.Input(text); err != nil {
		return nil, fmt.Errorf("fill failed: %w", err)
	}
	return map[string]any{"filled": sel}, nil
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Space":      input.Space,
}

func press(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	key := stringArg(in, "key")
	if key == "" {
		return nil, errors.New("key is required")
	}
	page, err := livePage(ctx, inst)
	if err != nil {
		return nil, err
	}
	if k, ok := namedKeys[key]; ok {
		err = page.Keyboard.Press(k)
	} else if r := []rune(key); len(r) == 1 {
		err = page.Keyboard.Type(input.Key(r[0]))
	} else {
		return nil, fmt.Errorf("unknown key %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("press failed: %w", err)
	}
	return map[string]any{"pressed": key}, nil
}

func hover(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	sel := stringArg(in, "selector")
	el, err := element(ctx, inst, sel)
	if err != nil {
		return nil, err
	}
	_ = el.ScrollIntoView()
	if err := el.Hover(); err != nil {
		return nil, fmt.Errorf("hover failed: %w", err)
	}
	return map[string]any{"hovered": sel}, nil
}

const scrollJS = `(sel, direction, amount) => {
	if (sel) {
		const el = document.querySelector(sel);
		if (!el) throw new Error('element not found: ' + sel);
		el.scrollIntoView({ block: 'center' });
	} else if (direction === 'top') {
		window.scrollTo(0, 0);
	} else if (direction === 'bottom') {
		window.scrollTo(0, document.body.scrollHeight);
	} else {
		window.scrollBy(0, direction === 'up' ? -amount : amount);
	}
	return { x: window.scrollX, y: window.scrollY };
}`

func scroll(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	direction := stringArg(in, "direction")
	if direction == "" {
		direction = "down"
	}
	switch direction {
	case "up", "down", "top", "bottom":
	default:
		return nil, fmt.Errorf("invalid direction %q (use up, down, top, bottom)", direction)
	}
	amount := intArg(in, "amount", 500)
	return evalJSON(ctx, inst, scrollJS, stringArg(in, "selector"), direction, amount)
}

func selectOption(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	sel, value := stringArg(in, "selector"), stringArg(in, "value")
	if value == "" {
		return nil, errors.New("value is required")
	}
	el, err := element(ctx, inst, sel)
	if err != nil {
		return nil, err
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		if err := el.Select([]string{fmt.Sprintf(`[value=%q]`, value)}, true, rod.SelectorTypeCSSSector); err != nil {
			return nil, fmt.Errorf("select failed: %w", err)
		}
	}
	return map[string]any{"selected": value, "selector": sel}, nil
}

func waitFor(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	sel := stringArg(in, "selector")
	wait := time.Duration(intArg(in, "timeout", 5000)) * time.Millisecond
	if sel == "" {
		if err := sleepContext(ctx, time.Duration(intArg(in, "ms", 0))*time.Millisecond); err != nil {
			return nil, err
		}
		return map[string]any{"waited": true}, nil
	}
	page, err := livePage(ctx, inst)
	if err != nil {
		return nil, err
	}
	el, err := page.Timeout(wait).Element(sel)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", sel, err)
	}
	if err := el.WaitVisible(); err != nil {
		return nil, fmt.Errorf("element not visible: %s", sel)
	}
	return map[string]any{"visible": sel}, nil
}

const textJS = `(sel) => {
	const el = sel ? document.querySelector(sel) : document.body;
	if (!el) throw new Error('element not found: ' + sel);
	return el.innerText || el.textContent || '';
}`

func getText(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	v, err := evalJSON(ctx, inst, textJS, stringArg(in, "selector"))
	if err != nil {
		return nil, err
	}
	text, _ := v.(string)
	return map[string]any{"text": truncate(text, intArg(in, "maxLength", 20000))}, nil
}

const snapshotJS = `(max) => {
	const clip = (s, n) => (s || '').replace(/\s+/g, ' ').trim().slice(0, n);
	const q = (sel, n) => Array.from(document.querySelectorAll(sel)).slice(0, n);
	return {
		url: location.href,
		title: document.title,
		headings: q('h1,h2,h3', 30).map(h => ({ level: h.tagName.toLowerCase(), text: clip(h.innerText, 120) })),
		links: q('a[href]', 50).map(a => ({ text: clip(a.innerText, 80), href: a.href })),
		inputs: q('input,textarea,select,button', 50).map(e => ({
			tag: e.tagName.toLowerCase(),
			type: e.type || '',
			name: e.name || e.id || '',
			label: clip(e.getAttribute('aria-label') || e.placeholder || e.innerText, 80),
		})),
		text: clip(document.body ? document.body.innerText : '', max),
	};
}`

func snapshot(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	return evalJSON(ctx, inst, snapshotJS, intArg(in, "maxLength", 5000))
}

func screenshot(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	page, err := livePage(ctx, inst)
	if err != nil {
		return nil, err
	}
	img, err := page.Screenshot(boolArg(in, "fullPage"), &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return map[string]any{
		"mimeType": "image/png",
		"data":     base64.StdEncoding.EncodeToString(img),
	}, nil
}

func evaluate(ctx context.Context, inst *browser.Instance, in map[string]any) (any, error) {
	script := stringArg(in, "script", "expression", "code")
	if script == "" {
		return nil, errors.New("script is required")
	}
	return evalJSON(ctx, inst, asFunction(script))
}

// asFunction wraps a bare expression so it can be evaluated as a function.
func asFunction(script string) string {
	s := strings.TrimSpace(script)
	if strings.HasPrefix(s, "function") || strings.HasPrefix(s, "async") || strings.Contains(s, "=>") {
		return s
	}
	return "() => (" + strings.TrimRight(s, "; \n\t") + ")"
}

const existsJS = `(sel) => !!document.querySelector(sel)`

// element resolves a selector without waiting, so a missing element fails
// fast instead of running into the tool timeout.
func element(ctx context.Context, inst *browser.Instance, selector string) (*rod.Element, error) {
	if selector == "" {
		return nil, errors.New("selector is required")
	}
	v, err := evalJSON(ctx, inst, existsJS, selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	if found, _ := v.(bool); !found {
		return nil, fmt.Errorf("element not found: %s", selector)
	}
	page, err := livePage(ctx, inst)
	if err != nil {
		return nil, err
	}
	return page.Element(selector)
}

func livePage(ctx context.Context, inst *browser.Instance) (*rod.Page, error) {
	page := inst.Page()
	if page == nil {
		return nil, errNoPage
	}
	return page.Context(ctx), nil
}

func pageInfo(ctx context.Context, inst *browser.Instance) map[string]any {
	u, _ := inst.URL(ctx)
	title, _ := inst.Title(ctx)
	return map[string]any{"url": u, "title": title}
}

func evalJSON(ctx context.Context, inst *browser.Instance, js string, args ...any) (any, error) {
	raw, err := inst.Eval(ctx, js, args...)
	if err != nil {
		return nil, err
	}
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return v, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stringArg(in map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := in[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intArg(in map[string]any, key string, def int) int {
	switch v := in[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolArg(in map[string]any, key string) bool {
	b, _ := in[key].(bool)
	return b
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
