// Package browsertest provides in-memory browser drivers for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// Driver is a scriptable browser.Driver. The zero value is not usable; use NewDriver.
type Driver struct {
	mu       sync.Mutex
	url      string
	title    string
	alive    bool
	opts     browser.PageOptions
	auth     []models.AuthenticateRequest
	resets   int
	closes   int32
	visited  []string
	evalFunc func(ctx context.Context, js string, args ...any) ([]byte, error)

	// NavigateFunc overrides navigation. It receives the target URL and may
	// return an error or block until ctx is done.
	NavigateFunc func(ctx context.Context, url string) error
	// Titles maps a URL to the title reported after navigating there.
	Titles map[string]string
	// DebugEndpoint overrides the reported DevTools URL.
	DebugEndpoint string
}

// NewDriver returns a live driver on about:blank.
func NewDriver() *Driver {
	return &Driver{url: "about:blank", alive: true, Titles: map[string]string{}}
}

func (d *Driver) Page() *rod.Page { return nil }

func (d *Driver) DebugURL() string {
	if d.DebugEndpoint != "" {
		return d.DebugEndpoint
	}
	return "ws://127.0.0.1:9222/devtools/page/fake"
}

func (d *Driver) Alive(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive && atomic.LoadInt32(&d.closes) == 0
}

// Kill makes the driver report itself dead.
func (d *Driver) Kill() {
	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()
}

func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	d.url = "about:blank"
	d.title = ""
	d.opts = browser.PageOptions{}
	d.auth = nil
	return nil
}

func (d *Driver) Close() error {
	atomic.AddInt32(&d.closes, 1)
	return nil
}

func (d *Driver) URL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

// SetURL moves the page without a navigation, as a client-side script would.
func (d *Driver) SetURL(u string) {
	d.mu.Lock()
	d.url = u
	d.mu.Unlock()
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, nil
}

func (d *Driver) Navigate(ctx context.Context, url, waitSelector string) error {
	if d.NavigateFunc != nil {
		if err := d.NavigateFunc(ctx, url); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
	d.title = d.Titles[url]
	d.visited = append(d.visited, url)
	return nil
}

func (d *Driver) Configure(ctx context.Context, opts browser.PageOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
	return nil
}

func (d *Driver) InjectAuth(ctx context.Context, req models.AuthenticateRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auth = append(d.auth, req)
	return nil
}

// SetEval installs the function backing Eval.
func (d *Driver) SetEval(fn func(ctx context.Context, js string, args ...any) ([]byte, error)) {
	d.mu.Lock()
	d.evalFunc = fn
	d.mu.Unlock()
}

func (d *Driver) Eval(ctx context.Context, js string, args ...any) ([]byte, error) {
	d.mu.Lock()
	fn := d.evalFunc
	d.mu.Unlock()
	if fn == nil {
		return []byte("null"), nil
	}
	return fn(ctx, js, args...)
}

// Resets returns how many times the context was reset.
func (d *Driver) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Closed reports whether Close was called, and how often.
func (d *Driver) Closed() int { return int(atomic.LoadInt32(&d.closes)) }

// Options returns the last applied page options.
func (d *Driver) Options() browser.PageOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

// Injected returns every authenticate payload applied since the last reset.
func (d *Driver) Injected() []models.AuthenticateRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.AuthenticateRequest(nil), d.auth...)
}

// Visited returns the URLs navigated to, in order.
func (d *Driver) Visited() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.visited...)
}

// Launcher hands out fake drivers and counts launches.
type Launcher struct {
	mu      sync.Mutex
	drivers []*Driver
	failErr error
	closed  bool

	// Prepare, when set, customizes each new driver.
	Prepare func(d *Driver)
}

// NewLauncher returns a launcher producing fresh fake drivers.
func NewLauncher() *Launcher { return &Launcher{} }

// FailWith makes every following Launch fail with err; nil restores success.
func (l *Launcher) FailWith(err error) {
	l.mu.Lock()
	l.failErr = err
	l.mu.Unlock()
}

func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("launcher closed")
	}
	if l.failErr != nil {
		return nil, l.failErr
	}
	d := NewDriver()
	if l.Prepare != nil {
		l.Prepare(d)
	}
	l.drivers = append(l.drivers, d)
	return d, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Launched returns how many drivers were created.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.drivers)
}

// Drivers returns every driver created so far.
func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.drivers...)
}

// DriverOf extracts the fake behind a pooled instance.
func DriverOf(inst *browser.Instance) *Driver {
	d, _ := inst.Driver.(*Driver)
	return d
}
