package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"

	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// Driver controls one browser process with one isolated browsing context
// and its active page.
type Driver interface {
	// Page returns the active page, nil for drivers without a real browser.
	Page() *rod.Page
	// DebugURL is the DevTools websocket endpoint of the active page.
	DebugURL() string
	Alive(ctx context.Context) bool
	// Reset drops the browsing context and opens a fresh one with a blank page.
	Reset(ctx context.Context) error
	Close() error

	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url, waitSelector string) error
	Configure(ctx context.Context, opts PageOptions) error
	InjectAuth(ctx context.Context, req models.AuthenticateRequest) error
	// Eval runs a JS function on the page, awaits it, and returns the JSON
	// encoded result.
	Eval(ctx context.Context, js string, args ...any) ([]byte, error)
}

// PageOptions are per-owner page settings applied after checkout.
type PageOptions struct {
	Viewport  *models.Viewport
	UserAgent string
}

// Instance is a pooled Driver. It is owned by the pool while idle and by
// exactly one caller while checked out.
type Instance struct {
	Driver

	id         string
	launchedAt time.Time

	tainted    atomic.Bool
	checkedOut atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

func newInstance(id string, d Driver) *Instance {
	return &Instance{Driver: d, id: id, launchedAt: time.Now()}
}

// ID returns the pool-unique identifier of the instance.
func (i *Instance) ID() string { return i.id }

// LaunchedAt returns when the underlying browser was started.
func (i *Instance) LaunchedAt() time.Time { return i.launchedAt }

// Taint marks the instance as unverifiable. A tainted instance is
// discarded on release instead of being reused.
func (i *Instance) Taint() { i.tainted.Store(true) }

// Tainted reports whether Taint was called.
func (i *Instance) Tainted() bool { return i.tainted.Load() }

// Close terminates the browser. Safe to call more than once.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		i.closeErr = i.Driver.Close()
	})
	return i.closeErr
}
