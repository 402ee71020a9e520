package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// DriverOptions configure every browsing context a driver opens.
type DriverOptions struct {
	Stealth bool
	// Filter, when set, is consulted for every request the page issues.
	Filter RequestFilter
	// OnBlocked is called for each request the filter rejected.
	OnBlocked func(rawURL, reason string)
}

// rodDriver drives a Chromium over CDP. Each owner gets a fresh incognito
// context, so cookies and storage never cross owners.
type rodDriver struct {
	browser    *rod.Browser
	controlURL string
	opts       DriverOptions
	cleanup    func() error

	mu      sync.Mutex
	context *rod.Browser
	page    *rod.Page
	router  *rod.HijackRouter
	undoHdr func()
}

func newRodDriver(b *rod.Browser, controlURL string, opts DriverOptions, cleanup func() error) (*rodDriver, error) {
	d := &rodDriver{browser: b, controlURL: controlURL, opts: opts, cleanup: cleanup}
	if err := d.openContext(); err != nil {
		_ = b.Close()
		if cleanup != nil {
			_ = cleanup()
		}
		return nil, err
	}
	return d, nil
}

// openContext must be called with mu held or before the driver is shared.
func (d *rodDriver) openContext() error {
	incognito, err := d.browser.Incognito()
	if err != nil {
		return fmt.Errorf("incognito context: %w", err)
	}

	var page *rod.Page
	if d.opts.Stealth {
		page, err = stealth.Page(incognito)
	} else {
		page, err = incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		_ = incognito.Close()
		return fmt.Errorf("create page: %w", err)
	}

	d.context = incognito
	d.page = page
	d.router = nil
	if d.opts.Filter != nil {
		router, err := guardPage(page, d.opts.Filter, d.opts.OnBlocked)
		if err != nil {
			_ = page.Close()
			_ = incognito.Close()
			return fmt.Errorf("install network guard: %w", err)
		}
		d.router = router
	}
	return nil
}

func (d *rodDriver) closeContext() {
	if d.undoHdr != nil {
		d.undoHdr()
		d.undoHdr = nil
	}
	if d.router != nil {
		_ = d.router.Stop()
		d.router = nil
	}
	if d.page != nil {
		_ = d.page.Close()
		d.page = nil
	}
	if d.context != nil {
		_ = d.context.Close()
		d.context = nil
	}
}

func (d *rodDriver) current(ctx context.Context) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.page == nil {
		return nil, errors.New("no active page")
	}
	return d.page.Context(ctx), nil
}

func (d *rodDriver) Page() *rod.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page
}

func (d *rodDriver) DebugURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := url.Parse(d.controlURL)
	if err != nil || d.page == nil {
		return d.controlURL
	}
	u.Path = "/devtools/page/" + string(d.page.TargetID)
	u.RawQuery = ""
	return u.String()
}

func (d *rodDriver) Alive(ctx context.Context) bool {
	if _, err := (proto.BrowserGetVersion{}).Call(d.browser.Context(ctx)); err != nil {
		return false
	}
	page, err := d.current(ctx)
	if err != nil {
		return false
	}
	_, err = page.Info()
	return err == nil
}

func (d *rodDriver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeContext()
	return d.openContext()
}

func (d *rodDriver) Close() error {
	d.mu.Lock()
	d.closeContext()
	d.mu.Unlock()

	err := d.browser.Close()
	if d.cleanup != nil {
		if cerr := d.cleanup(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (d *rodDriver) URL(ctx context.Context) (string, error) {
	page, err := d.current(ctx)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *rodDriver) Title(ctx context.Context) (string, error) {
	page, err := d.current(ctx)
	if err != nil {
		return "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (d *rodDriver) Navigate(ctx context.Context, rawURL, waitSelector string) error {
	page, err := d.current(ctx)
	if err != nil {
		return err
	}
	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	if waitSelector != "" {
		if _, err := page.Element(waitSelector); err != nil {
			return fmt.Errorf("wait for %q: %w", waitSelector, err)
		}
	}
	return nil
}

func (d *rodDriver) Configure(ctx context.Context, opts PageOptions) error {
	page, err := d.current(ctx)
	if err != nil {
		return err
	}
	if opts.Viewport != nil && opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Viewport.Width,
			Height:            opts.Viewport.Height,
			DeviceScaleFactor: 1,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	return nil
}

const storageJS = `(local, session) => {
	for (const [k, v] of Object.entries(local || {})) localStorage.setItem(k, v);
	for (const [k, v] of Object.entries(session || {})) sessionStorage.setItem(k, v);
	return true;
}`

func (d *rodDriver) InjectAuth(ctx context.Context, req models.AuthenticateRequest) error {
	page, err := d.current(ctx)
	if err != nil {
		return err
	}

	if len(req.Cookies) > 0 {
		info, err := page.Info()
		if err != nil {
			return err
		}
		params := make([]*proto.NetworkCookieParam, 0, len(req.Cookies))
		for _, c := range req.Cookies {
			p := &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				URL:      c.URL,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
			}
			if c.Expires > 0 {
				p.Expires = proto.TimeSinceEpoch(c.Expires)
			}
			if p.Domain == "" && p.URL == "" {
				p.URL = info.URL
			}
			params = append(params, p)
		}
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}

	if len(req.Headers) > 0 {
		kv := make([]string, 0, 2*len(req.Headers))
		for k, v := range req.Headers {
			kv = append(kv, k, v)
		}
		undo, err := page.SetExtraHeaders(kv)
		if err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
		d.mu.Lock()
		if d.undoHdr != nil {
			d.undoHdr()
		}
		d.undoHdr = undo
		d.mu.Unlock()
	}

	if len(req.LocalStorage) > 0 || len(req.SessionStorage) > 0 {
		if _, err := page.Eval(storageJS, req.LocalStorage, req.SessionStorage); err != nil {
			return fmt.Errorf("set storage: %w", err)
		}
	}
	return nil
}

func (d *rodDriver) Eval(ctx context.Context, js string, args ...any) ([]byte, error) {
	page, err := d.current(ctx)
	if err != nil {
		return nil, err
	}
	res, err := page.Eval(js, args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res.Value)
}
