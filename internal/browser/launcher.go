package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
)

// LocalConfig controls Chromium processes started on this host.
type LocalConfig struct {
	Bin       string
	Headless  bool
	NoSandbox bool
	Driver    DriverOptions
}

// LocalLauncher starts one Chromium process per instance.
type LocalLauncher struct {
	cfg    LocalConfig
	logger *logging.Logger
}

// NewLocalLauncher creates a launcher for host Chromium processes. With no
// Bin configured rod locates or downloads a browser.
func NewLocalLauncher(cfg LocalConfig, logger *logging.Logger) *LocalLauncher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LocalLauncher{cfg: cfg, logger: logger.Named("launcher")}
}

func (l *LocalLauncher) Launch(ctx context.Context) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lc := launcher.New().
		Headless(l.cfg.Headless).
		Set("disable-dev-shm-usage")
	if l.cfg.Bin != "" {
		lc = lc.Bin(l.cfg.Bin)
	}
	if l.cfg.NoSandbox {
		lc = lc.Set("no-sandbox")
	}
	if l.cfg.Driver.Stealth {
		lc = lc.Set("disable-blink-features", "AutomationControlled")
	}

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	kill := func() error {
		lc.Kill()
		lc.Cleanup()
		return nil
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		_ = kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	d, err := newRodDriver(b, controlURL, l.cfg.Driver, kill)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("browser process started", zap.String("controlURL", controlURL), zap.Int("pid", lc.PID()))
	return d, nil
}

func (l *LocalLauncher) Close() error { return nil }
