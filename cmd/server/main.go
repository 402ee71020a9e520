package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/access"
	"github.com/shehryarbajwa/webmcp-broker/internal/api"
	"github.com/shehryarbajwa/webmcp-broker/internal/audit"
	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/internal/config"
	"github.com/shehryarbajwa/webmcp-broker/internal/guard"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/internal/proxy"
	"github.com/shehryarbajwa/webmcp-broker/internal/ratelimit"
	"github.com/shehryarbajwa/webmcp-broker/internal/redact"
	"github.com/shehryarbajwa/webmcp-broker/internal/session"
	"github.com/shehryarbajwa/webmcp-broker/internal/tools"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet.
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		_, _ = os.Stderr.WriteString("invalid LOG_LEVEL: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Debug("no .env file found, using process environment")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("broker stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g := guard.New(cfg.Destinations.Allowed, cfg.Destinations.Blocked)

	driverOpts := browser.DriverOptions{Stealth: cfg.Browser.Stealth}
	if cfg.Destinations.NetworkGuard {
		netLog := logger.Named("netguard")
		driverOpts.Filter = g.RequestFilter()
		driverOpts.OnBlocked = func(rawURL, reason string) {
			m.Blocked("network", reason)
			netLog.Info("request blocked", zap.String("reason", reason), zap.String("host", hostOf(rawURL)))
		}
	}

	launcher, err := newLauncher(cfg, driverOpts, logger)
	if err != nil {
		return err
	}

	pool := browser.NewPool(launcher, browser.PoolConfig{
		MaxInstances:   cfg.Browser.MaxInstances,
		AcquireTimeout: cfg.Browser.AcquireTimeout,
	}, logger, m)

	sessions := session.NewManager(pool, session.Config{
		DefaultTTLMinutes: cfg.Session.DefaultTTLMinutes,
		SweepInterval:     cfg.Session.SweepInterval,
		RecordingDefault:  cfg.Session.RecordingDefault,
	}, logger, m)

	redactor, err := redact.New(cfg.Redaction.Fields, cfg.Redaction.Patterns)
	if err != nil {
		return err
	}

	sinks, err := newSinks(cfg.Audit, logger)
	if err != nil {
		return err
	}
	auditor := audit.New(audit.Config{
		Level:         cfg.Audit.Level,
		FlushInterval: cfg.Audit.FlushInterval,
		BatchSize:     cfg.Audit.BatchSize,
		BufferSize:    cfg.Audit.BufferSize,
	}, sinks, redactor, logger, m)
	auditor.Start()

	var verifier access.Verifier
	if cfg.Auth.AcceptsJWT() {
		verifier = access.NewTokenVerifier(cfg.Auth, logger)
	}
	ctrl, err := access.NewController(cfg.Auth, cfg.RBAC, verifier, logger, m)
	if err != nil {
		return err
	}

	auto := tools.NewAutomation(cfg.Tools.Prefix, g)
	router := tools.NewRouter(tools.NewPageReader(), auto, sessions, redactor, cfg.Tools.Timeout, logger, m)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	server := api.NewServer(api.Deps{
		Pool:              pool,
		Sessions:          sessions,
		Router:            router,
		Guard:             g,
		Access:            ctrl,
		Auditor:           auditor,
		Limiter:           limiter,
		Bridge:            proxy.NewBridge(sessions, logger),
		NavigationTimeout: cfg.Tools.NavigationTimeout,
		NavigationTool:    auto.Prefix() + "navigate",
		Logger:            logger,
		Metrics:           m,
	})

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	sessions.Start(bg)
	if limiter != nil {
		go pruneLimiter(bg, limiter)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("broker listening",
			zap.String("addr", srv.Addr),
			zap.Int("maxBrowsers", cfg.Browser.MaxInstances),
			zap.String("launcher", cfg.Browser.Launcher),
			zap.String("authMode", cfg.Auth.Mode),
			zap.String("auditLevel", cfg.Audit.Level),
			zap.Bool("networkGuard", cfg.Destinations.NetworkGuard),
			zap.Strings("pipeline", server.Pipeline().Names()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	stopBackground()
	sessions.CloseAll(ctx)
	if err := pool.CloseAll(); err != nil {
		logger.Warn("closing browser pool", zap.Error(err))
	}
	if err := auditor.Close(ctx); err != nil {
		logger.Warn("closing auditor", zap.Error(err))
	}
	logger.Info("broker stopped")
	return nil
}

func newLauncher(cfg *config.Config, opts browser.DriverOptions, logger *logging.Logger) (browser.Launcher, error) {
	if cfg.Browser.Launcher != "docker" {
		return browser.NewLocalLauncher(browser.LocalConfig{
			Bin:       cfg.Browser.Bin,
			Headless:  cfg.Browser.Headless,
			NoSandbox: cfg.Browser.NoSandbox,
			Driver:    opts,
		}, logger), nil
	}

	l, err := browser.NewDockerLauncher(browser.DockerConfig{Image: cfg.Browser.DockerImage, Driver: opts}, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	logger.Info("ensuring browser image", zap.String("image", cfg.Browser.DockerImage))
	if err := l.EnsureImage(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func newSinks(cfg config.AuditConfig, logger *logging.Logger) ([]audit.Sink, error) {
	if cfg.Level == config.AuditNone {
		return nil, nil
	}
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if cfg.SinkURL != "" {
		sinks = append(sinks, audit.NewHTTPSink(cfg.SinkURL))
	}
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := audit.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	return sinks, nil
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// hostOf keeps query strings, which may carry tokens, out of the log.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
