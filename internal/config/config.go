package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Browser      BrowserConfig
	Auth         AuthConfig
	RBAC         RBACConfig
	Destinations DestinationConfig
	Audit        AuditConfig
	Redaction    RedactionConfig
	Session      SessionConfig
	Tools        ToolsConfig
	RateLimit    RateLimitConfig
	Logging      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// BrowserConfig controls the browser pool and how instances are launched.
type BrowserConfig struct {
	MaxInstances   int           `envconfig:"MAX_BROWSERS" default:"5"`
	AcquireTimeout time.Duration `envconfig:"POOL_ACQUIRE_TIMEOUT" default:"30s"`
	Launcher       string        `envconfig:"BROWSER_LAUNCHER" default:"local"`
	Bin            string        `envconfig:"BROWSER_BIN"`
	Headless       bool          `envconfig:"BROWSER_HEADLESS" default:"true"`
	NoSandbox      bool          `envconfig:"BROWSER_NO_SANDBOX" default:"false"`
	Stealth        bool          `envconfig:"BROWSER_STEALTH" default:"false"`
	DockerImage    string        `envconfig:"BROWSER_DOCKER_IMAGE" default:"browserless/chrome:latest"`
}

// Auth modes.
const (
	AuthAPIKey = "apikey"
	AuthJWT    = "jwt"
	AuthBoth   = "both"
	AuthNone   = "none"
)

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	Mode     string `envconfig:"AUTH_MODE" default:"apikey"`
	APIKey   string `envconfig:"API_KEY"`
	TenantID string `envconfig:"AZURE_TENANT_ID"`
	ClientID string `envconfig:"AZURE_CLIENT_ID"`
	Issuer   string `envconfig:"JWT_ISSUER"`
	JWKSURL  string `envconfig:"JWKS_URL"`
}

// AcceptsAPIKey reports whether shared-key credentials are accepted.
func (a AuthConfig) AcceptsAPIKey() bool {
	return a.Mode == AuthAPIKey || a.Mode == AuthBoth
}

// AcceptsJWT reports whether signed tokens are accepted.
func (a AuthConfig) AcceptsJWT() bool {
	return a.Mode == AuthJWT || a.Mode == AuthBoth
}

// RBACConfig holds role resolution settings.
type RBACConfig struct {
	Enabled  bool              `envconfig:"RBAC_ENABLED" default:"true"`
	KeyRoles map[string]string `envconfig:"RBAC_KEY_ROLES"`
}

// DestinationConfig holds the navigation allow/deny lists.
type DestinationConfig struct {
	Allowed      []string `envconfig:"ALLOWED_DOMAINS"`
	Blocked      []string `envconfig:"BLOCKED_DOMAINS"`
	NetworkGuard bool     `envconfig:"NETWORK_GUARD" default:"true"`
}

// Audit levels.
const (
	AuditNone     = "none"
	AuditBasic    = "basic"
	AuditDetailed = "detailed"
	AuditFull     = "full"
)

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Level         string        `envconfig:"AUDIT_LEVEL" default:"basic"`
	SinkURL       string        `envconfig:"AUDIT_SINK_URL"`
	DatabaseURL   string        `envconfig:"AUDIT_DATABASE_URL"`
	FlushInterval time.Duration `envconfig:"AUDIT_FLUSH_INTERVAL" default:"5s"`
	BatchSize     int           `envconfig:"AUDIT_BATCH_SIZE" default:"100"`
	BufferSize    int           `envconfig:"AUDIT_BUFFER_SIZE" default:"1000"`
}

// RedactionConfig extends the built-in redaction rules.
type RedactionConfig struct {
	Fields   []string `envconfig:"REDACT_FIELDS"`
	Patterns []string `envconfig:"REDACT_PATTERNS"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	DefaultTTLMinutes int           `envconfig:"SESSION_DEFAULT_TTL" default:"15"`
	SweepInterval     time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"30s"`
	RecordingDefault  bool          `envconfig:"RECORDING_DEFAULT" default:"false"`
}

// ToolsConfig holds execution settings.
type ToolsConfig struct {
	Timeout           time.Duration `envconfig:"TOOL_TIMEOUT" default:"30s"`
	NavigationTimeout time.Duration `envconfig:"NAVIGATION_TIMEOUT" default:"30s"`
	Prefix            string        `envconfig:"TOOL_PREFIX" default:"browser_"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Browser: BrowserConfig{
			MaxInstances:   5,
			AcquireTimeout: 30 * time.Second,
			Launcher:       "local",
			Headless:       true,
			DockerImage:    "browserless/chrome:latest",
		},
		Auth: AuthConfig{
			Mode: AuthNone,
		},
		RBAC: RBACConfig{
			Enabled: true,
		},
		Destinations: DestinationConfig{
			NetworkGuard: true,
		},
		Audit: AuditConfig{
			Level:         AuditBasic,
			FlushInterval: 5 * time.Second,
			BatchSize:     100,
			BufferSize:    1000,
		},
		Session: SessionConfig{
			DefaultTTLMinutes: 15,
			SweepInterval:     30 * time.Second,
		},
		Tools: ToolsConfig{
			Timeout:           30 * time.Second,
			NavigationTimeout: 30 * time.Second,
			Prefix:            "browser_",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			Enabled:           true,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) normalize() {
	c.Browser.Launcher = strings.ToLower(strings.TrimSpace(c.Browser.Launcher))
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	c.Audit.Level = strings.ToLower(strings.TrimSpace(c.Audit.Level))
	c.Destinations.Allowed = trimList(c.Destinations.Allowed)
	c.Destinations.Blocked = trimList(c.Destinations.Blocked)
	c.Redaction.Fields = trimList(c.Redaction.Fields)
	c.Redaction.Patterns = trimList(c.Redaction.Patterns)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Browser.MaxInstances < 1 {
		return fmt.Errorf("MAX_BROWSERS must be at least 1, got %d", c.Browser.MaxInstances)
	}
	switch c.Browser.Launcher {
	case "local", "docker":
	default:
		return fmt.Errorf("unknown BROWSER_LAUNCHER %q (use local or docker)", c.Browser.Launcher)
	}
	switch c.Auth.Mode {
	case AuthAPIKey, AuthJWT, AuthBoth, AuthNone:
	default:
		return fmt.Errorf("unknown AUTH_MODE %q (use apikey, jwt, both or none)", c.Auth.Mode)
	}
	if c.Auth.AcceptsAPIKey() && c.Auth.APIKey == "" {
		return fmt.Errorf("AUTH_MODE=%s requires API_KEY", c.Auth.Mode)
	}
	if c.Auth.AcceptsJWT() {
		overridden := c.Auth.JWKSURL != "" && c.Auth.Issuer != ""
		if !overridden && (c.Auth.TenantID == "" || c.Auth.ClientID == "") {
			return fmt.Errorf("AUTH_MODE=%s requires AZURE_TENANT_ID and AZURE_CLIENT_ID", c.Auth.Mode)
		}
		if c.Auth.ClientID == "" {
			return fmt.Errorf("AUTH_MODE=%s requires AZURE_CLIENT_ID as token audience", c.Auth.Mode)
		}
	}
	switch c.Audit.Level {
	case AuditNone, AuditBasic, AuditDetailed, AuditFull:
	default:
		return fmt.Errorf("unknown AUDIT_LEVEL %q (use none, basic, detailed or full)", c.Audit.Level)
	}
	if c.Session.DefaultTTLMinutes < 1 {
		return fmt.Errorf("SESSION_DEFAULT_TTL must be at least 1 minute")
	}
	return nil
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
