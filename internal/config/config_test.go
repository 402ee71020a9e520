package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, 5, cfg.Browser.MaxInstances)
	require.Equal(t, "local", cfg.Browser.Launcher)
	require.Equal(t, AuthAPIKey, cfg.Auth.Mode)
	require.True(t, cfg.RBAC.Enabled)
	require.True(t, cfg.Destinations.NetworkGuard)
	require.Equal(t, AuditBasic, cfg.Audit.Level)
	require.Equal(t, 15, cfg.Session.DefaultTTLMinutes)
	require.Equal(t, 30*time.Second, cfg.Tools.Timeout)
	require.Equal(t, "browser_", cfg.Tools.Prefix)
}

func TestLoadListsAndMaps(t *testing.T) {
	t.Setenv("API_KEY", "secret")
	t.Setenv("ALLOWED_DOMAINS", "example.com, docs.example.org ,")
	t.Setenv("RBAC_KEY_ROLES", "k1:admin,k2:readonly")
	t.Setenv("AUDIT_LEVEL", "DETAILED")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"example.com", "docs.example.org"}, cfg.Destinations.Allowed)
	require.Equal(t, map[string]string{"k1": "admin", "k2": "readonly"}, cfg.RBAC.KeyRoles)
	require.Equal(t, AuditDetailed, cfg.Audit.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero browsers", func(c *Config) { c.Browser.MaxInstances = 0 }, "MAX_BROWSERS"},
		{"bad launcher", func(c *Config) { c.Browser.Launcher = "lambda" }, "BROWSER_LAUNCHER"},
		{"apikey without key", func(c *Config) { c.Auth.Mode = AuthAPIKey }, "API_KEY"},
		{"jwt without tenant", func(c *Config) { c.Auth.Mode = AuthJWT }, "AZURE_TENANT_ID"},
		{"jwt with override", func(c *Config) {
			c.Auth.Mode = AuthJWT
			c.Auth.ClientID = "app"
			c.Auth.JWKSURL = "https://idp.example.com/keys"
			c.Auth.Issuer = "https://idp.example.com"
		}, ""},
		{"bad audit level", func(c *Config) { c.Audit.Level = "verbose" }, "AUDIT_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
