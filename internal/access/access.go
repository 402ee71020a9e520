// Package access authenticates callers and resolves their role.
package access

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/config"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
)

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authentication methods recorded on an Identity.
const (
	MethodAPIKey    = "apikey"
	MethodJWT       = "jwt"
	MethodAnonymous = "anonymous"
)

// Identity is the resolved caller of one request. It is never mutated after
// Authenticate returns.
type Identity struct {
	// Fingerprint is a non-reversible digest of the credential.
	Fingerprint string
	Name        string
	Method      string
	Role        Role
	Policy      *Policy
}

// Denial explains a failed authorization gate.
type Denial struct {
	Role   Role
	Gate   Gate
	Reason string
}

func (d *Denial) Error() string { return d.Reason }

// Verifier validates bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*TokenClaims, error)
}

// Controller authenticates requests and checks role gates.
type Controller struct {
	auth     config.AuthConfig
	rbac     bool
	keyRoles map[string]Role
	policies map[Role]*Policy
	verifier Verifier
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewController builds a Controller. verifier may be nil unless signed
// tokens are accepted.
func NewController(auth config.AuthConfig, rbac config.RBACConfig, verifier Verifier, logger *logging.Logger, m *metrics.Metrics) (*Controller, error) {
	if auth.AcceptsJWT() && verifier == nil {
		return nil, errors.New("token verifier required for AUTH_MODE " + auth.Mode)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	keyRoles := make(map[string]Role, len(rbac.KeyRoles))
	for key, name := range rbac.KeyRoles {
		role, ok := ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("unknown role %q in RBAC_KEY_ROLES", name)
		}
		keyRoles[strings.TrimSpace(key)] = role
	}
	return &Controller{
		auth:     auth,
		rbac:     rbac.Enabled,
		keyRoles: keyRoles,
		policies: DefaultPolicies(),
		verifier: verifier,
		logger:   logger.Named("access"),
		metrics:  m,
	}, nil
}

// Authenticate resolves the caller of r. It reads X-API-Key and
// Authorization: Bearer; which ones count depends on the auth mode.
func (c *Controller) Authenticate(r *http.Request) (*Identity, error) {
	if c.auth.Mode == config.AuthNone {
		return c.identity(MethodAnonymous, "anonymous", "anonymous", nil), nil
	}

	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	bearer := bearerToken(r.Header.Get("Authorization"))

	if key != "" && c.auth.AcceptsAPIKey() {
		if !c.validKey(key) {
			return nil, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
		}
		return c.identity(MethodAPIKey, fingerprint(key), "", c.keyRole(key)), nil
	}

	if bearer != "" {
		if c.auth.AcceptsJWT() {
			claims, err := c.verifier.Verify(r.Context(), bearer)
			if err != nil {
				c.logger.Debug("token rejected", zap.Error(err))
				return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return c.identity(MethodJWT, fingerprint(bearer), claims.Name, c.claimRole(claims.Roles)), nil
		}
		// A bearer credential in API key mode is treated as the key.
		if c.auth.AcceptsAPIKey() && c.validKey(bearer) {
			return c.identity(MethodAPIKey, fingerprint(bearer), "", c.keyRole(bearer)), nil
		}
		return nil, fmt.Errorf("%w: invalid credential", ErrUnauthorized)
	}

	return nil, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
}

func (c *Controller) identity(method, fp, name string, role *Role) *Identity {
	r := RoleStandard
	if role != nil {
		r = *role
	}
	if !c.rbac {
		r = RoleAdmin
	}
	if name == "" {
		name = fp
	}
	return &Identity{Fingerprint: fp, Name: name, Method: method, Role: r, Policy: c.policies[r]}
}

func (c *Controller) validKey(key string) bool {
	if c.auth.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(c.auth.APIKey)) == 1 {
		return true
	}
	for k := range c.keyRoles {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

// keyRole resolves a key's role: explicit mapping, then key prefix.
func (c *Controller) keyRole(key string) *Role {
	if role, ok := c.keyRoles[key]; ok {
		return &role
	}
	var role Role
	switch {
	case strings.HasPrefix(key, "admin_"):
		role = RoleAdmin
	case strings.HasPrefix(key, "ro_"), strings.HasPrefix(key, "readonly_"):
		role = RoleReadOnly
	default:
		return nil
	}
	return &role
}

// claimRole picks the most privileged recognised role from a token.
func (c *Controller) claimRole(claims []string) *Role {
	var best *Role
	rank := map[Role]int{RoleReadOnly: 1, RoleStandard: 2, RoleAdmin: 3}
	for _, name := range claims {
		role, ok := ParseRole(name)
		if !ok {
			continue
		}
		if best == nil || rank[role] > rank[*best] {
			r := role
			best = &r
		}
	}
	return best
}

// Authorize runs one gate for id. tool is only read by GateTool.
func (c *Controller) Authorize(id *Identity, gate Gate, tool string) *Denial {
	p := id.Policy
	var reason string
	switch gate {
	case GateNavigate:
		if !p.Navigate {
			reason = fmt.Sprintf("role %s may not navigate to new destinations", id.Role)
		}
	case GateCreate:
		if !p.CreateSessions {
			reason = fmt.Sprintf("role %s may not create sessions", id.Role)
		}
	case GateManage:
		if !p.Manage {
			reason = fmt.Sprintf("role %s may not manage recording or configuration", id.Role)
		}
	case GateDebug:
		if !p.Debug {
			reason = fmt.Sprintf("role %s may not open a debugging connection", id.Role)
		}
	case GateTool:
		if !p.ToolAllowed(tool) {
			reason = fmt.Sprintf("role %s may not call tool %s", id.Role, tool)
		}
	}
	if reason == "" {
		return nil
	}
	c.metrics.Denied(string(id.Role), string(gate))
	return &Denial{Role: id.Role, Gate: gate, Reason: reason}
}

func bearerToken(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// fingerprint is the first 16 hex digits of the credential's SHA-256.
func fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}
