package access_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webmcp-broker/internal/access"
	"github.com/shehryarbajwa/webmcp-broker/internal/config"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
)

func request(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func newController(t *testing.T, auth config.AuthConfig, rbac config.RBACConfig, v access.Verifier) *access.Controller {
	t.Helper()
	c, err := access.NewController(auth, rbac, v, logging.Nop(), nil)
	require.NoError(t, err)
	return c
}

func TestAuthenticate_APIKey(t *testing.T) {
	c := newController(t,
		config.AuthConfig{Mode: config.AuthAPIKey, APIKey: "s3cret-key"},
		config.RBACConfig{Enabled: true, KeyRoles: map[string]string{"ops-key": "admin", "viewer-key": "readonly"}},
		nil)

	id, err := c.Authenticate(request(map[string]string{"X-API-Key": "s3cret-key"}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleStandard, id.Role)
	assert.Equal(t, access.MethodAPIKey, id.Method)
	assert.Len(t, id.Fingerprint, 16)
	assert.NotContains(t, id.Fingerprint, "s3cret")

	id, err = c.Authenticate(request(map[string]string{"X-API-Key": "ops-key"}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, id.Role)

	id, err = c.Authenticate(request(map[string]string{"Authorization": "Bearer viewer-key"}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleReadOnly, id.Role)

	_, err = c.Authenticate(request(map[string]string{"X-API-Key": "nope"}))
	require.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = c.Authenticate(request(nil))
	require.ErrorIs(t, err, access.ErrUnauthorized)
}

func TestAuthenticate_KeyPrefixRole(t *testing.T) {
	c := newController(t, config.AuthConfig{Mode: config.AuthAPIKey, APIKey: "ro_dashboard"}, config.RBACConfig{Enabled: true}, nil)
	id, err := c.Authenticate(request(map[string]string{"X-API-Key": "ro_dashboard"}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleReadOnly, id.Role)

	c = newController(t, config.AuthConfig{Mode: config.AuthAPIKey, APIKey: "admin_root"}, config.RBACConfig{Enabled: true}, nil)
	id, err = c.Authenticate(request(map[string]string{"X-API-Key": "admin_root"}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, id.Role)
}

func TestAuthenticate_RBACDisabledGrantsAdmin(t *testing.T) {
	c := newController(t, config.AuthConfig{Mode: config.AuthAPIKey, APIKey: "ro_key"}, config.RBACConfig{Enabled: false}, nil)
	id, err := c.Authenticate(request(map[string]string{"X-API-Key": "ro_key"}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, id.Role)
}

func TestAuthenticate_NoneMode(t *testing.T) {
	c := newController(t, config.AuthConfig{Mode: config.AuthNone}, config.RBACConfig{Enabled: true}, nil)
	id, err := c.Authenticate(request(nil))
	require.NoError(t, err)
	assert.Equal(t, access.MethodAnonymous, id.Method)
	assert.Equal(t, access.RoleStandard, id.Role)
}

func TestNewController_RejectsUnknownRole(t *testing.T) {
	_, err := access.NewController(config.AuthConfig{Mode: config.AuthNone},
		config.RBACConfig{KeyRoles: map[string]string{"k": "superuser"}}, nil, nil, nil)
	require.Error(t, err)

	_, err = access.NewController(config.AuthConfig{Mode: config.AuthJWT}, config.RBACConfig{}, nil, nil, nil)
	require.Error(t, err)
}

func TestAuthorize_Gates(t *testing.T) {
	c := newController(t,
		config.AuthConfig{Mode: config.AuthAPIKey, APIKey: "std"},
		config.RBACConfig{Enabled: true, KeyRoles: map[string]string{"adm": "admin", "ro": "readonly"}},
		nil)
	ident := func(key string) *access.Identity {
		id, err := c.Authenticate(request(map[string]string{"X-API-Key": key}))
		require.NoError(t, err)
		return id
	}
	admin, std, ro := ident("adm"), ident("std"), ident("ro")

	for _, gate := range []access.Gate{access.GateNavigate, access.GateCreate, access.GateManage, access.GateDebug} {
		assert.Nil(t, c.Authorize(admin, gate, ""), gate)
	}
	assert.Nil(t, c.Authorize(admin, access.GateTool, "browser_evaluate"))

	assert.Nil(t, c.Authorize(std, access.GateCreate, ""))
	assert.NotNil(t, c.Authorize(std, access.GateDebug, ""))
	assert.Nil(t, c.Authorize(std, access.GateTool, "delete_account"))
	assert.NotNil(t, c.Authorize(std, access.GateTool, "browser_evaluate"))

	d := c.Authorize(ro, access.GateNavigate, "")
	require.NotNil(t, d)
	assert.Equal(t, access.RoleReadOnly, d.Role)
	assert.Contains(t, d.Reason, "readonly")
	assert.NotNil(t, c.Authorize(ro, access.GateCreate, ""))
	assert.NotNil(t, c.Authorize(ro, access.GateManage, ""))
}

func TestPolicy_ReadOnlyTools(t *testing.T) {
	ro := access.DefaultPolicies()[access.RoleReadOnly]

	for _, name := range []string{"browser_get_text", "browser_screenshot", "browser_snapshot", "get_cart", "search_products", "list_orders"} {
		assert.True(t, ro.ToolAllowed(name), name)
	}
	for _, name := range []string{"browser_click", "browser_evaluate", "delete_account", "submit_order", "add_to_cart", "search_and_delete", "get_or_create_user"} {
		assert.False(t, ro.ToolAllowed(name), name)
	}
}

func TestNewPolicy_InvalidPattern(t *testing.T) {
	_, err := access.NewPolicy(access.RoleStandard, true, true, true, false, []string{"[unterminated"}, nil)
	require.Error(t, err)
}

type tokenIssuer struct {
	key    crypto.Signer
	alg    jose.SignatureAlgorithm
	kid    string
	server *httptest.Server
	hits   atomic.Int32
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return serveKeys(t, key, jose.RS256)
}

func newECTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return serveKeys(t, key, jose.ES256)
}

func serveKeys(t *testing.T, key crypto.Signer, alg jose.SignatureAlgorithm) *tokenIssuer {
	t.Helper()
	ti := &tokenIssuer{key: key, alg: alg, kid: "k1"}
	ti.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.hits.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: ti.key.Public(), KeyID: ti.kid, Algorithm: string(ti.alg), Use: "sig",
		}}}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(ti.server.Close)
	return ti
}

func (ti *tokenIssuer) sign(t *testing.T, kid string, claims jwt.Claims, extra map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: ti.alg, Key: ti.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	require.NoError(t, err)
	b := jwt.Signed(signer).Claims(claims)
	if extra != nil {
		b = b.Claims(extra)
	}
	raw, err := b.CompactSerialize()
	require.NoError(t, err)
	return raw
}

const (
	testIssuer   = "https://issuer.test/tenant/v2.0"
	testClientID = "app-123"
)

func validClaims() jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Issuer:   testIssuer,
		Subject:  "user-1",
		Audience: jwt.Audience{"api://" + testClientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestTokenVerifier(t *testing.T) {
	ti := newTokenIssuer(t)
	v := access.NewTokenVerifier(config.AuthConfig{
		Mode: config.AuthJWT, ClientID: testClientID, Issuer: testIssuer, JWKSURL: ti.server.URL,
	}, logging.Nop())
	ctx := context.Background()

	claims, err := v.Verify(ctx, ti.sign(t, "k1", validClaims(), map[string]any{
		"roles": []string{"readonly"}, "preferred_username": "jane@example.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, []string{"readonly"}, claims.Roles)

	expired := validClaims()
	expired.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err = v.Verify(ctx, ti.sign(t, "k1", expired, nil))
	require.Error(t, err)

	wrongAud := validClaims()
	wrongAud.Audience = jwt.Audience{"someone-else"}
	_, err = v.Verify(ctx, ti.sign(t, "k1", wrongAud, nil))
	require.Error(t, err)

	wrongIss := validClaims()
	wrongIss.Issuer = "https://evil.test/"
	_, err = v.Verify(ctx, ti.sign(t, "k1", wrongIss, nil))
	require.Error(t, err)

	_, err = v.Verify(ctx, "not-a-token")
	require.Error(t, err)

	assert.Equal(t, int32(1), ti.hits.Load(), "key set is cached")
}

func TestTokenVerifier_ES256(t *testing.T) {
	ti := newECTokenIssuer(t)
	v := access.NewTokenVerifier(config.AuthConfig{
		Mode: config.AuthJWT, ClientID: testClientID, Issuer: testIssuer, JWKSURL: ti.server.URL,
	}, logging.Nop())

	claims, err := v.Verify(context.Background(), ti.sign(t, "k1", validClaims(), nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestTokenVerifier_AlgorithmMustMatchKey(t *testing.T) {
	rsaIssuer := newTokenIssuer(t)
	ecIssuer := newECTokenIssuer(t)
	v := access.NewTokenVerifier(config.AuthConfig{
		Mode: config.AuthJWT, ClientID: testClientID, Issuer: testIssuer, JWKSURL: rsaIssuer.server.URL,
	}, logging.Nop())

	_, err := v.Verify(context.Background(), ecIssuer.sign(t, "k1", validClaims(), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ES256")
}

func TestTokenVerifier_ForeignKeyRejected(t *testing.T) {
	ti := newTokenIssuer(t)
	other := newTokenIssuer(t)
	v := access.NewTokenVerifier(config.AuthConfig{
		Mode: config.AuthJWT, ClientID: testClientID, Issuer: testIssuer, JWKSURL: ti.server.URL,
	}, logging.Nop())

	_, err := v.Verify(context.Background(), other.sign(t, "k1", validClaims(), nil))
	require.Error(t, err)
}

func TestAuthenticate_JWTRoles(t *testing.T) {
	ti := newTokenIssuer(t)
	auth := config.AuthConfig{Mode: config.AuthBoth, APIKey: "shared", ClientID: testClientID, Issuer: testIssuer, JWKSURL: ti.server.URL}
	c := newController(t, auth, config.RBACConfig{Enabled: true}, access.NewTokenVerifier(auth, logging.Nop()))

	token := ti.sign(t, "k1", validClaims(), map[string]any{"roles": []string{"readonly", "admin"}})
	id, err := c.Authenticate(request(map[string]string{"Authorization": "Bearer " + token}))
	require.NoError(t, err)
	assert.Equal(t, access.MethodJWT, id.Method)
	assert.Equal(t, access.RoleAdmin, id.Role)

	token = ti.sign(t, "k1", validClaims(), nil)
	id, err = c.Authenticate(request(map[string]string{"Authorization": "Bearer " + token}))
	require.NoError(t, err)
	assert.Equal(t, access.RoleStandard, id.Role)

	id, err = c.Authenticate(request(map[string]string{"X-API-Key": "shared"}))
	require.NoError(t, err)
	assert.Equal(t, access.MethodAPIKey, id.Method)

	_, err = c.Authenticate(request(map[string]string{"Authorization": "Bearer garbage"}))
	require.ErrorIs(t, err, access.ErrUnauthorized)
}
