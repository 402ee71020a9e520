package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/config"
	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
)

const (
	clockLeeway     = time.Minute
	minKeyRefresh   = time.Minute
	keySetCacheTime = 24 * time.Hour
)

// TokenClaims are the claims the broker reads from a verified token.
type TokenClaims struct {
	Subject string
	Name    string
	Roles   []string
}

type extraClaims struct {
	Roles             []string `json:"roles"`
	PreferredUsername string   `json:"preferred_username"`
	AppID             string   `json:"appid"`
	AZP               string   `json:"azp"`
}

// signingAlgorithms are the asymmetric algorithms a token may be signed with.
var signingAlgorithms = map[jose.SignatureAlgorithm]bool{
	jose.RS256: true,
	jose.ES256: true,
}

// TokenVerifier validates RS256 and ES256 bearer tokens against a tenant's
// published key set.
type TokenVerifier struct {
	issuers   []string
	audiences []string
	jwksURL   string
	client    *retryablehttp.Client
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	keys    *jose.JSONWebKeySet
	fetched time.Time
}

// NewTokenVerifier derives issuers, audiences and the key set location from
// the tenant and client ids unless they are overridden.
func NewTokenVerifier(cfg config.AuthConfig, logger *logging.Logger) *TokenVerifier {
	if logger == nil {
		logger = logging.Nop()
	}
	issuers := []string{
		fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", cfg.TenantID),
		fmt.Sprintf("https://sts.windows.net/%s/", cfg.TenantID),
	}
	if cfg.Issuer != "" {
		issuers = []string{cfg.Issuer}
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = fmt.Sprintf("https://login.microsoftonline.com/%s/discovery/v2.0/keys", cfg.TenantID)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &TokenVerifier{
		issuers:   issuers,
		audiences: []string{cfg.ClientID, "api://" + cfg.ClientID},
		jwksURL:   jwksURL,
		client:    client,
		logger:    logger.Named("jwt"),
		now:       time.Now,
	}
}

// Verify checks signature, issuer, audience and expiry.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (*TokenClaims, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	if len(tok.Headers) != 1 {
		return nil, errors.New("token must carry exactly one signature")
	}
	hdr := tok.Headers[0]
	if !signingAlgorithms[jose.SignatureAlgorithm(hdr.Algorithm)] {
		return nil, fmt.Errorf("unsupported signing algorithm %q", hdr.Algorithm)
	}

	key, err := v.key(ctx, hdr.KeyID)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != hdr.Algorithm {
		return nil, fmt.Errorf("key %q is not for %s", hdr.KeyID, hdr.Algorithm)
	}

	var std jwt.Claims
	var extra extraClaims
	if err := tok.Claims(key.Key, &std, &extra); err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: v.now()}, clockLeeway); err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}
	if std.Expiry == nil {
		return nil, errors.New("token has no expiry")
	}
	if !v.issuerOK(std.Issuer) {
		return nil, fmt.Errorf("unexpected issuer %q", std.Issuer)
	}
	if !v.audienceOK(std.Audience) {
		return nil, errors.New("token audience does not match this service")
	}

	name := extra.PreferredUsername
	if name == "" {
		name = firstNonEmpty(extra.AZP, extra.AppID, std.Subject)
	}
	return &TokenClaims{Subject: std.Subject, Name: name, Roles: extra.Roles}, nil
}

func (v *TokenVerifier) issuerOK(iss string) bool {
	for _, want := range v.issuers {
		if iss == want {
			return true
		}
	}
	return false
}

func (v *TokenVerifier) audienceOK(aud jwt.Audience) bool {
	for _, want := range v.audiences {
		if want != "" && want != "api://" && aud.Contains(want) {
			return true
		}
	}
	return false
}

// key finds the signing key by id, refreshing the key set once when the id
// is unknown so rotated keys are picked up.
func (v *TokenVerifier) key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stale := v.keys == nil || v.now().Sub(v.fetched) > keySetCacheTime
	if !stale {
		if k := lookup(v.keys, kid); k != nil {
			return k, nil
		}
		stale = v.now().Sub(v.fetched) > minKeyRefresh
	}
	if stale {
		set, err := v.fetch(ctx)
		if err != nil {
			if v.keys == nil {
				return nil, err
			}
			v.logger.Warn("key set refresh failed, using cached keys", zap.Error(err))
		} else {
			v.keys = set
			v.fetched = v.now()
		}
	}
	if k := lookup(v.keys, kid); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

func (v *TokenVerifier) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key set: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	v.logger.Debug("key set loaded", zap.Int("keys", len(set.Keys)))
	return &set, nil
}

func lookup(set *jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if set == nil {
		return nil
	}
	if kid == "" {
		if len(set.Keys) == 1 {
			return &set.Keys[0]
		}
		return nil
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return &keys[0]
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
