// Package keycloak verifies bearer tokens issued by a Keycloak realm and maps
// their claims onto platform actors.  Verification is local: signing keys come
// from the realm's JWKS endpoint and are cached, so the hot path never calls
// Keycloak.
package keycloak

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

// AuthProvider verifies bearer tokens.
type AuthProvider interface {
	VerifyToken(ctx context.Context, rawToken string) (*TokenClaims, error)
}

// TokenClaims are the verified claims the platform consumes.
type TokenClaims struct {
	Subject           string
	Email             string
	PreferredUsername string
	RealmRoles        []string
	ClientRoles       map[string][]string
	Groups            []string
	TenantID          string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	Issuer            string
	Audience          []string
	Scope             string
}

// KeycloakConfig configures the token verifier.
type KeycloakConfig struct {
	BaseURL                  string
	Realm                    string
	ClientID                 string
	PublicKeyRefreshInterval time.Duration
	RequestTimeout           time.Duration
	TLSInsecureSkipVerify    bool
}

var (
	ErrTokenExpired          = errors.New(errors.ErrCodeUnauthorized, "token expired")
	ErrTokenInvalidSignature = errors.New(errors.ErrCodeUnauthorized, "invalid token signature")
	ErrTokenInvalidIssuer    = errors.New(errors.ErrCodeUnauthorized, "invalid token issuer")
	ErrTokenInvalidAudience  = errors.New(errors.ErrCodeUnauthorized, "invalid token audience")
	ErrTokenMalformed        = errors.New(errors.ErrCodeUnauthorized, "malformed token")
	ErrJWKSRefreshFailed     = errors.New(errors.ErrCodeServiceUnavailable, "jwks refresh failed")
	ErrInvalidConfig         = errors.New(errors.ErrCodeBadRequest, "invalid configuration")
)

type keycloakClient struct {
	config     KeycloakConfig
	httpClient *http.Client
	jwksCache  *jwksCache
	logger     logging.Logger
}

// ClientOption configures the verifier.
type ClientOption func(*keycloakClient)

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *keycloakClient) {
		c.httpClient = client
	}
}

// WithJWKSRefreshInterval overrides the background key refresh cadence.
func WithJWKSRefreshInterval(d time.Duration) ClientOption {
	return func(c *keycloakClient) {
		c.config.PublicKeyRefreshInterval = d
	}
}

// NewKeycloakClient builds a verifier for one realm.  The JWKS is fetched once
// up front and refreshed in the background, so construction fails fast when
// the realm is unreachable.
func NewKeycloakClient(cfg KeycloakConfig, logger logging.Logger, opts ...ClientOption) (AuthProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Wrap(ErrInvalidConfig, errors.ErrCodeBadRequest, "base_url is required")
	}
	if cfg.Realm == "" {
		return nil, errors.Wrap(ErrInvalidConfig, errors.ErrCodeBadRequest, "realm is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.Wrap(ErrInvalidConfig, errors.ErrCodeBadRequest, "client_id is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PublicKeyRefreshInterval <= 0 {
		cfg.PublicKeyRefreshInterval = 5 * time.Minute
	}

	client := &keycloakClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkipVerify},
			},
		},
		logger: logger.Named("keycloak"),
	}
	for _, opt := range opts {
		opt(client)
	}

	client.jwksCache = &jwksCache{
		client: client.httpClient,
		url: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs",
			strings.TrimRight(cfg.BaseURL, "/"), cfg.Realm),
		logger: client.logger,
	}
	if err := client.jwksCache.refresh(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to fetch JWKS")
	}

	go func() {
		ticker := time.NewTicker(cfg.PublicKeyRefreshInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := client.jwksCache.refresh(); err != nil {
				client.logger.Error("jwks refresh failed", logging.Err(err))
			}
		}
	}()

	return client, nil
}

// VerifyToken checks signature, expiry, issuer, and audience, then maps the
// claims.  Tokens whose audience omits the client ID are still accepted when
// the authorized party ("azp") matches, which is how Keycloak issues tokens
// obtained through the authorization-code flow.
func (c *keycloakClient) VerifyToken(ctx context.Context, rawToken string) (*TokenClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, ErrTokenMalformed
	}
	kid, ok := unverified.Header["kid"].(string)
	if !ok {
		return nil, ErrTokenMalformed
	}

	key, err := c.jwksCache.getKey(kid)
	if err != nil {
		return nil, ErrTokenInvalidSignature
	}

	token, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		switch {
		case stdliberrors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case stdliberrors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenInvalidSignature
		}
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "token verification failed")
	}
	if !token.Valid {
		return nil, ErrTokenInvalidSignature
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}

	expectedIssuer := fmt.Sprintf("%s/realms/%s", strings.TrimRight(c.config.BaseURL, "/"), c.config.Realm)
	if iss, err := claims.GetIssuer(); err != nil || iss != expectedIssuer {
		return nil, ErrTokenInvalidIssuer
	}
	if !c.audienceMatches(claims) {
		return nil, ErrTokenInvalidAudience
	}

	return mapClaims(claims), nil
}

func (c *keycloakClient) audienceMatches(claims jwt.MapClaims) bool {
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == c.config.ClientID {
			return true
		}
	}
	azp, ok := claims["azp"].(string)
	return ok && azp == c.config.ClientID
}

func mapClaims(claims jwt.MapClaims) *TokenClaims {
	tc := &TokenClaims{ClientRoles: make(map[string][]string)}

	if sub, err := claims.GetSubject(); err == nil {
		tc.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tc.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tc.IssuedAt = iat.Time
	}
	if iss, err := claims.GetIssuer(); err == nil {
		tc.Issuer = iss
	}
	if aud, err := claims.GetAudience(); err == nil {
		tc.Audience = aud
	}
	if email, ok := claims["email"].(string); ok {
		tc.Email = email
	}
	if username, ok := claims["preferred_username"].(string); ok {
		tc.PreferredUsername = username
	}
	if scope, ok := claims["scope"].(string); ok {
		tc.Scope = scope
	}
	if tenantID, ok := claims["tenant_id"].(string); ok {
		tc.TenantID = tenantID
	}

	if realmAccess, ok := claims["realm_access"].(map[string]interface{}); ok {
		tc.RealmRoles = stringSlice(realmAccess["roles"])
	}
	if resourceAccess, ok := claims["resource_access"].(map[string]interface{}); ok {
		for clientID, access := range resourceAccess {
			if accessMap, ok := access.(map[string]interface{}); ok {
				tc.ClientRoles[clientID] = stringSlice(accessMap["roles"])
			}
		}
	}
	tc.Groups = stringSlice(claims["groups"])

	return tc
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// jwksCache holds the realm's RSA signing keys, keyed by kid.  An unknown kid
// triggers one refresh before failing, which covers key rotation.
type jwksCache struct {
	keys   map[string]*rsa.PublicKey
	mu     sync.RWMutex
	client *http.Client
	url    string
	logger logging.Logger
}

func (c *jwksCache) getKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}
	if err := c.refresh(); err != nil {
		return nil, ErrJWKSRefreshFailed.WithCause(err)
	}
	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("public key not found for kid %s", kid)
	}
	return key, nil
}

func (c *jwksCache) refresh() error {
	c.logger.Debug("refreshing JWKS cache", logging.String("url", c.url))
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch JWKS: %s", resp.Status)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	newKeys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Use != "sig" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			c.logger.Warn("failed to decode JWKS modulus", logging.String("kid", key.Kid), logging.Err(err))
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			c.logger.Warn("failed to decode JWKS exponent", logging.String("kid", key.Kid), logging.Err(err))
			continue
		}
		eInt := 0
		for _, b := range eBytes {
			eInt = eInt<<8 + int(b)
		}
		newKeys[key.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}
	}

	c.mu.Lock()
	c.keys = newKeys
	c.mu.Unlock()
	return nil
}
