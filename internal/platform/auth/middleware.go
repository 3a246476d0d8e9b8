package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// jwksCache holds RSA keys fetched from the identity provider and refreshes
// them on TTL expiry or on an unknown kid (key rotation).
type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	url       string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

const defaultJWKSCacheTTL = 5 * time.Minute

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		keys:   make(map[string]*rsa.PublicKey),
		url:    url,
		ttl:    defaultJWKSCacheTTL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) <= c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok = c.keys[kid]; !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *jwksCache) refresh() error {
	var doc struct {
		Keys []jwksKey `json:"keys"`
	}
	if err := getJSON(c.client, c.url, &doc); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		n, errN := base64.RawURLEncoding.DecodeString(k.N)
		e, errE := base64.RawURLEncoding.DecodeString(k.E)
		if errN != nil || errE != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func getJSON(client *http.Client, url string, v interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// discoverJWKSURL reads jwks_uri from the issuer's OpenID configuration.
func discoverJWKSURL(issuer string) (string, error) {
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	client := &http.Client{Timeout: 10 * time.Second}
	if err := getJSON(client, strings.TrimRight(issuer, "/")+"/.well-known/openid-configuration", &doc); err != nil {
		return "", err
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (cfg JWTConfig) keyFunc() jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		return func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return cfg.SigningKey, nil
		}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		if discovered, err := discoverJWKSURL(cfg.Issuer); err == nil {
			jwksURL = discovered
		}
	}
	cache := newJWKSCache(jwksURL)
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return cache.key(kid)
	}
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := cfg.keyFunc()
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			setIdentity(c, claims.TenantID, claims.Subject, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware grants an admin identity on the default tenant to
// requests without an Authorization header. Development only.
func DevAuthMiddleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.Request().Header.Get("X-Dev-User")
			if user == "" {
				user = "dev-user"
			}
			setIdentity(c, defaultTenant, user, []string{"admin"})
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, tenantID, userID string, roles []string) {
	// The tenant middleware reads jwt_tenant_id; the rate limiter reads user_id.
	c.Set("jwt_tenant_id", tenantID)
	c.Set("user_id", userID)
	c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), userID, roles)))
}

// WithUser binds an authenticated identity to ctx.
func WithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
