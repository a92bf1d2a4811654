package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the owner behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (ownerID string, err error)
}

// DefaultOwner is the owner of a bare API key without an "owner:" prefix.
const DefaultOwner = "default"

type apiKey struct {
	owner string
	key   []byte
}

// APIKeyAuthenticator accepts static keys from the X-API-Key header, a bearer
// token or the api_key query parameter (browsers cannot set headers on
// WebSocket and EventSource requests).
type APIKeyAuthenticator struct {
	keys []apiKey
}

// NewAPIKeyAuthenticator takes "owner:key" pairs; a bare key belongs to DefaultOwner.
func NewAPIKeyAuthenticator(pairs []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, p := range pairs {
		owner, key, ok := strings.Cut(p, ":")
		if !ok {
			owner, key = DefaultOwner, p
		}
		a.keys = append(a.keys, apiKey{owner: owner, key: []byte(key)})
	}
	return a
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	provided := r.Header.Get("X-API-Key")
	if provided == "" {
		provided = bearer(r)
	}
	if provided == "" {
		provided = r.URL.Query().Get("api_key")
	}
	if provided == "" {
		return "", fmt.Errorf("missing API key: %w", ErrUnauthenticated)
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(provided), k.key) == 1 {
			return k.owner, nil
		}
	}
	return "", fmt.Errorf("invalid API key: %w", ErrUnauthenticated)
}

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 24 * time.Hour

// JWTAuthenticator accepts HS256 tokens carrying an exp claim and uses the
// sub claim as owner.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearer(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", fmt.Errorf("missing token: %w", ErrUnauthenticated)
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w: %w", ErrUnauthenticated, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}
	return sub, nil
}

// IssueToken signs an HS256 token for ownerID that expires after ttl
// (DefaultTokenTTL when ttl is not positive).
func (a *JWTAuthenticator) IssueToken(ownerID string, ttl time.Duration, claims jwt.MapClaims) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := a.now()
	c := jwt.MapClaims{}
	for k, v := range claims {
		c[k] = v
	}
	c["sub"] = ownerID
	c["iat"] = now.Unix()
	c["exp"] = now.Add(ttl).Unix()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Chain tries each authenticator in turn and returns the first success.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (string, error) {
	err := fmt.Errorf("no authenticator configured: %w", ErrUnauthenticated)
	for _, a := range c {
		owner, aerr := a.Authenticate(r)
		if aerr == nil {
			return owner, nil
		}
		err = aerr
	}
	return "", err
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
