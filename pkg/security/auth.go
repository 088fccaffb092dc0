// Package security provides the request-facing guards of the server: API
// key authentication resolving callers to owners, per-owner rate limiting
// and SSRF validation of outbound webhook URLs.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
)

// AnonymousOwner is the owner of every request when authentication is off.
const AnonymousOwner = "anonymous"

// Authentication errors.
var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Principal is an authenticated caller. ID is the owner id that scopes
// every thread, run and cron the caller touches.
type Principal struct {
	ID   string
	Name string
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// APIKeyAuthenticator maps static API keys to owners.
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates an authenticator with no keys.
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys: make(map[string]*Principal),
	}
}

// AddKey registers an API key for an owner.
func (a *APIKeyAuthenticator) AddKey(apiKey string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[apiKey] = principal
}

// Authenticate verifies an API key and returns its principal.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	// constant-time to avoid leaking key prefixes
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return principal, nil
		}
	}
	return nil, ErrInvalidToken
}

// NoAuthAuthenticator accepts every request as the anonymous owner.
type NoAuthAuthenticator struct{}

// Authenticate returns the anonymous principal.
func (NoAuthAuthenticator) Authenticate(context.Context, string) (*Principal, error) {
	return &Principal{ID: AnonymousOwner, Name: "Anonymous"}, nil
}

// BearerToken extracts the token from an Authorization header value. The
// x-api-key form (no scheme) is accepted too.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores the caller in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// OwnerFrom returns the caller's owner id, or AnonymousOwner.
func OwnerFrom(ctx context.Context) string {
	if p, ok := PrincipalFrom(ctx); ok {
		return p.ID
	}
	return AnonymousOwner
}

// MaskSecret masks a secret for logging purposes.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
