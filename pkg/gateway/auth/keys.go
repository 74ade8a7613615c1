// Package auth authenticates inbound callers and supplies credentials for
// outbound calls.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// Principal is an authenticated caller.
type Principal struct {
	OwnerID string
}

// Authenticator resolves an API key to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// StaticKeys authenticates against a fixed key to owner table.
type StaticKeys struct {
	keys []keyEntry
}

type keyEntry struct {
	key     []byte
	ownerID string
}

// NewStaticKeys builds an authenticator from a map of API key to owner id.
func NewStaticKeys(keys map[string]string) (*StaticKeys, error) {
	s := &StaticKeys{}
	for key, owner := range keys {
		if key == "" {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "api keys must not be empty", nil)
		}
		if owner == "" {
			return nil, apperrors.New(apperrors.ErrCodeConfig, fmt.Sprintf("api key %s has no owner", redact(key)), nil)
		}
		s.keys = append(s.keys, keyEntry{key: []byte(key), ownerID: owner})
	}
	return s, nil
}

// Authenticate compares apiKey against every configured key in constant time.
func (s *StaticKeys) Authenticate(_ context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "missing api key", nil)
	}
	candidate := []byte(apiKey)
	var owner string
	for _, e := range s.keys {
		if subtle.ConstantTimeCompare(e.key, candidate) == 1 {
			owner = e.ownerID
		}
	}
	if owner == "" {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "invalid api key", nil)
	}
	return &Principal{OwnerID: owner}, nil
}

// KeyFromRequest extracts an API key from the Authorization bearer header or
// the X-API-Key header.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
