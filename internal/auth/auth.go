package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Identity is who a request acts as. Anonymous callers have Authenticated
// false and the anonymous tier.
type Identity struct {
	Authenticated bool
	AgentID       string
	Tier          string
	Scopes        []string
	KeyPrefix     string
	// RemoteID is the client address used when there is no agent.
	RemoteID string
}

// Identifier is the rate-limit identity: the agent when known, else the
// client address.
func (id Identity) Identifier() string {
	if id.AgentID != "" {
		return id.AgentID
	}
	return id.RemoteID
}

// Has reports whether id carries scope. Admin implies write.
func (id Identity) Has(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || (s == ScopeAdmin && scope == ScopeWrite) {
			return true
		}
	}
	return false
}

type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// KeyAuthenticator resolves bearer API keys. A missing or unknown key yields
// an anonymous identity, not an error; only backend failures are returned.
type KeyAuthenticator struct {
	Keys *Keys
}

func (a *KeyAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	id := Identity{Tier: ratelimit.TierAnonymous, RemoteID: RemoteID(r)}

	bearer, err := extractBearer(r)
	if err != nil {
		return id, nil
	}
	rec, err := a.Keys.Verify(r.Context(), bearer)
	if errors.Is(err, store.ErrNotFound) {
		return id, nil
	}
	if err != nil {
		return id, err
	}

	id.Authenticated = true
	id.AgentID = rec.AgentID
	id.Tier = rec.Tier
	id.Scopes = rec.Scopes
	id.KeyPrefix = rec.KeyPrefix
	return id, nil
}

// RemoteID returns the first X-Forwarded-For hop, else the host part of
// RemoteAddr.
func RemoteID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by WithIdentity, or an anonymous
// one.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Identity{Tier: ratelimit.TierAnonymous}
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
