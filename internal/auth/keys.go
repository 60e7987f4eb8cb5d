package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/kpregistry/internal/crypto"
	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

const (
	KeyPrefix    = "kp_"
	keyRandBytes = 32
	// DisplayPrefixLen is how much of a raw key is kept to identify it.
	DisplayPrefixLen = 11
)

const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

var (
	ErrMissingAgent = errors.New("agent_id is required")
	ErrNoScopes     = errors.New("at least one valid scope is required")
	ErrUnknownTier  = errors.New("unknown tier")
	ErrAgentClaimed = errors.New("agent_id is already registered")
)

// GenerateKey returns a new raw API key and its display prefix.
func GenerateKey() (raw string, prefix string, err error) {
	buf := make([]byte, keyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = KeyPrefix + hex.EncodeToString(buf)
	return raw, raw[:DisplayPrefixLen], nil
}

func HashKey(raw string) string {
	return crypto.DigestHex([]byte(raw))
}

// ValidScope reports whether s is one of the known scopes.
func ValidScope(s string) bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeAdmin:
		return true
	default:
		return false
	}
}

// Keys issues, verifies and revokes API keys over an APIKeyStore.
type Keys struct {
	Store store.APIKeyStore
	Tiers ratelimit.Table
	Now   func() time.Time
}

func (k *Keys) now() time.Time {
	if k.Now != nil {
		return k.Now().UTC()
	}
	return time.Now().UTC()
}

// Create issues a key for agentID. Unknown scopes are dropped; an empty tier
// means free. The raw key is returned once and never stored.
func (k *Keys) Create(ctx context.Context, agentID string, scopes []string, tier string) (string, store.APIKeyRecord, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", store.APIKeyRecord{}, ErrMissingAgent
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeRead}
	}
	kept := make([]string, 0, len(scopes))
	seen := map[string]bool{}
	for _, s := range scopes {
		if ValidScope(s) && !seen[s] {
			seen[s] = true
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return "", store.APIKeyRecord{}, ErrNoScopes
	}
	if tier == "" {
		tier = ratelimit.TierFree
	}
	if k.Tiers != nil {
		if _, ok := k.Tiers[tier]; !ok {
			return "", store.APIKeyRecord{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
		}
	}

	raw, prefix, err := GenerateKey()
	if err != nil {
		return "", store.APIKeyRecord{}, fmt.Errorf("generate key: %w", err)
	}
	rec := store.APIKeyRecord{
		KeyHash:   HashKey(raw),
		KeyPrefix: prefix,
		AgentID:   agentID,
		Scopes:    kept,
		Tier:      tier,
		CreatedAt: k.now(),
	}
	if err := k.Store.PutKey(ctx, rec); err != nil {
		return "", store.APIKeyRecord{}, fmt.Errorf("store key: %w", err)
	}
	return raw, rec, nil
}

// Verify returns the live record for raw. Unknown and revoked keys report
// store.ErrNotFound.
func (k *Keys) Verify(ctx context.Context, raw string) (store.APIKeyRecord, error) {
	if !strings.HasPrefix(raw, KeyPrefix) {
		return store.APIKeyRecord{}, store.ErrNotFound
	}
	rec, err := k.Store.KeyByHash(ctx, HashKey(raw))
	if err != nil {
		return store.APIKeyRecord{}, err
	}
	if rec.Revoked {
		return store.APIKeyRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (k *Keys) Revoke(ctx context.Context, prefix string) (bool, error) {
	return k.Store.RevokeKey(ctx, prefix, k.now())
}

// Claim checks that caller may obtain a key for agentID. An agent id that
// already holds keys, revoked ones included, belongs to its owner and only
// that owner or an admin can issue more.
func (k *Keys) Claim(ctx context.Context, caller Identity, agentID string) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return ErrMissingAgent
	}
	if caller.Authenticated && (caller.AgentID == agentID || caller.Has(ScopeAdmin)) {
		return nil
	}
	existing, err := k.Store.KeysByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return ErrAgentClaimed
	}
	return nil
}

func (k *Keys) ByAgent(ctx context.Context, agentID string) ([]store.APIKeyRecord, error) {
	return k.Store.KeysByAgent(ctx, agentID)
}
