package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/davidahmann/kpregistry/internal/ratelimit"
	"github.com/davidahmann/kpregistry/internal/store"
)

var rawKeyPattern = regexp.MustCompile(`^kp_[0-9a-f]{64}$`)

func newKeys() *Keys {
	return &Keys{
		Store: store.NewInMemoryStore(),
		Tiers: ratelimit.DefaultTable(),
		Now:   func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestGenerateKeyFormat(t *testing.T) {
	raw, prefix, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !rawKeyPattern.MatchString(raw) {
		t.Fatalf("unexpected key format %q", raw)
	}
	if prefix != raw[:11] {
		t.Fatalf("unexpected prefix %q", prefix)
	}
	if len(HashKey(raw)) != 64 || HashKey(raw) == raw {
		t.Fatalf("expected sha256 hex hash")
	}
}

func TestCreateVerifyRevoke(t *testing.T) {
	ctx := context.Background()
	keys := newKeys()

	raw, rec, err := keys.Create(ctx, "agent-1", []string{"read", "write", "bogus", "write"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Tier != ratelimit.TierFree || len(rec.Scopes) != 2 || rec.KeyHash != HashKey(raw) {
		t.Fatalf("unexpected record %+v", rec)
	}

	got, err := keys.Verify(ctx, raw)
	if err != nil || got.AgentID != "agent-1" {
		t.Fatalf("verify: %+v %v", got, err)
	}
	if _, err := keys.Verify(ctx, "kp_"+raw[3:10]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown key, got %v", err)
	}
	if _, err := keys.Verify(ctx, "sk_nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected foreign key format rejected, got %v", err)
	}

	ok, err := keys.Revoke(ctx, rec.KeyPrefix)
	if err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	if _, err := keys.Verify(ctx, raw); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("revoked key must not verify, got %v", err)
	}
	if ok, _ := keys.Revoke(ctx, "kp_missing0"); ok {
		t.Fatalf("unknown prefix must not revoke")
	}

	listed, err := keys.ByAgent(ctx, "agent-1")
	if err != nil || len(listed) != 1 || !listed[0].Revoked {
		t.Fatalf("by agent: %+v %v", listed, err)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	keys := newKeys()
	if _, _, err := keys.Create(ctx, " ", nil, ""); !errors.Is(err, ErrMissingAgent) {
		t.Fatalf("expected ErrMissingAgent, got %v", err)
	}
	if _, _, err := keys.Create(ctx, "a", []string{"root"}, ""); !errors.Is(err, ErrNoScopes) {
		t.Fatalf("expected ErrNoScopes, got %v", err)
	}
	if _, _, err := keys.Create(ctx, "a", nil, "platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
	_, rec, err := keys.Create(ctx, "a", nil, ratelimit.TierPro)
	if err != nil || len(rec.Scopes) != 1 || rec.Scopes[0] != ScopeRead {
		t.Fatalf("expected default read scope, got %+v %v", rec, err)
	}
}

func TestAuthenticate(t *testing.T) {
	keys := newKeys()
	raw, _, err := keys.Create(context.Background(), "agent-1", []string{"admin"}, ratelimit.TierPro)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a := &KeyAuthenticator{Keys: keys}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	id, err := a.Authenticate(req)
	if err != nil || id.Authenticated || id.Tier != ratelimit.TierAnonymous || id.Identifier() != "10.0.0.1" {
		t.Fatalf("expected anonymous identity, got %+v %v", id, err)
	}

	req.Header.Set("Authorization", "Bearer kp_unknown")
	if id, err := a.Authenticate(req); err != nil || id.Authenticated {
		t.Fatalf("unknown key must be anonymous, got %+v %v", id, err)
	}

	req.Header.Set("Authorization", "Bearer "+raw)
	id, err = a.Authenticate(req)
	if err != nil || !id.Authenticated || id.AgentID != "agent-1" || id.Tier != ratelimit.TierPro {
		t.Fatalf("unexpected identity %+v %v", id, err)
	}
	if id.Identifier() != "agent-1" || !id.Has(ScopeWrite) || !id.Has(ScopeAdmin) || id.Has(ScopeRead) {
		t.Fatalf("unexpected scopes for %+v", id)
	}
}

func TestRemoteID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := RemoteID(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
	req.Header.Del("X-Forwarded-For")
	if got := RemoteID(req); got != "192.0.2.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.RemoteAddr = "pipe"
	if got := RemoteID(req); got != "pipe" {
		t.Fatalf("expected raw remote addr, got %q", got)
	}
}

func TestIdentityContext(t *testing.T) {
	if id := FromContext(context.Background()); id.Authenticated || id.Tier != ratelimit.TierAnonymous {
		t.Fatalf("unexpected default identity %+v", id)
	}
	ctx := WithIdentity(context.Background(), Identity{AgentID: "a", Authenticated: true})
	if FromContext(ctx).AgentID != "a" {
		t.Fatalf("expected identity from context")
	}
}

func TestExtractBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := extractBearer(req); !errors.Is(err, ErrMissingBearer) {
		t.Fatalf("expected ErrMissingBearer, got %v", err)
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, err := extractBearer(req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	req.Header.Set("Authorization", "Bearer  ")
	if _, err := extractBearer(req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestClaimAgentID(t *testing.T) {
	ctx := context.Background()
	keys := newKeys()

	anon := Identity{RemoteID: "10.0.0.1"}
	if err := keys.Claim(ctx, anon, "alice"); err != nil {
		t.Fatalf("unclaimed id: %v", err)
	}
	if err := keys.Claim(ctx, anon, "  "); !errors.Is(err, ErrMissingAgent) {
		t.Fatalf("expected ErrMissingAgent, got %v", err)
	}
	_, rec, err := keys.Create(ctx, "alice", []string{ScopeWrite}, ratelimit.TierFree)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := keys.Claim(ctx, anon, " alice "); !errors.Is(err, ErrAgentClaimed) {
		t.Fatalf("anonymous caller: expected ErrAgentClaimed, got %v", err)
	}
	bob := Identity{Authenticated: true, AgentID: "bob", Scopes: []string{ScopeWrite}}
	if err := keys.Claim(ctx, bob, "alice"); !errors.Is(err, ErrAgentClaimed) {
		t.Fatalf("other agent: expected ErrAgentClaimed, got %v", err)
	}
	owner := Identity{Authenticated: true, AgentID: "alice", Scopes: []string{ScopeWrite}}
	if err := keys.Claim(ctx, owner, "alice"); err != nil {
		t.Fatalf("owner: %v", err)
	}
	admin := Identity{Authenticated: true, AgentID: "root", Scopes: []string{ScopeAdmin}}
	if err := keys.Claim(ctx, admin, "alice"); err != nil {
		t.Fatalf("admin: %v", err)
	}

	// Revoking every key does not release the id.
	if _, err := keys.Revoke(ctx, rec.KeyPrefix); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := keys.Claim(ctx, anon, "alice"); !errors.Is(err, ErrAgentClaimed) {
		t.Fatalf("revoked owner: expected ErrAgentClaimed, got %v", err)
	}
}
