package credential

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/kpregistry/internal/crypto"
)

var issued = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func testKey(t *testing.T, fill byte) (ed25519.PrivateKey, ed25519.PublicKey) {
	t.Helper()
	priv, pub, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{fill}, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return priv, pub
}

func signed(t *testing.T, priv ed25519.PrivateKey) Credential {
	t.Helper()
	domain := "finance"
	c := Create(Options{Issuer: "did:kp:registry", AgentID: "agent-1", Score: 0.75, Contributions: 12, Validations: 4, Domain: &domain}, issued)
	out, err := Sign(c, priv, "did:kp:registry#key-1", issued)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return out
}

func TestCreateShape(t *testing.T) {
	c := Create(Options{Issuer: "did:kp:registry", AgentID: "agent-1", Score: 0.5}, issued)
	if len(c.Context) != 2 || c.Context[0] != ContextW3C || c.Context[1] != ContextKP {
		t.Fatalf("unexpected context %v", c.Context)
	}
	if len(c.Type) != 2 || c.Type[1] != TypeReputation {
		t.Fatalf("unexpected type %v", c.Type)
	}
	if c.IssuanceDate != "2026-03-01T12:30:00.000Z" {
		t.Fatalf("unexpected issuance date %s", c.IssuanceDate)
	}
	if c.Proof != nil || c.CredentialSubject.Domain != nil {
		t.Fatalf("expected unsigned credential without domain")
	}

	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "domain") || strings.Contains(string(raw), "proof") {
		t.Fatalf("unexpected optional fields in %s", raw)
	}
}

func TestSignAndVerify(t *testing.T) {
	priv, pub := testKey(t, 1)
	c := signed(t, priv)

	if c.Proof == nil || c.Proof.Type != ProofType || c.Proof.ProofPurpose != ProofPurpose {
		t.Fatalf("unexpected proof %+v", c.Proof)
	}
	if !Verify(c, pub) {
		t.Fatalf("expected credential to verify")
	}

	// Survives a JSON round trip, which is how verifiers receive it.
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Credential
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !Verify(decoded, pub) {
		t.Fatalf("expected decoded credential to verify")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	priv, pub := testKey(t, 1)
	c := signed(t, priv)

	tampered := c
	tampered.CredentialSubject.Score = 0.99
	if Verify(tampered, pub) {
		t.Fatalf("expected tampered score to fail")
	}

	tampered = c
	tampered.Issuer = "did:kp:other"
	if Verify(tampered, pub) {
		t.Fatalf("expected tampered issuer to fail")
	}

	tampered = c
	tampered.CredentialSubject.Domain = nil
	if Verify(tampered, pub) {
		t.Fatalf("expected dropped domain to fail")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, _ := testKey(t, 1)
	_, other := testKey(t, 2)
	if Verify(signed(t, priv), other) {
		t.Fatalf("expected wrong key to fail")
	}
}

func TestVerifyMalformed(t *testing.T) {
	priv, pub := testKey(t, 1)
	c := signed(t, priv)

	unsigned := c
	unsigned.Proof = nil
	if Verify(unsigned, pub) {
		t.Fatalf("expected unsigned credential to fail")
	}

	bad := c
	proof := *c.Proof
	proof.ProofValue = "not base64!"
	bad.Proof = &proof
	if Verify(bad, pub) {
		t.Fatalf("expected bad base64 to fail")
	}

	if Verify(c, pub[:16]) {
		t.Fatalf("expected short key to fail")
	}
	if Verify(c, nil) {
		t.Fatalf("expected nil key to fail")
	}
}

// injectField adds a member to the object at path inside a signed document.
func injectField(t *testing.T, c Credential, path []string, key string, value any) []byte {
	t.Helper()
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	target := doc
	for _, p := range path {
		target = target[p].(map[string]any)
	}
	target[key] = value
	out, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return out
}

func TestVerifyJSON(t *testing.T) {
	priv, pub := testKey(t, 1)
	c := signed(t, priv)

	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !VerifyJSON(raw, pub) {
		t.Fatalf("expected untouched document to verify")
	}
	// Member order and whitespace are not signed.
	reordered := injectField(t, c, nil, "issuer", c.Issuer)
	if !VerifyJSON(append([]byte("  "), reordered...), pub) {
		t.Fatalf("expected re-serialized document to verify")
	}

	cases := map[string][]byte{
		"subject member added":   injectField(t, c, []string{"credentialSubject"}, "role", "admin"),
		"top-level member added": injectField(t, c, nil, "expirationDate", "2099-01-01T00:00:00.000Z"),
		"proof missing":          injectField(t, c, nil, "proof", "none"),
		"proof value not string": injectField(t, c, []string{"proof"}, "proofValue", 7),
		"not an object":          []byte(`["VerifiableCredential"]`),
		"trailing document":      append(append([]byte{}, raw...), []byte(`{}`)...),
		"invalid json":           []byte(`{"proof":`),
	}
	for name, doc := range cases {
		if VerifyJSON(doc, pub) {
			t.Fatalf("%s: expected verification to fail", name)
		}
	}
}

func TestSignRequiresKey(t *testing.T) {
	if _, err := Sign(Create(Options{AgentID: "a"}, issued), nil, "vm", issued); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSigningBytesIgnoresProof(t *testing.T) {
	priv, _ := testKey(t, 1)
	c := signed(t, priv)
	withProof, err := SigningBytes(c)
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	c.Proof = nil
	without, err := SigningBytes(c)
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	if !bytes.Equal(withProof, without) {
		t.Fatalf("proof leaked into signing bytes")
	}
	if !bytes.HasPrefix(without, []byte(`{"@context":`)) {
		t.Fatalf("expected sorted keys, got %s", without)
	}
}

func TestIssuerFromKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issuer.key")
	if err := os.WriteFile(path, []byte("hex:"+strings.Repeat("07", ed25519.SeedSize)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	issuer, err := NewIssuer("did:kp:registry", path)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	issuer.now = func() time.Time { return issued }

	c, err := issuer.Issue(Options{Issuer: "ignored", AgentID: "agent-1", Score: 0.3})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if c.Issuer != "did:kp:registry" || c.Proof.VerificationMethod != "did:kp:registry#key-1" {
		t.Fatalf("unexpected issuer fields %+v", c)
	}
	if !issuer.Verify(c) {
		t.Fatalf("expected issued credential to verify")
	}

	_, pub := testKey(t, 7)
	if !Verify(c, pub) || issuer.Document().Type != ProofType {
		t.Fatalf("expected key file seed to drive the public key")
	}
}

func TestIssuerEphemeralAndMissingFile(t *testing.T) {
	issuer, err := NewIssuer("did:kp:dev", "")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if len(issuer.PublicKey()) != ed25519.PublicKeySize {
		t.Fatalf("expected generated key")
	}
	if _, err := NewIssuer("did:kp:dev", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}
