package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeKeyFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issuer.key")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func marshalPKCS8(t *testing.T, priv ed25519.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestLoadEd25519PrivateKeyForms(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	want := ed25519.NewKeyFromSeed(seed)
	pemBytes := marshalPKCS8(t, want)

	cases := map[string][]byte{
		"raw seed":       seed,
		"raw private":    want,
		"hex seed":       []byte("hex:" + hex.EncodeToString(seed) + "\n"),
		"bare hex":       []byte(hex.EncodeToString(want)),
		"base64 private": []byte("base64:" + base64.StdEncoding.EncodeToString(want)),
		"bare base64url": []byte(base64.RawURLEncoding.EncodeToString(seed)),
		"pkcs8 pem":      pemBytes,
	}
	for name, data := range cases {
		priv, pub, err := LoadEd25519PrivateKey(writeKeyFile(t, data))
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if !priv.Equal(want) {
			t.Fatalf("%s: private key mismatch", name)
		}
		if !pub.Equal(want.Public()) {
			t.Fatalf("%s: public key mismatch", name)
		}
	}
}

func TestParseEd25519PrivateKeyRejects(t *testing.T) {
	if _, err := ParseEd25519PrivateKey([]byte("  ")); !errors.Is(err, ErrUnrecognizedKey) {
		t.Fatalf("expected ErrUnrecognizedKey for empty input, got %v", err)
	}
	if _, err := ParseEd25519PrivateKey([]byte("not-a-key!")); !errors.Is(err, ErrUnrecognizedKey) {
		t.Fatalf("expected ErrUnrecognizedKey, got %v", err)
	}
	if _, err := ParseEd25519PrivateKey([]byte("hex:abcd")); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize for short key, got %v", err)
	}

	// A 64-byte key whose public half does not match its seed.
	bad := append(bytes.Repeat([]byte{1}, ed25519.SeedSize), bytes.Repeat([]byte{2}, ed25519.PublicKeySize)...)
	if _, err := ParseEd25519PrivateKey(bad); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize for mismatched halves, got %v", err)
	}
}

func TestParseEd25519PrivateKeyRejectsOtherPEM(t *testing.T) {
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte{1, 2, 3}})
	if _, err := ParseEd25519PrivateKey(block); !errors.Is(err, ErrUnrecognizedKey) {
		t.Fatalf("expected ErrUnrecognizedKey for public key block, got %v", err)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	if err != nil {
		t.Fatalf("marshal rsa: %v", err)
	}
	block = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := ParseEd25519PrivateKey(block); !errors.Is(err, ErrUnrecognizedKey) {
		t.Fatalf("expected ErrUnrecognizedKey for rsa key, got %v", err)
	}
}

func TestLoadEd25519PrivateKeyMissingFile(t *testing.T) {
	if _, _, err := LoadEd25519PrivateKey(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
