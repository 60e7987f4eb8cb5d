package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrUnrecognizedKey = errors.New("unrecognized ed25519 key encoding")

// LoadEd25519PrivateKey reads the issuer signing key at path. The file holds
// a PKCS#8 PEM block (as written by `openssl genpkey -algorithm ed25519`), or
// a 32-byte seed or 64-byte private key, either raw or encoded as hex or
// base64. Encoded forms may carry a "hex:" or "base64:" prefix.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	priv, err := ParseEd25519PrivateKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// ParseEd25519PrivateKey decodes key material in any of the forms
// LoadEd25519PrivateKey accepts.
func ParseEd25519PrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	if block, _ := pem.Decode(raw); block != nil {
		return fromPKCS8(block)
	}

	material, err := keyMaterial(raw)
	if err != nil {
		return nil, err
	}
	switch len(material) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(material), nil
	case ed25519.PrivateKeySize:
		// The trailing half must be the public key derived from the seed.
		priv := ed25519.NewKeyFromSeed(material[:ed25519.SeedSize])
		if string(priv[ed25519.SeedSize:]) != string(material[ed25519.SeedSize:]) {
			return nil, ErrInvalidKeySize
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(material))
	}
}

func fromPKCS8(block *pem.Block) (ed25519.PrivateKey, error) {
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: pem block %q", ErrUnrecognizedKey, block.Type)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: pkcs8 key is %T", ErrUnrecognizedKey, key)
	}
	return priv, nil
}

func keyMaterial(raw []byte) ([]byte, error) {
	if n := len(raw); n == ed25519.SeedSize || n == ed25519.PrivateKeySize {
		return raw, nil
	}

	text := strings.TrimSpace(string(raw))
	switch {
	case text == "":
		return nil, fmt.Errorf("%w: empty", ErrUnrecognizedKey)
	case strings.HasPrefix(text, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(text, "hex:"))
	case strings.HasPrefix(text, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(text, "base64:"))
	}

	if out, err := hex.DecodeString(text); err == nil {
		return out, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(text); err == nil {
			return out, nil
		}
	}
	return nil, ErrUnrecognizedKey
}
