package credential

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/davidahmann/kpregistry/internal/crypto"
)

// Issuer signs credentials with a single registry key.
type Issuer struct {
	ID                 string
	VerificationMethod string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	now  func() time.Time
}

// KeyDocument describes the issuer's public key for verifiers.
type KeyDocument struct {
	Issuer             string `json:"issuer"`
	VerificationMethod string `json:"verificationMethod"`
	Type               string `json:"type"`
	PublicKeyBase64    string `json:"publicKeyBase64"`
}

// NewIssuer loads the private key at keyPath. An empty keyPath generates an
// ephemeral key, which is only suitable for development.
func NewIssuer(id string, keyPath string) (*Issuer, error) {
	var (
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
		err  error
	)
	if keyPath != "" {
		priv, pub, err = crypto.LoadEd25519PrivateKey(keyPath)
		if err != nil {
			return nil, fmt.Errorf("load issuer key: %w", err)
		}
	} else {
		priv, pub, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate issuer key: %w", err)
		}
	}
	return NewIssuerFromKey(id, priv, pub), nil
}

func NewIssuerFromKey(id string, priv ed25519.PrivateKey, pub ed25519.PublicKey) *Issuer {
	return &Issuer{
		ID:                 id,
		VerificationMethod: id + "#key-1",
		priv:               priv,
		pub:                pub,
		now:                time.Now,
	}
}

func (i *Issuer) PublicKey() ed25519.PublicKey { return i.pub }

// Issue creates and signs a credential for opts. The issuer field is always
// the issuer's own id.
func (i *Issuer) Issue(opts Options) (Credential, error) {
	opts.Issuer = i.ID
	now := i.now()
	return Sign(Create(opts, now), i.priv, i.VerificationMethod, now)
}

func (i *Issuer) Verify(c Credential) bool {
	return Verify(c, i.pub)
}

// VerifyJSON checks a received credential document against the issuer key.
func (i *Issuer) VerifyJSON(raw []byte) bool {
	return VerifyJSON(raw, i.pub)
}

func (i *Issuer) Document() KeyDocument {
	return KeyDocument{
		Issuer:             i.ID,
		VerificationMethod: i.VerificationMethod,
		Type:               ProofType,
		PublicKeyBase64:    base64.StdEncoding.EncodeToString(i.pub),
	}
}
