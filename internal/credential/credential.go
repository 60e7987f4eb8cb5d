// Package credential issues and verifies W3C verifiable credentials that
// attest an agent's reputation, signed with Ed25519Signature2020 proofs.
package credential

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davidahmann/kpregistry/internal/crypto"
)

const (
	ContextW3C = "https://www.w3.org/2018/credentials/v1"
	ContextKP  = "https://openknowledgepulse.org/credentials/v1"

	TypeVerifiable = "VerifiableCredential"
	TypeReputation = "KPReputationCredential"

	ProofType    = "Ed25519Signature2020"
	ProofPurpose = "assertionMethod"

	// TimeLayout is ISO-8601 in UTC with millisecond precision.
	TimeLayout = "2006-01-02T15:04:05.000Z"
)

var ErrMissingKey = errors.New("signing key is required")

type Subject struct {
	ID            string  `json:"id"`
	Score         float64 `json:"score"`
	Contributions int     `json:"contributions"`
	Validations   int     `json:"validations"`
	Domain        *string `json:"domain,omitempty"`
}

type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

type Credential struct {
	Context           []string `json:"@context"`
	Type              []string `json:"type"`
	Issuer            string   `json:"issuer"`
	IssuanceDate      string   `json:"issuanceDate"`
	CredentialSubject Subject  `json:"credentialSubject"`
	Proof             *Proof   `json:"proof,omitempty"`
}

type Options struct {
	Issuer        string
	AgentID       string
	Score         float64
	Contributions int
	Validations   int
	Domain        *string
}

// Create returns an unsigned credential issued at now.
func Create(opts Options, now time.Time) Credential {
	subject := Subject{
		ID:            opts.AgentID,
		Score:         opts.Score,
		Contributions: opts.Contributions,
		Validations:   opts.Validations,
	}
	if opts.Domain != nil {
		domain := *opts.Domain
		subject.Domain = &domain
	}
	return Credential{
		Context:           []string{ContextW3C, ContextKP},
		Type:              []string{TypeVerifiable, TypeReputation},
		Issuer:            opts.Issuer,
		IssuanceDate:      now.UTC().Format(TimeLayout),
		CredentialSubject: subject,
	}
}

// SigningBytes returns the canonical JSON of c without its proof.
func SigningBytes(c Credential) ([]byte, error) {
	c.Proof = nil
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, err
	}
	return crypto.Canonicalize(view)
}

// Sign returns a copy of c carrying a fresh proof. Any existing proof is
// replaced.
func Sign(c Credential, priv ed25519.PrivateKey, verificationMethod string, now time.Time) (Credential, error) {
	if len(priv) == 0 {
		return Credential{}, ErrMissingKey
	}
	msg, err := SigningBytes(c)
	if err != nil {
		return Credential{}, fmt.Errorf("canonicalize credential: %w", err)
	}
	sig, err := crypto.SignEd25519(priv, msg)
	if err != nil {
		return Credential{}, err
	}
	c.Proof = &Proof{
		Type:               ProofType,
		Created:            now.UTC().Format(TimeLayout),
		VerificationMethod: verificationMethod,
		ProofPurpose:       ProofPurpose,
		ProofValue:         base64.StdEncoding.EncodeToString(sig),
	}
	return c, nil
}

// Verify reports whether c carries a valid proof by pub. It never panics;
// malformed input verifies false.
func Verify(c Credential, pub ed25519.PublicKey) bool {
	raw, err := json.Marshal(c)
	if err != nil {
		return false
	}
	return VerifyJSON(raw, pub)
}

// VerifyJSON verifies a credential document exactly as received. Every member
// other than proof is covered by the signature, including members Credential
// does not model, so a field added after signing fails verification.
func VerifyJSON(raw []byte, pub ed25519.PublicKey) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return false
	}
	if _, err := dec.Token(); err != io.EOF {
		return false
	}

	proof, ok := doc["proof"].(map[string]any)
	if !ok {
		return false
	}
	value, ok := proof["proofValue"].(string)
	if !ok || value == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}

	delete(doc, "proof")
	msg, err := crypto.Canonicalize(doc)
	if err != nil {
		return false
	}
	ok, err = crypto.VerifyEd25519(pub, msg, sig)
	return err == nil && ok
}
