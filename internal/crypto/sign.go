package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignEd25519 signs message with privateKey.
func SignEd25519(privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.Sign(privateKey, message), nil
}

// VerifyEd25519 reports whether sig is a valid signature of message by publicKey.
// Malformed keys and signatures are reported as errors instead of panicking.
func VerifyEd25519(publicKey ed25519.PublicKey, message, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidKeySize
	}
	if len(sig) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(publicKey, message, sig), nil
}
