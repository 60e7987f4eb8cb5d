package crypto

import "errors"

var (
	ErrNonFiniteFloat   = errors.New("NaN and Inf are not representable in canonical json")
	ErrInvalidNumber    = errors.New("invalid json number")
	ErrNonStringMapKey  = errors.New("map keys must be strings")
	ErrUnsupportedType  = errors.New("unsupported type for canonicalization")
	ErrKeyCollision     = errors.New("normalized map key collision")
	ErrInvalidSeedSize  = errors.New("invalid ed25519 seed size")
	ErrInvalidKeySize   = errors.New("invalid ed25519 key size")
	ErrInvalidSignature = errors.New("invalid ed25519 signature size")
)
