package challenge

import "errors"

var (
	// ErrUnknownKeyType indicates a key type with no verification scheme.
	ErrUnknownKeyType = errors.New("challenge: unknown key type")

	// ErrMalformedPublicKey indicates a public key that does not decode
	// under the claimed scheme.
	ErrMalformedPublicKey = errors.New("challenge: malformed public key")

	// ErrMalformedSignature indicates a signature of the wrong length or
	// encoding for the claimed scheme.
	ErrMalformedSignature = errors.New("challenge: malformed signature")

	// ErrSignatureMismatch indicates a well-formed signature that does not
	// verify against the challenge and public key.
	ErrSignatureMismatch = errors.New("challenge: signature mismatch")
)
