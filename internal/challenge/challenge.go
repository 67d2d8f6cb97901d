// Package challenge implements challenge generation and signature
// verification for service ownership proofs. Two schemes are supported:
// secp256k1 ECDSA over the raw 32-byte challenge, and Sr25519 with a
// domain-separated signing context.
package challenge

import (
	"fmt"
	"io"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/vyrodovalexey/authproxy/internal/service"
)

// Size is the challenge length in bytes. The challenge doubles as the
// message digest for ECDSA verification, so it must stay 32 bytes.
const Size = 32

// signingContext is the Sr25519 domain separation label. It must match the
// context used by signing clients or no signature will ever verify.
var signingContext = []byte("substrate")

const (
	ecdsaPubKeyCompressedLen   = 33
	ecdsaPubKeyUncompressedLen = 65
	ecdsaSignatureLen          = 64
	ecdsaSignatureRecoveryLen  = 65

	sr25519PubKeyLen    = 32
	sr25519SignatureLen = 64
)

// Generate draws a fresh random challenge from the given reader.
func Generate(rand io.Reader) ([Size]byte, error) {
	var c [Size]byte
	if _, err := io.ReadFull(rand, c[:]); err != nil {
		return c, fmt.Errorf("challenge: generate: %w", err)
	}
	return c, nil
}

// Verify checks the signature over the challenge under the given public key
// and scheme. It returns nil on success and one of the package's typed
// errors otherwise.
func Verify(c [Size]byte, signature, publicKey []byte, keyType service.KeyType) error {
	switch keyType {
	case service.KeyTypeEcdsa:
		return verifyEcdsa(c, signature, publicKey)
	case service.KeyTypeSr25519:
		return verifySr25519(c, signature, publicKey)
	default:
		return ErrUnknownKeyType
	}
}

// verifyEcdsa verifies a secp256k1 signature over the pre-hashed challenge.
// Signatures are r||s; a trailing recovery byte is tolerated and ignored.
func verifyEcdsa(c [Size]byte, signature, publicKey []byte) error {
	if len(publicKey) != ecdsaPubKeyCompressedLen && len(publicKey) != ecdsaPubKeyUncompressedLen {
		return fmt.Errorf("%w: ecdsa key must be %d or %d bytes, got %d",
			ErrMalformedPublicKey, ecdsaPubKeyCompressedLen, ecdsaPubKeyUncompressedLen, len(publicKey))
	}
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}

	if len(signature) != ecdsaSignatureLen && len(signature) != ecdsaSignatureRecoveryLen {
		return fmt.Errorf("%w: ecdsa signature must be %d or %d bytes, got %d",
			ErrMalformedSignature, ecdsaSignatureLen, ecdsaSignatureRecoveryLen, len(signature))
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(signature[:32]); overflow {
		return fmt.Errorf("%w: r overflows the curve order", ErrMalformedSignature)
	}
	if overflow := s.SetByteSlice(signature[32:64]); overflow {
		return fmt.Errorf("%w: s overflows the curve order", ErrMalformedSignature)
	}

	if !secpecdsa.NewSignature(&r, &s).Verify(c[:], pub) {
		return ErrSignatureMismatch
	}
	return nil
}

// verifySr25519 verifies a Schnorrkel signature over the challenge bound to
// the signing context.
func verifySr25519(c [Size]byte, signature, publicKey []byte) error {
	if len(publicKey) != sr25519PubKeyLen {
		return fmt.Errorf("%w: sr25519 key must be %d bytes, got %d",
			ErrMalformedPublicKey, sr25519PubKeyLen, len(publicKey))
	}
	var pubBytes [sr25519PubKeyLen]byte
	copy(pubBytes[:], publicKey)

	pub := &schnorrkel.PublicKey{}
	if err := pub.Decode(pubBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}

	if len(signature) != sr25519SignatureLen {
		return fmt.Errorf("%w: sr25519 signature must be %d bytes, got %d",
			ErrMalformedSignature, sr25519SignatureLen, len(signature))
	}
	var sigBytes [sr25519SignatureLen]byte
	copy(sigBytes[:], signature)

	sig := &schnorrkel.Signature{}
	if err := sig.Decode(sigBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	transcript := schnorrkel.NewSigningContext(signingContext, c[:])
	ok, err := pub.Verify(sig, transcript)
	if err != nil || !ok {
		return ErrSignatureMismatch
	}
	return nil
}
