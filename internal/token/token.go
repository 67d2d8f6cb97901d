// Package token implements the three credential tiers accepted by the
// proxy: API keys, PASETO v4.local access tokens, and legacy id|token
// credentials. Classification is purely syntactic; each tier has its own
// validator backed by the store.
package token

import (
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Kind is the syntactic class of a presented credential.
type Kind int

const (
	// KindInvalid is anything that matches no known credential shape.
	KindInvalid Kind = iota
	// KindAPIKey is a prefixed API key (for example "ak_<id>.<secret>").
	KindAPIKey
	// KindAccessToken is a PASETO v4.local access token.
	KindAccessToken
	// KindLegacy is a legacy "<id>|<token>" credential.
	KindLegacy
)

// DefaultAPIKeyPrefix is used when a service record does not override it.
const DefaultAPIKeyPrefix = "ak_"

// accessTokenPrefix is the PASETO v4 local-purpose header.
const accessTokenPrefix = "v4.local."

// String returns a short name for the kind, used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindAPIKey:
		return "api_key"
	case KindAccessToken:
		return "access_token"
	case KindLegacy:
		return "legacy"
	default:
		return "invalid"
	}
}

// Classify determines the credential tier of the given bearer text. It
// inspects shape only; validity is decided by the tier's validator.
func Classify(text string) Kind {
	switch {
	case strings.HasPrefix(text, DefaultAPIKeyPrefix):
		return KindAPIKey
	case strings.HasPrefix(text, accessTokenPrefix):
		return KindAccessToken
	case strings.Count(text, "|") == 1:
		return KindLegacy
	default:
		return KindInvalid
	}
}

// encoding is the URL-safe unpadded base64 alphabet used for key ids,
// secrets, and digests throughout the credential tiers.
var encoding = base64.RawURLEncoding

// keccakDigest returns the base64 Keccak-256 digest of the input. Secrets
// are stored and compared only in this form.
func keccakDigest(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return encoding.EncodeToString(h.Sum(nil))
}
