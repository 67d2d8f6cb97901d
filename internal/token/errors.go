package token

import "errors"

var (
	// ErrInvalidAPIKey covers every API key rejection: unknown key id,
	// secret mismatch, disabled or expired key, malformed text.
	ErrInvalidAPIKey = errors.New("token: invalid api key")

	// ErrInvalidToken indicates an access token that fails decryption or
	// claim decoding.
	ErrInvalidToken = errors.New("token: invalid access token")

	// ErrTokenExpired indicates a well-formed access token past its expiry.
	ErrTokenExpired = errors.New("token: access token expired")

	// ErrInvalidLegacyToken covers legacy credential rejections.
	ErrInvalidLegacyToken = errors.New("token: invalid legacy token")
)
