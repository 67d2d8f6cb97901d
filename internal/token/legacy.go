package token

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/store"
)

const legacyTokenRandomBytes = 40

// LegacyToken is a parsed "<id>|<token>" credential.
type LegacyToken struct {
	ID   uint64
	Text string
}

// String renders the credential back to wire form.
func (t LegacyToken) String() string {
	return strconv.FormatUint(t.ID, 10) + "|" + t.Text
}

// ParseLegacyToken parses a "<id>|<token>" credential. The id must be a
// decimal number and the token part must be valid base64url.
func ParseLegacyToken(s string) (LegacyToken, error) {
	idPart, tokenPart, ok := strings.Cut(s, "|")
	if !ok || strings.Contains(tokenPart, "|") {
		return LegacyToken{}, fmt.Errorf("%w: expected <id>|<token>", ErrInvalidLegacyToken)
	}

	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return LegacyToken{}, fmt.Errorf("%w: token id must be a number", ErrInvalidLegacyToken)
	}
	if _, err := encoding.DecodeString(tokenPart); err != nil {
		return LegacyToken{}, fmt.Errorf("%w: token part is not base64url", ErrInvalidLegacyToken)
	}
	return LegacyToken{ID: id, Text: tokenPart}, nil
}

// LegacyTokenRecord is a legacy token as persisted in the legacy_tokens
// namespace, keyed by the numeric id. Only the digest of the token text is
// stored.
type LegacyTokenRecord struct {
	ID        uint64     `json:"id"`
	TokenHash string     `json:"token_hash"`
	ServiceID service.ID `json:"service_id"`
	ExpiresAt int64      `json:"expires_at"`
	Enabled   bool       `json:"enabled"`
}

// Expired reports whether the record is past expiry. A zero expiry never
// expires.
func (r *LegacyTokenRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.Unix() > r.ExpiresAt
}

// GeneratedLegacyToken holds a freshly minted legacy token before it is
// assigned a numeric id.
type GeneratedLegacyToken struct {
	// Plaintext is the secret token text, shared with the client as
	// "<id>|<plaintext>" once the record is created.
	Plaintext string
	// TokenHash is the digest stored in the record.
	TokenHash string
	ServiceID service.ID
	ExpiresAt int64
}

// GenerateLegacyToken mints a legacy token: 40 random bytes plus a CRC32
// checksum, base64url encoded.
func GenerateLegacyToken(rand io.Reader, serviceID service.ID, expiresAt int64) (*GeneratedLegacyToken, error) {
	raw := make([]byte, legacyTokenRandomBytes, legacyTokenRandomBytes+4)
	if _, err := io.ReadFull(rand, raw); err != nil {
		return nil, fmt.Errorf("token: generate legacy token: %w", err)
	}
	checksum := crc32.ChecksumIEEE(raw)
	raw = append(raw, byte(checksum>>24), byte(checksum>>16), byte(checksum>>8), byte(checksum))

	plaintext := encoding.EncodeToString(raw)
	return &GeneratedLegacyToken{
		Plaintext: plaintext,
		TokenHash: keccakDigest([]byte(plaintext)),
		ServiceID: serviceID,
		ExpiresAt: expiresAt,
	}, nil
}

// LegacyTokenStore persists and validates legacy token records.
type LegacyTokenStore struct {
	store store.Store
	now   func() time.Time
}

// NewLegacyTokenStore creates a legacy token store over the backing store.
func NewLegacyTokenStore(s store.Store) *LegacyTokenStore {
	return &LegacyTokenStore{store: s, now: time.Now}
}

// Create persists a generated token under the next numeric id and returns
// the stored record. The wire credential is "<id>|<plaintext>".
func (s *LegacyTokenStore) Create(ctx context.Context, generated *GeneratedLegacyToken) (*LegacyTokenRecord, error) {
	id, err := s.store.NextSequence(ctx, "legacy_tokens")
	if err != nil {
		return nil, fmt.Errorf("token: allocate legacy token id: %w", err)
	}

	record := &LegacyTokenRecord{
		ID:        id,
		TokenHash: generated.TokenHash,
		ServiceID: generated.ServiceID,
		ExpiresAt: generated.ExpiresAt,
		Enabled:   true,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("token: encode legacy token record: %w", err)
	}
	if err := s.store.Put(ctx, store.NamespaceLegacyTokens, idKey(id), raw); err != nil {
		return nil, fmt.Errorf("token: save legacy token record: %w", err)
	}
	return record, nil
}

// Validate parses and checks a wire credential, returning the record on
// success and ErrInvalidLegacyToken on any rejection.
func (s *LegacyTokenStore) Validate(ctx context.Context, text string) (*LegacyTokenRecord, error) {
	parsed, err := ParseLegacyToken(text)
	if err != nil {
		return nil, err
	}

	raw, err := s.store.Get(ctx, store.NamespaceLegacyTokens, idKey(parsed.ID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidLegacyToken
	}
	if err != nil {
		return nil, fmt.Errorf("token: lookup legacy token: %w", err)
	}

	var record LegacyTokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("token: decode legacy token record: %w", err)
	}

	digest := keccakDigest([]byte(parsed.Text))
	if subtle.ConstantTimeCompare([]byte(digest), []byte(record.TokenHash)) != 1 {
		return nil, ErrInvalidLegacyToken
	}
	if !record.Enabled || record.Expired(s.now()) {
		return nil, ErrInvalidLegacyToken
	}
	return &record, nil
}
