package token

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vyrodovalexey/authproxy/internal/observability"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/store"
)

const apiKeySecretBytes = 32

// APIKeyRecord is an API key as persisted in the api_keys namespace. The
// full key text is never stored, only its digest.
type APIKeyRecord struct {
	ID           uint64            `json:"id"`
	KeyID        string            `json:"key_id"`
	KeyHash      string            `json:"key_hash"`
	ServiceID    service.ID        `json:"service_id"`
	CreatedAt    int64             `json:"created_at"`
	LastUsed     int64             `json:"last_used"`
	ExpiresAt    int64             `json:"expires_at"`
	Enabled      bool              `json:"enabled"`
	BoundHeaders map[string]string `json:"bound_headers,omitempty"`
	Description  string            `json:"description,omitempty"`
}

// Expired reports whether the key is past its expiry at the given time. A
// zero expiry never expires.
func (r *APIKeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != 0 && now.Unix() > r.ExpiresAt
}

// MatchesKey checks the full key text against the stored digest in constant
// time.
func (r *APIKeyRecord) MatchesKey(fullKey string) bool {
	keyID, _, ok := strings.Cut(fullKey, ".")
	if !ok || keyID != r.KeyID {
		return false
	}
	digest := keccakDigest([]byte(fullKey))
	return subtle.ConstantTimeCompare([]byte(digest), []byte(r.KeyHash)) == 1
}

// GeneratedAPIKey is a freshly minted key. FullKey is the only place the
// secret ever appears; it must be returned to the caller and discarded.
type GeneratedAPIKey struct {
	KeyID        string
	FullKey      string
	ServiceID    service.ID
	ExpiresAt    int64
	BoundHeaders map[string]string
}

// APIKeyGenerator mints API keys of the form "<prefix><key_id>.<secret>".
type APIKeyGenerator struct {
	prefix string
}

// NewAPIKeyGenerator returns a generator with the given prefix, or the
// default prefix when empty.
func NewAPIKeyGenerator(prefix string) *APIKeyGenerator {
	if prefix == "" {
		prefix = DefaultAPIKeyPrefix
	}
	return &APIKeyGenerator{prefix: prefix}
}

// Generate draws 32 random bytes and splits them into a key identifier
// (first 8 bytes) and secret (remaining 24), both base64url encoded.
func (g *APIKeyGenerator) Generate(rand io.Reader, serviceID service.ID, expiresAt int64, boundHeaders map[string]string) (*GeneratedAPIKey, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := io.ReadFull(rand, secret); err != nil {
		return nil, fmt.Errorf("token: generate api key: %w", err)
	}

	keyID := g.prefix + encoding.EncodeToString(secret[:8])
	fullKey := keyID + "." + encoding.EncodeToString(secret[8:])

	return &GeneratedAPIKey{
		KeyID:        keyID,
		FullKey:      fullKey,
		ServiceID:    serviceID,
		ExpiresAt:    expiresAt,
		BoundHeaders: boundHeaders,
	}, nil
}

// APIKeyStore persists and validates API key records. Records are keyed by
// key id, with a numeric-id index for management lookups.
type APIKeyStore struct {
	store  store.Store
	logger observability.Logger
	now    func() time.Time
}

// APIKeyStoreOption configures an APIKeyStore.
type APIKeyStoreOption func(*APIKeyStore)

// WithAPIKeyLogger sets the store's logger.
func WithAPIKeyLogger(logger observability.Logger) APIKeyStoreOption {
	return func(s *APIKeyStore) {
		s.logger = logger
	}
}

// WithAPIKeyClock overrides the clock, for tests.
func WithAPIKeyClock(now func() time.Time) APIKeyStoreOption {
	return func(s *APIKeyStore) {
		s.now = now
	}
}

// NewAPIKeyStore creates an API key store over the given backing store.
func NewAPIKeyStore(s store.Store, opts ...APIKeyStoreOption) *APIKeyStore {
	ks := &APIKeyStore{
		store:  s,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Create persists a generated key, assigning it the next numeric id.
func (s *APIKeyStore) Create(ctx context.Context, key *GeneratedAPIKey, description string) (*APIKeyRecord, error) {
	id, err := s.store.NextSequence(ctx, "api_keys")
	if err != nil {
		return nil, fmt.Errorf("token: allocate api key id: %w", err)
	}

	record := &APIKeyRecord{
		ID:           id,
		KeyID:        key.KeyID,
		KeyHash:      keccakDigest([]byte(key.FullKey)),
		ServiceID:    key.ServiceID,
		CreatedAt:    s.now().Unix(),
		ExpiresAt:    key.ExpiresAt,
		Enabled:      true,
		BoundHeaders: key.BoundHeaders,
		Description:  description,
	}
	if err := s.save(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("api key created",
		observability.String("key_id", record.KeyID),
		observability.String("service_id", record.ServiceID.String()),
	)
	return record, nil
}

// FindByKeyID returns the record for a key id, or ErrInvalidAPIKey.
func (s *APIKeyStore) FindByKeyID(ctx context.Context, keyID string) (*APIKeyRecord, error) {
	raw, err := s.store.Get(ctx, store.NamespaceAPIKeys, []byte(keyID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("token: lookup api key: %w", err)
	}

	var record APIKeyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("token: decode api key record: %w", err)
	}
	return &record, nil
}

// FindByID resolves a numeric id to its record through the by-id index.
func (s *APIKeyStore) FindByID(ctx context.Context, id uint64) (*APIKeyRecord, error) {
	keyID, err := s.store.Get(ctx, store.NamespaceAPIKeysByID, idKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("token: lookup api key by id: %w", err)
	}
	return s.FindByKeyID(ctx, string(keyID))
}

// Validate checks a full key text against the stored records. It returns
// the record on success and ErrInvalidAPIKey on any rejection, without
// distinguishing the cause to the caller.
func (s *APIKeyStore) Validate(ctx context.Context, fullKey string) (*APIKeyRecord, error) {
	keyID, _, ok := strings.Cut(fullKey, ".")
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	record, err := s.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}

	if !record.MatchesKey(fullKey) {
		s.logger.Warn("api key digest mismatch", observability.String("key_id", keyID))
		return nil, ErrInvalidAPIKey
	}
	if !record.Enabled {
		return nil, ErrInvalidAPIKey
	}
	if record.Expired(s.now()) {
		return nil, ErrInvalidAPIKey
	}
	return record, nil
}

// TouchLastUsed records the key's last use time.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, record *APIKeyRecord) error {
	record.LastUsed = s.now().Unix()
	return s.save(ctx, record)
}

// Disable turns the key off without deleting it.
func (s *APIKeyStore) Disable(ctx context.Context, keyID string) error {
	record, err := s.FindByKeyID(ctx, keyID)
	if err != nil {
		return err
	}
	record.Enabled = false
	return s.save(ctx, record)
}

// Delete removes the record and its id index entry.
func (s *APIKeyStore) Delete(ctx context.Context, record *APIKeyRecord) error {
	if err := s.store.Delete(ctx, store.NamespaceAPIKeys, []byte(record.KeyID)); err != nil {
		return fmt.Errorf("token: delete api key: %w", err)
	}
	if err := s.store.Delete(ctx, store.NamespaceAPIKeysByID, idKey(record.ID)); err != nil {
		return fmt.Errorf("token: delete api key index: %w", err)
	}
	return nil
}

func (s *APIKeyStore) save(ctx context.Context, record *APIKeyRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("token: encode api key record: %w", err)
	}
	if err := s.store.Put(ctx, store.NamespaceAPIKeys, []byte(record.KeyID), raw); err != nil {
		return fmt.Errorf("token: save api key record: %w", err)
	}
	if err := s.store.Put(ctx, store.NamespaceAPIKeysByID, idKey(record.ID), []byte(record.KeyID)); err != nil {
		return fmt.Errorf("token: save api key index: %w", err)
	}
	return nil
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}
