package token

import (
	"encoding/json"
	"fmt"
	"time"

	"aidanwoods.dev/go-paseto"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/authproxy/internal/service"
)

// SymmetricKeySize is the PASETO v4.local key length.
const SymmetricKeySize = 32

// AccessTokenClaims is the payload carried inside an access token. It is
// JSON-encoded under a single "data" claim rather than spread over
// registered claims, so the whole payload round-trips as one unit.
type AccessTokenClaims struct {
	ServiceID         service.ID        `json:"service_id"`
	TenantID          string            `json:"tenant_id,omitempty"`
	AdditionalHeaders map[string]string `json:"additional_headers,omitempty"`
	ExpiresAt         int64             `json:"expires_at"`
	IssuedAt          int64             `json:"issued_at"`
	KeyID             string            `json:"key_id"`
	JTI               string            `json:"jti"`
}

// Expired reports whether the claims are past expiry at the given time.
// The token stays valid through the expiry instant itself.
func (c *AccessTokenClaims) Expired(now time.Time) bool {
	return now.Unix() > c.ExpiresAt
}

// TimeToExpiry returns the remaining lifetime, or zero when expired.
func (c *AccessTokenClaims) TimeToExpiry(now time.Time) time.Duration {
	remaining := time.Duration(c.ExpiresAt-now.Unix()) * time.Second
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Manager mints and validates PASETO v4.local access tokens under a single
// symmetric key.
type Manager struct {
	key        paseto.V4SymmetricKey
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the clock, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager with a freshly generated key. Tokens minted
// by it do not survive a restart.
func NewManager(defaultTTL, maxTTL time.Duration, opts ...ManagerOption) *Manager {
	return newManager(paseto.NewV4SymmetricKey(), defaultTTL, maxTTL, opts)
}

// NewManagerWithKey creates a manager from 32 key bytes, so the key can be
// persisted across restarts.
func NewManagerWithKey(keyBytes []byte, defaultTTL, maxTTL time.Duration, opts ...ManagerOption) (*Manager, error) {
	key, err := paseto.V4SymmetricKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("token: symmetric key: %w", err)
	}
	return newManager(key, defaultTTL, maxTTL, opts), nil
}

func newManager(key paseto.V4SymmetricKey, defaultTTL, maxTTL time.Duration, opts []ManagerOption) *Manager {
	m := &Manager{
		key:        key,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// KeyBytes exports the symmetric key for persistence.
func (m *Manager) KeyBytes() []byte {
	return m.key.ExportBytes()
}

// DefaultTTL returns the TTL applied when the caller requests none.
func (m *Manager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Generate mints a token for the given service and key id. A non-positive
// ttl falls back to the default; any ttl is clamped to the maximum.
func (m *Manager) Generate(serviceID service.ID, keyID, tenantID string, additionalHeaders map[string]string, ttl time.Duration) (string, *AccessTokenClaims, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if m.maxTTL > 0 && ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	now := m.now()
	claims := &AccessTokenClaims{
		ServiceID:         serviceID,
		TenantID:          tenantID,
		AdditionalHeaders: additionalHeaders,
		ExpiresAt:         now.Add(ttl).Unix(),
		IssuedAt:          now.Unix(),
		KeyID:             keyID,
		JTI:               uuid.NewString(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", nil, fmt.Errorf("token: encode claims: %w", err)
	}

	tok := paseto.NewToken()
	if err := tok.Set("data", string(payload)); err != nil {
		return "", nil, fmt.Errorf("token: set data claim: %w", err)
	}
	return tok.V4Encrypt(m.key, nil), claims, nil
}

// Validate decrypts and decodes a token, returning ErrInvalidToken on any
// decode failure and ErrTokenExpired when past expiry.
func (m *Manager) Validate(text string) (*AccessTokenClaims, error) {
	// Expiry lives in the data claim, so the parser's registered-claim
	// expiry check is skipped.
	parser := paseto.NewParserWithoutExpiryCheck()
	tok, err := parser.ParseV4Local(m.key, text, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	payload, err := tok.GetString("data")
	if err != nil {
		return nil, fmt.Errorf("%w: missing data claim", ErrInvalidToken)
	}

	var claims AccessTokenClaims
	if err := json.Unmarshal([]byte(payload), &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Expired(m.now()) {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}
