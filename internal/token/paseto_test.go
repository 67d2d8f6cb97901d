package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewManager(15*time.Minute, time.Hour)
	headers := map[string]string{"x-tenant-id": "abc123"}

	text, claims, err := m.Generate(serviceID(3), "ak_test", "tenant-hash", headers, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "v4.local."))
	assert.Equal(t, KindAccessToken, Classify(text))
	assert.NotEmpty(t, claims.JTI)

	got, err := m.Validate(text)
	require.NoError(t, err)
	assert.Equal(t, serviceID(3), got.ServiceID)
	assert.Equal(t, "ak_test", got.KeyID)
	assert.Equal(t, "tenant-hash", got.TenantID)
	assert.Equal(t, headers, got.AdditionalHeaders)
	assert.Equal(t, claims.JTI, got.JTI)
	assert.Equal(t, claims.IssuedAt+int64(15*60), got.ExpiresAt)
}

func TestManagerTTLClamping(t *testing.T) {
	t.Parallel()

	m := NewManager(15*time.Minute, time.Hour)

	_, claims, err := m.Generate(serviceID(1), "ak_test", "", nil, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, claims.IssuedAt+3600, claims.ExpiresAt)

	_, claims, err = m.Generate(serviceID(1), "ak_test", "", nil, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, claims.IssuedAt+900, claims.ExpiresAt)
}

func TestManagerWrongKey(t *testing.T) {
	t.Parallel()

	a := NewManager(15*time.Minute, time.Hour)
	b := NewManager(15*time.Minute, time.Hour)

	text, _, err := a.Generate(serviceID(1), "ak_test", "", nil, 0)
	require.NoError(t, err)

	_, err = b.Validate(text)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManagerExpiredToken(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	m := NewManager(time.Minute, time.Hour, WithManagerClock(func() time.Time { return now }))

	text, _, err := m.Generate(serviceID(1), "ak_test", "", nil, 0)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Validate(text)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestManagerExpiryBoundary(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	m := NewManager(time.Minute, time.Hour, WithManagerClock(func() time.Time { return now }))

	text, claims, err := m.Generate(serviceID(1), "ak_test", "", nil, 0)
	require.NoError(t, err)

	// Valid through the expiry instant itself, expired one second after.
	now = time.Unix(claims.ExpiresAt, 0)
	_, err = m.Validate(text)
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = m.Validate(text)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestManagerKeyPersistence(t *testing.T) {
	t.Parallel()

	a := NewManager(15*time.Minute, time.Hour)
	b, err := NewManagerWithKey(a.KeyBytes(), 15*time.Minute, time.Hour)
	require.NoError(t, err)

	text, _, err := a.Generate(serviceID(9), "ak_test", "", nil, 0)
	require.NoError(t, err)

	claims, err := b.Validate(text)
	require.NoError(t, err)
	assert.Equal(t, serviceID(9), claims.ServiceID)

	_, err = NewManagerWithKey([]byte("short"), 15*time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestManagerGarbageToken(t *testing.T) {
	t.Parallel()

	m := NewManager(15*time.Minute, time.Hour)
	_, err := m.Validate("v4.local.not-a-real-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
