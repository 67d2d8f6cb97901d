package token

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want Kind
	}{
		{name: "api key", text: "ak_abc123.secret", want: KindAPIKey},
		{name: "api key without secret", text: "ak_abc123", want: KindAPIKey},
		{name: "access token", text: "v4.local.payload", want: KindAccessToken},
		{name: "legacy", text: "42|dG9rZW4", want: KindLegacy},
		{name: "legacy with two pipes", text: "42|a|b", want: KindInvalid},
		{name: "empty", text: "", want: KindInvalid},
		{name: "public paseto", text: "v4.public.payload", want: KindInvalid},
		{name: "random text", text: "hello world", want: KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "api_key", KindAPIKey.String())
	assert.Equal(t, "access_token", KindAccessToken.String())
	assert.Equal(t, "legacy", KindLegacy.String())
	assert.Equal(t, "invalid", KindInvalid.String())
}

func TestKeccakDigest(t *testing.T) {
	t.Parallel()

	a := keccakDigest([]byte("hello"))
	b := keccakDigest([]byte("hello"))
	c := keccakDigest([]byte("world"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "=")
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestGeneratorFormat(t *testing.T) {
	t.Parallel()

	gen := NewAPIKeyGenerator("")
	key, err := gen.Generate(rand.Reader, serviceID(1), 0, nil)
	assert.NoError(t, err)

	assert.True(t, strings.HasPrefix(key.KeyID, "ak_"))
	assert.True(t, strings.HasPrefix(key.FullKey, key.KeyID+"."))
	assert.Equal(t, KindAPIKey, Classify(key.FullKey))

	custom := NewAPIKeyGenerator("svc_")
	key2, err := custom.Generate(rand.Reader, serviceID(1), 0, nil)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(key2.KeyID, "svc_"))
}
