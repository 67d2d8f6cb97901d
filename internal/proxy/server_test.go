package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/authproxy/internal/exchange"
	"github.com/vyrodovalexey/authproxy/internal/headers"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/store"
	"github.com/vyrodovalexey/authproxy/internal/tlsclient"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	services *service.Repository
	apiKeys  *token.APIKeyStore
	legacy   *token.LegacyTokenStore
	tokens   *token.Manager
	priv     *secp256k1.PrivateKey
	pubKey   []byte
}

// newTestEnv builds a full server over a memory store with one ECDSA-owned
// service registered under id 1.
func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()

	backing := store.NewMemoryStore()
	services := service.NewRepository(backing)
	apiKeys := token.NewAPIKeyStore(backing)
	legacy := token.NewLegacyTokenStore(backing)
	tokens := token.NewManager(15*time.Minute, time.Hour)
	exchangeSvc := exchange.NewService(apiKeys, tokens, exchange.WithMetrics(exchange.NewMetrics("test")))

	tlsManager := tlsclient.NewManager(tlsclient.WithCleanupInterval(0))
	t.Cleanup(tlsManager.Stop)

	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	pubKey := priv.PubKey().SerializeCompressed()

	record := &service.Record{
		APIKeyPrefix: "ak_",
		UpstreamURL:  upstreamURL,
	}
	record.AddOwner(service.KeyTypeEcdsa, pubKey)
	require.NoError(t, services.Save(context.Background(), service.NewID(1), record))

	srv := NewServer(services, apiKeys, legacy, tokens, exchangeSvc, tlsManager,
		WithMetrics(NewMetrics("test")),
		WithForwardTimeout(5*time.Second),
	)

	return &testEnv{
		router:   srv.Router(),
		services: services,
		apiKeys:  apiKeys,
		legacy:   legacy,
		tokens:   tokens,
		priv:     priv,
		pubKey:   pubKey,
	}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for name, value := range header {
		req.Header.Set(name, value)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) sign(t *testing.T, challengeBytes []byte) []byte {
	t.Helper()

	sig := secpecdsa.Sign(e.priv, challengeBytes)
	r := sig.R()
	s := sig.S()

	raw := make([]byte, 64)
	r.PutBytesUnchecked(raw[:32])
	s.PutBytesUnchecked(raw[32:])
	return raw
}

// mintAPIKey runs the challenge and verify steps, returning the full key.
func (e *testEnv) mintAPIKey(t *testing.T, additionalHeaders map[string]string) string {
	t.Helper()

	challengeReq := ChallengeRequest{PublicKey: e.pubKey, KeyType: service.KeyTypeEcdsa}
	w := e.postJSON(t, "/v1/auth/challenge", challengeReq, map[string]string{ServiceIDHeader: "1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var challengeRes ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challengeRes))
	require.Len(t, challengeRes.Challenge, 32)
	require.Greater(t, challengeRes.ExpiresAt, time.Now().Unix())

	verifyReq := VerifyRequest{
		Challenge:         challengeRes.Challenge,
		Signature:         e.sign(t, challengeRes.Challenge),
		ChallengeRequest:  challengeReq,
		AdditionalHeaders: additionalHeaders,
	}
	w = e.postJSON(t, "/v1/auth/verify", verifyReq, map[string]string{ServiceIDHeader: "1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var verifyRes VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verifyRes))
	require.NotEmpty(t, verifyRes.APIKey)
	require.Equal(t, token.KindAPIKey, token.Classify(verifyRes.APIKey))
	return verifyRes.APIKey
}

func TestChallengeEndpoint(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1")

	t.Run("missing service header", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/challenge", ChallengeRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"missing_service_id"}`, w.Body.String())
	})

	t.Run("malformed service id", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/challenge", ChallengeRequest{}, map[string]string{ServiceIDHeader: "abc"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"invalid_service_id"}`, w.Body.String())
	})

	t.Run("unknown service", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/challenge", ChallengeRequest{}, map[string]string{ServiceIDHeader: "99"})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"service_not_found"}`, w.Body.String())
	})

	t.Run("fresh challenges differ", func(t *testing.T) {
		req := ChallengeRequest{PublicKey: env.pubKey, KeyType: service.KeyTypeEcdsa}
		hdr := map[string]string{ServiceIDHeader: "1"}

		var a, b ChallengeResponse
		require.NoError(t, json.Unmarshal(env.postJSON(t, "/v1/auth/challenge", req, hdr).Body.Bytes(), &a))
		require.NoError(t, json.Unmarshal(env.postJSON(t, "/v1/auth/challenge", req, hdr).Body.Bytes(), &b))
		assert.NotEqual(t, a.Challenge, b.Challenge)
	})
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1")
	hdr := map[string]string{ServiceIDHeader: "1"}
	challengeReq := ChallengeRequest{PublicKey: env.pubKey, KeyType: service.KeyTypeEcdsa}

	w := env.postJSON(t, "/v1/auth/challenge", challengeReq, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	var challengeRes ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challengeRes))

	t.Run("tampered signature", func(t *testing.T) {
		sig := env.sign(t, challengeRes.Challenge)
		sig[5] ^= 0xff

		w := env.postJSON(t, "/v1/auth/verify", VerifyRequest{
			Challenge:        challengeRes.Challenge,
			Signature:        sig,
			ChallengeRequest: challengeReq,
		}, hdr)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"invalid_signature"}`, w.Body.String())
	})

	t.Run("not an owner", func(t *testing.T) {
		other, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)

		w := env.postJSON(t, "/v1/auth/verify", VerifyRequest{
			Challenge: challengeRes.Challenge,
			Signature: env.sign(t, challengeRes.Challenge),
			ChallengeRequest: ChallengeRequest{
				PublicKey: other.PubKey().SerializeCompressed(),
				KeyType:   service.KeyTypeEcdsa,
			},
		}, hdr)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"unauthorized_key"}`, w.Body.String())
	})

	t.Run("forbidden headers", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/verify", VerifyRequest{
			Challenge:         challengeRes.Challenge,
			Signature:         env.sign(t, challengeRes.Challenge),
			ChallengeRequest:  challengeReq,
			AdditionalHeaders: map[string]string{"Host": "evil.example.com"},
		}, hdr)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"invalid_headers"}`, w.Body.String())
	})

	t.Run("bad challenge length", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/verify", VerifyRequest{
			Challenge:        []byte{1, 2, 3},
			Signature:        env.sign(t, challengeRes.Challenge),
			ChallengeRequest: challengeReq,
		}, hdr)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("success mints a working key", func(t *testing.T) {
		apiKey := env.mintAPIKey(t, map[string]string{"X-Tenant-Id": "tenant123"})

		record, err := env.apiKeys.Validate(context.Background(), apiKey)
		require.NoError(t, err)
		assert.Equal(t, service.NewID(1), record.ServiceID)

		// The raw tenant id is hashed before binding.
		assert.Equal(t, headers.HashUserID("tenant123"), record.BoundHeaders["X-Tenant-Id"])
	})
}

func TestExchangeEndpoint(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1")
	apiKey := env.mintAPIKey(t, nil)

	t.Run("missing authorization", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/exchange", exchange.Request{}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"missing_authorization_header"}`, w.Body.String())
	})

	t.Run("unknown api key", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/exchange", exchange.Request{}, map[string]string{
			"Authorization": "Bearer ak_invalid.key",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"invalid_api_key"}`, w.Body.String())
	})

	t.Run("forbidden headers", func(t *testing.T) {
		w := env.postJSON(t, "/v1/auth/exchange", exchange.Request{
			AdditionalHeaders: map[string]string{"Connection": "close"},
		}, map[string]string{"Authorization": "Bearer " + apiKey})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"invalid_headers"}`, w.Body.String())
	})

	t.Run("success", func(t *testing.T) {
		ttl := int64(300)
		w := env.postJSON(t, "/v1/auth/exchange", exchange.Request{TTLSeconds: &ttl}, map[string]string{
			"Authorization": "Bearer " + apiKey,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res exchange.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "Bearer", res.TokenType)
		assert.LessOrEqual(t, res.ExpiresIn, int64(300))
		assert.Greater(t, res.ExpiresIn, int64(0))

		claims, err := env.tokens.Validate(res.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, service.NewID(1), claims.ServiceID)
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestRandReaderOption(t *testing.T) {
	// The rand option exists for deterministic tests; verify it is used.
	backing := store.NewMemoryStore()
	services := service.NewRepository(backing)
	require.NoError(t, services.Save(context.Background(), service.NewID(1), &service.Record{
		UpstreamURL: "http://localhost:1",
	}))

	tlsManager := tlsclient.NewManager(tlsclient.WithCleanupInterval(0))
	t.Cleanup(tlsManager.Stop)

	apiKeys := token.NewAPIKeyStore(backing)
	tokens := token.NewManager(time.Minute, time.Hour)
	srv := NewServer(services, apiKeys, token.NewLegacyTokenStore(backing), tokens,
		exchange.NewService(apiKeys, tokens, exchange.WithMetrics(exchange.NewMetrics("test2"))),
		tlsManager,
		WithMetrics(NewMetrics("test2")),
		WithRandReader(bytes.NewReader(bytes.Repeat([]byte{0xaa}, 64))),
	)
	router := srv.Router()

	raw, err := json.Marshal(ChallengeRequest{})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/challenge", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServiceIDHeader, "1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 32), res.Challenge)
}
