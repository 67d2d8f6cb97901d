package proxy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/authproxy/internal/exchange"
	"github.com/vyrodovalexey/authproxy/internal/headers"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/tlsclient"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

// echoUpstream reports the method, path and headers it received.
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen := map[string]string{}
		for name := range r.Header {
			seen[name] = r.Header.Get(name)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"headers": seen,
		})
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

type echoResponse struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
}

func TestForwardFullFlow(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)

	apiKey := env.mintAPIKey(t, map[string]string{"X-Tenant-Id": "tenant123"})

	ttl := int64(300)
	w := env.postJSON(t, "/v1/auth/exchange", exchange.Request{TTLSeconds: &ttl}, map[string]string{
		"Authorization": "Bearer " + apiKey,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var exchanged exchange.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exchanged))
	require.LessOrEqual(t, exchanged.ExpiresIn, int64(300))

	req := httptest.NewRequest(http.MethodGet, "/api/widgets?limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+exchanged.AccessToken)
	req.Header.Set("X-Tenant-Id", "spoofed")
	req.Header.Set("X-Client-Extra", "kept")
	req.RemoteAddr = "203.0.113.9:4455"

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var echoed echoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echoed))
	assert.Equal(t, http.MethodGet, echoed.Method)
	assert.Equal(t, "/api/widgets", echoed.Path)

	// Bound headers override whatever the client sent, the credential is
	// stripped, and unrelated headers pass through.
	assert.Equal(t, headers.HashUserID("tenant123"), echoed.Headers["X-Tenant-Id"])
	assert.Empty(t, echoed.Headers["Authorization"])
	assert.Equal(t, "kept", echoed.Headers["X-Client-Extra"])
	assert.Equal(t, "203.0.113.9", echoed.Headers["X-Forwarded-For"])
}

func TestForwardWithAPIKey(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)

	apiKey := env.mintAPIKey(t, map[string]string{"X-Tenant-Id": "tenant123"})

	req := httptest.NewRequest(http.MethodGet, "/direct", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var echoed echoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echoed))
	assert.Equal(t, headers.HashUserID("tenant123"), echoed.Headers["X-Tenant-Id"])
}

func TestForwardWithLegacyToken(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)

	generated, err := token.GenerateLegacyToken(rand.Reader, service.NewID(1), 0)
	require.NoError(t, err)
	record, err := env.legacy.Create(context.Background(), generated)
	require.NoError(t, err)
	credential := token.LegacyToken{ID: record.ID, Text: generated.Plaintext}

	req := httptest.NewRequest(http.MethodGet, "/legacy", nil)
	req.Header.Set("Authorization", "Bearer "+credential.String())

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestForwardStripsConnectionNominatedHeaders(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)
	apiKey := env.mintAPIKey(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Connection", "X-Session-Token, X-Other")
	req.Header.Set("X-Session-Token", "secret")
	req.Header.Set("X-Other", "value")
	req.Header.Set("X-Kept", "kept")

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var echoed echoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echoed))
	assert.Empty(t, echoed.Headers["X-Session-Token"])
	assert.Empty(t, echoed.Headers["X-Other"])
	assert.Empty(t, echoed.Headers["Connection"])
	assert.Equal(t, "kept", echoed.Headers["X-Kept"])
}

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "x-downstream-hop")
	h.Set("X-Downstream-Hop", "v")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Content-Type", "application/json")

	stripHopHeaders(h)

	assert.Empty(t, h.Get("X-Downstream-Hop"))
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestPickClient(t *testing.T) {
	client := &tlsclient.Client{
		HTTP1: &http.Client{},
		HTTP2: &http.Client{},
	}

	tests := []struct {
		name        string
		contentType string
		want        *http.Client
	}{
		{name: "rest json", contentType: "application/json", want: client.HTTP1},
		{name: "no content type", contentType: "", want: client.HTTP1},
		{name: "grpc", contentType: "application/grpc", want: client.HTTP2},
		{name: "grpc proto", contentType: "application/grpc+proto", want: client.HTTP2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/svc/Method", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			assert.Same(t, tt.want, pickClient(client, req))
		})
	}
}

func TestForwardAuthFailures(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no credential",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"missing_authorization_header"}`,
		},
		{
			name:       "garbage credential",
			authHeader: "Bearer not-a-token",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"invalid_token"}`,
		},
		{
			name:       "unknown api key",
			authHeader: "Bearer ak_unknown.secret",
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":"invalid_api_key"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestForwardExpiredAccessToken(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)

	past := time.Now().Add(-time.Hour)
	expiredTokens, err := token.NewManagerWithKey(env.tokens.KeyBytes(), time.Minute, time.Hour,
		token.WithManagerClock(func() time.Time { return past }))
	require.NoError(t, err)

	text, _, err := expiredTokens.Generate(service.NewID(1), "kid", "", nil, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+text)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"token_expired"}`, rec.Body.String())
}

func TestForwardUpstreamDown(t *testing.T) {
	// Port 1 is never listening.
	env := newTestEnv(t, "http://127.0.0.1:1")
	apiKey := env.mintAPIKey(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"upstream_unavailable"}`, rec.Body.String())
}

func TestForwardUnknownService(t *testing.T) {
	upstream := echoUpstream(t)
	env := newTestEnv(t, upstream.URL)

	// A token naming a service that was deleted after issuance.
	text, _, err := env.tokens.Generate(service.NewID(42), "kid", "", nil, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Authorization", "Bearer "+text)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"service_not_found"}`, rec.Body.String())
}
