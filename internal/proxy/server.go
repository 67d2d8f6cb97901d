// Package proxy is the HTTP surface of the authentication proxy: the
// challenge, verify, and exchange endpoints plus the catch-all forwarding
// handler that proxies authenticated traffic to tenant upstreams.
package proxy

import (
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/authproxy/internal/challenge"
	"github.com/vyrodovalexey/authproxy/internal/exchange"
	"github.com/vyrodovalexey/authproxy/internal/headers"
	"github.com/vyrodovalexey/authproxy/internal/middleware"
	"github.com/vyrodovalexey/authproxy/internal/observability"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/tlsclient"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

// ServiceIDHeader names the header carrying the target service id on the
// challenge and verify endpoints.
const ServiceIDHeader = "X-Service-Id"

// Server wires the auth endpoints and the forwarding pipeline.
type Server struct {
	services *service.Repository
	apiKeys  *token.APIKeyStore
	legacy   *token.LegacyTokenStore
	tokens   *token.Manager
	exchange *exchange.Service
	tls      *tlsclient.Manager

	challengeTTL   time.Duration
	forwardTimeout time.Duration
	apiKeyPrefix   string

	breakers *breakerGroup
	limiter  *middleware.RateLimiter

	logger  observability.Logger
	metrics *Metrics
	rand    io.Reader
	now     func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithChallengeTTL sets the challenge validity window.
func WithChallengeTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
	}
}

// WithForwardTimeout bounds a single upstream request.
func WithForwardTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.forwardTimeout = timeout
		}
	}
}

// WithAPIKeyPrefix sets the prefix for keys minted by verify when the
// service record does not override it.
func WithAPIKeyPrefix(prefix string) ServerOption {
	return func(s *Server) {
		if prefix != "" {
			s.apiKeyPrefix = prefix
		}
	}
}

// WithRateLimiter enables per-client rate limiting on the auth endpoints.
func WithRateLimiter(limiter *middleware.RateLimiter) ServerOption {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithRandReader overrides the randomness source, for tests.
func WithRandReader(r io.Reader) ServerOption {
	return func(s *Server) {
		s.rand = r
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates the proxy server over its collaborators.
func NewServer(
	services *service.Repository,
	apiKeys *token.APIKeyStore,
	legacy *token.LegacyTokenStore,
	tokens *token.Manager,
	exchangeSvc *exchange.Service,
	tlsManager *tlsclient.Manager,
	opts ...ServerOption,
) *Server {
	s := &Server{
		services:       services,
		apiKeys:        apiKeys,
		legacy:         legacy,
		tokens:         tokens,
		exchange:       exchangeSvc,
		tls:            tlsManager,
		challengeTTL:   5 * time.Minute,
		forwardTimeout: 30 * time.Second,
		apiKeyPrefix:   token.DefaultAPIKeyPrefix,
		breakers:       newBreakerGroup(),
		logger:         observability.NopLogger(),
		metrics:        GetSharedMetrics(),
		rand:           rand.Reader,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with the middleware chain, auth routes,
// operational endpoints, and the forwarding catch-all.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    s.logger,
			SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
		}),
	)

	auth := router.Group("/v1/auth")
	if s.limiter != nil {
		auth.Use(s.limiter.Middleware())
	}
	auth.POST("/challenge", s.handleChallenge)
	auth.POST("/verify", s.handleVerify)
	auth.POST("/exchange", s.handleExchange)

	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{},
	)))

	router.NoRoute(s.handleForward)
	return router
}

// ChallengeRequest is the challenge endpoint body.
type ChallengeRequest struct {
	PublicKey []byte          `json:"pub_key"`
	KeyType   service.KeyType `json:"key_type"`
}

// ChallengeResponse carries the issued challenge and its validity bound.
type ChallengeResponse struct {
	Challenge []byte `json:"challenge"`
	ExpiresAt int64  `json:"expires_at"`
}

// VerifyRequest is the verify endpoint body. ExpiresAt is the requested
// API key expiry; zero means the key does not expire.
type VerifyRequest struct {
	Challenge         []byte            `json:"challenge"`
	Signature         []byte            `json:"signature"`
	ChallengeRequest  ChallengeRequest  `json:"challenge_request"`
	ExpiresAt         int64             `json:"expires_at"`
	AdditionalHeaders map[string]string `json:"additional_headers,omitempty"`
}

// VerifyResponse carries the minted API key. The full key text appears
// only here; the server keeps just its digest.
type VerifyResponse struct {
	APIKey    string `json:"api_key"`
	KeyID     string `json:"key_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// serviceFromHeader resolves the X-Service-Id header to a service record.
// It writes the error response itself and returns false on failure.
func (s *Server) serviceFromHeader(c *gin.Context, endpoint string) (service.ID, *service.Record, bool) {
	raw := c.GetHeader(ServiceIDHeader)
	if raw == "" {
		s.metrics.RecordAuthRequest(endpoint, CodeMissingServiceID)
		writeError(c, http.StatusBadRequest, CodeMissingServiceID)
		return service.ID{}, nil, false
	}

	id, err := service.ParseID(raw)
	if err != nil {
		s.metrics.RecordAuthRequest(endpoint, CodeInvalidServiceID)
		writeError(c, http.StatusBadRequest, CodeInvalidServiceID)
		return service.ID{}, nil, false
	}

	record, err := s.services.Find(c.Request.Context(), id)
	if err != nil {
		status, code := errorStatus(err)
		s.metrics.RecordAuthRequest(endpoint, code)
		writeError(c, status, code)
		return service.ID{}, nil, false
	}
	return id, record, true
}

func (s *Server) handleChallenge(c *gin.Context) {
	const endpoint = "challenge"

	_, _, ok := s.serviceFromHeader(c, endpoint)
	if !ok {
		return
	}

	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordAuthRequest(endpoint, CodeInvalidRequest)
		writeError(c, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	ch, err := challenge.Generate(s.rand)
	if err != nil {
		s.logger.Error("challenge generation failed", observability.Error(err))
		s.metrics.RecordAuthRequest(endpoint, CodeInternalError)
		writeError(c, http.StatusInternalServerError, CodeInternalError)
		return
	}

	s.metrics.RecordAuthRequest(endpoint, "ok")
	c.JSON(http.StatusOK, ChallengeResponse{
		Challenge: ch[:],
		ExpiresAt: s.now().Add(s.challengeTTL).Unix(),
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	const endpoint = "verify"

	id, record, ok := s.serviceFromHeader(c, endpoint)
	if !ok {
		return
	}

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordAuthRequest(endpoint, CodeInvalidRequest)
		writeError(c, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	validated, err := headers.Validate(req.AdditionalHeaders)
	if err != nil {
		s.metrics.RecordAuthRequest(endpoint, CodeInvalidHeaders)
		writeError(c, http.StatusBadRequest, CodeInvalidHeaders)
		return
	}

	if !record.IsOwner(req.ChallengeRequest.KeyType, req.ChallengeRequest.PublicKey) {
		s.metrics.RecordAuthRequest(endpoint, CodeUnauthorizedKey)
		writeError(c, http.StatusUnauthorized, CodeUnauthorizedKey)
		return
	}

	if len(req.Challenge) != challenge.Size {
		s.metrics.RecordAuthRequest(endpoint, CodeInvalidRequest)
		writeError(c, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	var ch [challenge.Size]byte
	copy(ch[:], req.Challenge)

	if err := challenge.Verify(ch, req.Signature, req.ChallengeRequest.PublicKey, req.ChallengeRequest.KeyType); err != nil {
		status, code := errorStatus(err)
		s.metrics.RecordAuthRequest(endpoint, code)
		writeError(c, status, code)
		return
	}

	prefix := record.APIKeyPrefix
	if prefix == "" {
		prefix = s.apiKeyPrefix
	}
	generated, err := token.NewAPIKeyGenerator(prefix).Generate(
		s.rand, id, req.ExpiresAt, headers.ProcessPII(validated))
	if err != nil {
		s.logger.Error("api key generation failed", observability.Error(err))
		s.metrics.RecordAuthRequest(endpoint, CodeInternalError)
		writeError(c, http.StatusInternalServerError, CodeInternalError)
		return
	}

	keyRecord, err := s.apiKeys.Create(c.Request.Context(), generated, "minted via challenge verification")
	if err != nil {
		s.logger.Error("api key persistence failed", observability.Error(err))
		s.metrics.RecordAuthRequest(endpoint, CodeInternalError)
		writeError(c, http.StatusInternalServerError, CodeInternalError)
		return
	}

	s.logger.Info("ownership verified, api key minted",
		observability.String("service_id", id.String()),
		observability.String("key_id", keyRecord.KeyID),
		observability.String("key_type", req.ChallengeRequest.KeyType.String()),
	)
	s.metrics.RecordAuthRequest(endpoint, "ok")
	c.JSON(http.StatusOK, VerifyResponse{
		APIKey:    generated.FullKey,
		KeyID:     generated.KeyID,
		ExpiresAt: generated.ExpiresAt,
	})
}

func (s *Server) handleExchange(c *gin.Context) {
	const endpoint = "exchange"

	apiKey, ok := bearerToken(c)
	if !ok {
		s.metrics.RecordAuthRequest(endpoint, CodeMissingAuthorization)
		writeError(c, http.StatusUnauthorized, CodeMissingAuthorization)
		return
	}

	var req exchange.Request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.metrics.RecordAuthRequest(endpoint, CodeInvalidRequest)
		writeError(c, http.StatusBadRequest, CodeInvalidRequest)
		return
	}

	res, err := s.exchange.Exchange(c.Request.Context(), apiKey, &req)
	if err != nil {
		status, code := errorStatus(err)
		s.metrics.RecordAuthRequest(endpoint, code)
		writeError(c, status, code)
		return
	}

	s.metrics.RecordAuthRequest(endpoint, "ok")
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	// Readiness is tied to the store: a proxy that cannot resolve services
	// must not receive traffic.
	if _, err := s.services.Find(c.Request.Context(), service.NewID(0)); err != nil && !errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// bearerToken extracts the bearer credential from the Authorization
// header.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	text, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || text == "" {
		return "", false
	}
	return text, true
}
