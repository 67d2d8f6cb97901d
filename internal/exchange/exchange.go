// Package exchange implements the API key to access token exchange: the
// presented key is validated, the request's additional headers are
// validated and PII-hashed, then merged with the key's bound headers, and
// a short-lived access token is minted over the result.
package exchange

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/authproxy/internal/headers"
	"github.com/vyrodovalexey/authproxy/internal/observability"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

// Request is a token exchange request body.
type Request struct {
	// AdditionalHeaders are extra headers to embed in the access token.
	// They cannot override headers bound to the API key.
	AdditionalHeaders map[string]string `json:"additional_headers,omitempty"`

	// TTLSeconds is the requested token lifetime. Nil or non-positive
	// falls back to the manager's default; the maximum always applies.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

// Response is a successful token exchange result.
type Response struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Service performs token exchanges.
type Service struct {
	apiKeys *token.APIKeyStore
	tokens  *token.Manager
	logger  observability.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an exchange service over the given stores.
func NewService(apiKeys *token.APIKeyStore, tokens *token.Manager, opts ...Option) *Service {
	s := &Service{
		apiKeys: apiKeys,
		tokens:  tokens,
		logger:  observability.NopLogger(),
		metrics: GetSharedMetrics(),
		tracer:  otel.Tracer("authproxy/exchange"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Exchange validates the API key and mints an access token carrying the
// merged, PII-processed headers. Header errors are returned as
// *headers.ValidationError or *headers.CollisionError; key rejections as
// token.ErrInvalidAPIKey.
func (s *Service) Exchange(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "exchange.Exchange")
	defer span.End()

	record, err := s.apiKeys.Validate(ctx, apiKey)
	if err != nil {
		s.metrics.RecordExchange("error", "invalid_api_key", s.now().Sub(start))
		return nil, err
	}
	span.SetAttributes(attribute.String("key_id", record.KeyID))

	additional, err := headers.Validate(req.AdditionalHeaders)
	if err != nil {
		s.metrics.RecordExchange("error", "invalid_headers", s.now().Sub(start))
		return nil, err
	}

	// Bound headers were PII-processed at mint time and must reach the
	// token verbatim; only the request's additional headers get hashed here.
	merged, err := headers.Merge(record.BoundHeaders, headers.ProcessPII(additional))
	if err != nil {
		s.metrics.RecordExchange("error", "header_collision", s.now().Sub(start))
		return nil, err
	}

	var ttl time.Duration
	if req.TTLSeconds != nil && *req.TTLSeconds > 0 {
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}

	text, claims, err := s.tokens.Generate(record.ServiceID, record.KeyID, tenantID(merged), merged, ttl)
	if err != nil {
		s.metrics.RecordExchange("error", "mint_failed", s.now().Sub(start))
		return nil, err
	}

	if err := s.apiKeys.TouchLastUsed(ctx, record); err != nil {
		// Last-used tracking is advisory; the token is already minted.
		s.logger.Warn("failed to update api key last_used",
			observability.String("key_id", record.KeyID),
			observability.Error(err),
		)
	}

	s.metrics.RecordExchange("success", "ok", s.now().Sub(start))
	s.metrics.RecordTokenIssued()
	s.logger.Info("access token issued",
		observability.String("key_id", record.KeyID),
		observability.String("service_id", record.ServiceID.String()),
		observability.String("jti", claims.JTI),
	)

	now := s.now().Unix()
	return &Response{
		AccessToken: text,
		TokenType:   "Bearer",
		ExpiresAt:   claims.ExpiresAt,
		ExpiresIn:   claims.ExpiresAt - now,
	}, nil
}

// tenantID extracts the tenant identifier from the merged header set.
func tenantID(merged map[string]string) string {
	for name, value := range merged {
		if strings.EqualFold(name, "x-tenant-id") {
			return value
		}
	}
	return ""
}
