package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/authproxy/internal/headers"
	"github.com/vyrodovalexey/authproxy/internal/observability"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/tlsclient"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

// hopHeaders are stripped in both directions when forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopHeaders removes hop-by-hop headers, including any header the
// Connection header nominates per RFC 7230 section 6.1.
func stripHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// breakerGroup keeps one circuit breaker per target service.
type breakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerGroup() *breakerGroup {
	return &breakerGroup{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (g *breakerGroup) get(name string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	g.breakers[name] = cb
	return cb
}

// authenticate resolves the bearer credential to the target service id and
// the verified headers to inject upstream.
func (s *Server) authenticate(ctx context.Context, text string) (service.ID, map[string]string, error) {
	switch token.Classify(text) {
	case token.KindAccessToken:
		claims, err := s.tokens.Validate(text)
		if err != nil {
			return service.ID{}, nil, err
		}
		return claims.ServiceID, claims.AdditionalHeaders, nil

	case token.KindAPIKey:
		record, err := s.apiKeys.Validate(ctx, text)
		if err != nil {
			return service.ID{}, nil, err
		}
		return record.ServiceID, record.BoundHeaders, nil

	case token.KindLegacy:
		record, err := s.legacy.Validate(ctx, text)
		if err != nil {
			return service.ID{}, nil, err
		}
		return record.ServiceID, nil, nil

	default:
		return service.ID{}, nil, token.ErrInvalidToken
	}
}

// handleForward authenticates the request and proxies it to the service's
// upstream with the credential's bound headers injected.
func (s *Server) handleForward(c *gin.Context) {
	text, ok := bearerToken(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, CodeMissingAuthorization)
		return
	}

	ctx := c.Request.Context()
	id, boundHeaders, err := s.authenticate(ctx, text)
	if err != nil {
		status, code := errorStatus(err)
		writeError(c, status, code)
		return
	}

	record, err := s.services.Find(ctx, id)
	if err != nil {
		status, code := errorStatus(err)
		writeError(c, status, code)
		return
	}

	upstream, err := record.Upstream()
	if err != nil {
		s.logger.Error("unusable upstream url",
			observability.String("service_id", id.String()),
			observability.Error(err),
		)
		writeError(c, http.StatusBadGateway, CodeUpstreamUnavailable)
		return
	}

	client, err := s.tls.GetClient(ctx, record)
	if err != nil {
		s.logger.Error("tls client unavailable",
			observability.String("service_id", id.String()),
			observability.Error(err),
		)
		writeError(c, http.StatusBadGateway, CodeUpstreamUnavailable)
		return
	}

	forwardCtx, cancel := context.WithTimeout(ctx, s.forwardTimeout)
	defer cancel()

	outbound := c.Request.Clone(forwardCtx)
	outbound.URL.Scheme = upstream.Scheme
	outbound.URL.Host = upstream.Host
	outbound.Host = upstream.Host
	outbound.RequestURI = ""

	stripHopHeaders(outbound.Header)
	outbound.Header.Del("Authorization")
	headers.Inject(outbound.Header, boundHeaders)
	if clientIP, _, splitErr := net.SplitHostPort(c.Request.RemoteAddr); splitErr == nil {
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	httpClient := pickClient(client, outbound)

	start := s.now()
	result, err := s.breakers.get(id.String()).Execute(func() (interface{}, error) {
		return httpClient.Do(outbound)
	})
	duration := s.now().Sub(start)

	if err != nil {
		outcome, status, code := classifyForwardError(err)
		s.metrics.RecordUpstream(id.String(), outcome, duration)
		s.logger.Warn("upstream request failed",
			observability.String("service_id", id.String()),
			observability.String("upstream", upstream.Host),
			observability.Error(err),
		)
		writeError(c, status, code)
		return
	}

	res := result.(*http.Response)
	defer res.Body.Close()

	s.metrics.RecordUpstream(id.String(), "ok", duration)

	stripHopHeaders(res.Header)
	for name, values := range res.Header {
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Writer.WriteHeader(res.StatusCode)
	if _, err := io.Copy(c.Writer, res.Body); err != nil {
		s.logger.Warn("response copy interrupted",
			observability.String("service_id", id.String()),
			observability.Error(err),
		)
	}
}

// pickClient selects the outbound client. gRPC needs the forced HTTP/2
// transport; everything else negotiates the protocol via ALPN.
func pickClient(client *tlsclient.Client, req *http.Request) *http.Client {
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/grpc") {
		return client.HTTP2
	}
	return client.HTTP1
}

// classifyForwardError maps a forwarding failure to a metrics outcome and
// the response status/code.
func classifyForwardError(err error) (outcome string, status int, code string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", http.StatusGatewayTimeout, CodeUpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", http.StatusGatewayTimeout, CodeUpstreamTimeout
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "circuit_open", http.StatusBadGateway, CodeUpstreamUnavailable
	}
	return "error", http.StatusBadGateway, CodeUpstreamUnavailable
}
