package proxy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/authproxy/internal/challenge"
	"github.com/vyrodovalexey/authproxy/internal/headers"
	"github.com/vyrodovalexey/authproxy/internal/service"
	"github.com/vyrodovalexey/authproxy/internal/token"
)

// Machine-readable error codes returned in response bodies.
const (
	CodeMissingServiceID     = "missing_service_id"
	CodeInvalidServiceID     = "invalid_service_id"
	CodeServiceNotFound      = "service_not_found"
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidHeaders       = "invalid_headers"
	CodeUnauthorizedKey      = "unauthorized_key"
	CodeUnknownKeyType       = "unknown_key_type"
	CodeInvalidSignature     = "invalid_signature"
	CodeMissingAuthorization = "missing_authorization_header"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeInvalidToken         = "invalid_token"
	CodeTokenExpired         = "token_expired"
	CodeUpstreamUnavailable  = "upstream_unavailable"
	CodeUpstreamTimeout      = "upstream_timeout"
	CodeInternalError        = "internal_error"
)

// writeError writes the standard {"error": code} body.
func writeError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

// errorStatus maps a pipeline error to its HTTP status and machine code.
// Unknown errors become 500 internal_error with no detail leaked.
func errorStatus(err error) (int, string) {
	var verr *headers.ValidationError
	var cerr *headers.CollisionError

	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, CodeServiceNotFound
	case errors.As(err, &verr), errors.As(err, &cerr):
		return http.StatusBadRequest, CodeInvalidHeaders
	case errors.Is(err, challenge.ErrUnknownKeyType):
		return http.StatusBadRequest, CodeUnknownKeyType
	case errors.Is(err, challenge.ErrMalformedPublicKey),
		errors.Is(err, challenge.ErrMalformedSignature),
		errors.Is(err, challenge.ErrSignatureMismatch):
		return http.StatusUnauthorized, CodeInvalidSignature
	case errors.Is(err, token.ErrInvalidAPIKey):
		return http.StatusUnauthorized, CodeInvalidAPIKey
	case errors.Is(err, token.ErrTokenExpired):
		return http.StatusUnauthorized, CodeTokenExpired
	case errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrInvalidLegacyToken):
		return http.StatusUnauthorized, CodeInvalidToken
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
