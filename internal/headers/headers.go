// Package headers validates, sanitizes, and injects the additional headers
// carried by credentials. Validation enforces count and size limits, a
// conservative character set, and a hop-by-hop deny list. PII-bearing
// headers are hashed before they reach tokens or upstreams.
package headers

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// MaxHeaders bounds the number of additional headers per credential.
	MaxHeaders = 8
	// MaxNameLen bounds the header name length in bytes.
	MaxNameLen = 256
	// MaxValueLen bounds the header value length in bytes.
	MaxValueLen = 512
)

// forbidden lists hop-by-hop and framing headers that must never be set
// through credentials. Names are lowercase.
var forbidden = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
}

// ValidationError describes why a header set was rejected. Header carries
// the offending name when one exists.
type ValidationError struct {
	Reason string
	Header string
}

func (e *ValidationError) Error() string {
	if e.Header == "" {
		return "headers: " + e.Reason
	}
	return fmt.Sprintf("headers: %s: %s", e.Reason, e.Header)
}

// CollisionError indicates an additional header that tries to override a
// header already bound to the credential.
type CollisionError struct {
	Header string
}

func (e *CollisionError) Error() string {
	return "headers: collision on bound header: " + e.Header
}

// Validate checks a header map against the count, size, character set, and
// deny-list rules. It returns a copy of the map on success.
func Validate(headers map[string]string) (map[string]string, error) {
	if len(headers) > MaxHeaders {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("too many headers: %d (max %d)", len(headers), MaxHeaders),
		}
	}

	validated := make(map[string]string, len(headers))
	for name, value := range headers {
		if _, ok := forbidden[strings.ToLower(name)]; ok {
			return nil, &ValidationError{Reason: "forbidden header", Header: name}
		}
		if len(name) > MaxNameLen {
			return nil, &ValidationError{Reason: "header name too long", Header: name}
		}
		if len(value) > MaxValueLen {
			return nil, &ValidationError{Reason: "header value too long", Header: name}
		}
		if !validName(name) {
			return nil, &ValidationError{Reason: "invalid header name", Header: name}
		}
		if !validValue(value) {
			return nil, &ValidationError{Reason: "invalid header value", Header: name}
		}
		validated[name] = value
	}
	return validated, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func validValue(value string) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\t' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// HashUserID derives a compact tenant identifier from a raw user id: the
// first 16 bytes of its Keccak-256 digest, hex encoded.
func HashUserID(userID string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ProcessPII returns a copy of the headers with PII-bearing values hashed.
// User ids and emails are always hashed; a tenant id is kept only when it
// already looks like a digest.
func ProcessPII(headers map[string]string) map[string]string {
	processed := make(map[string]string, len(headers))
	for name, value := range headers {
		switch strings.ToLower(name) {
		case "x-user-id", "x-user-email", "x-customer-email":
			processed[name] = HashUserID(value)
		case "x-tenant-id":
			if isHashedTenantID(value) {
				processed[name] = value
			} else {
				processed[name] = HashUserID(value)
			}
		default:
			processed[name] = value
		}
	}
	return processed
}

func isHashedTenantID(value string) bool {
	if len(value) != 32 {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Merge combines the headers bound to a credential with request-supplied
// additional headers. Bound headers win; an additional header that names a
// bound one (case-insensitively) with a different value is a collision.
func Merge(bound, additional map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(bound)+len(additional))
	lowerBound := make(map[string]string, len(bound))
	for name, value := range bound {
		merged[name] = value
		lowerBound[strings.ToLower(name)] = value
	}

	for name, value := range additional {
		if boundValue, ok := lowerBound[strings.ToLower(name)]; ok {
			if boundValue != value {
				return nil, &CollisionError{Header: name}
			}
			continue
		}
		merged[name] = value
	}
	return merged, nil
}

// Inject sets the given headers on an outbound request, replacing any
// client-supplied values for the same names.
func Inject(dst http.Header, headers map[string]string) {
	for name, value := range headers {
		dst.Set(name, value)
	}
}
