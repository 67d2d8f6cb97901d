// Package service defines the tenant service model: service identifiers,
// owner key types, service records with optional TLS profiles, and the
// repository that persists them.
package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a tenant-facing upstream service. Main is the primary
// service identifier; Sub distinguishes co-existing instances of the same
// service and is zero when unused.
type ID struct {
	Main uint64 `json:"main"`
	Sub  uint64 `json:"sub,omitempty"`
}

// ErrMalformedID indicates an ID string that is not of the form
// "<main>[:<sub>]".
var ErrMalformedID = errors.New("service: malformed service id, expected <main_id>[:<sub_id>]")

// NewID creates an ID with the given main identifier and no sub-service.
func NewID(main uint64) ID {
	return ID{Main: main}
}

// WithSub returns a copy of the ID with the given sub-service identifier.
func (id ID) WithSub(sub uint64) ID {
	id.Sub = sub
	return id
}

// HasSub reports whether the ID addresses a specific sub-service instance.
func (id ID) HasSub() bool {
	return id.Sub != 0
}

// String renders the ID as "<main>:<sub>".
func (id ID) String() string {
	return strconv.FormatUint(id.Main, 10) + ":" + strconv.FormatUint(id.Sub, 10)
}

// ParseID parses an ID from "<main>[:<sub>]" form.
func ParseID(s string) (ID, error) {
	main, sub, hasSub := strings.Cut(s, ":")

	mainID, err := strconv.ParseUint(main, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	if !hasSub {
		return NewID(mainID), nil
	}

	subID, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	return ID{Main: mainID, Sub: subID}, nil
}
