// Package store provides the namespaced key-value store used to persist
// service records and credentials.
package store

import (
	"context"
	"errors"
)

// Namespaces used by the authentication proxy. They map onto column
// families in storage engines that support them, or key prefixes otherwise.
const (
	// NamespaceServices holds service records keyed by service ID.
	NamespaceServices = "services"

	// NamespaceAPIKeys holds API key records keyed by key ID.
	NamespaceAPIKeys = "api_keys"

	// NamespaceAPIKeysByID maps numeric API key IDs to key IDs.
	NamespaceAPIKeysByID = "api_keys_by_id"

	// NamespaceLegacyTokens holds legacy token records keyed by numeric ID.
	NamespaceLegacyTokens = "legacy_tokens"

	// NamespaceSequences holds monotonic sequence counters.
	NamespaceSequences = "seq"
)

// ErrNotFound indicates that the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a namespaced key-value store. Implementations must be safe for
// concurrent use; the authentication pipeline only ever reads on the hot
// path, writes happen on credential issuance.
type Store interface {
	// Get returns the value stored under (namespace, key), or ErrNotFound.
	Get(ctx context.Context, namespace string, key []byte) ([]byte, error)

	// Put stores value under (namespace, key), overwriting any previous value.
	Put(ctx context.Context, namespace string, key, value []byte) error

	// Delete removes (namespace, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace string, key []byte) error

	// Scan visits every entry in the namespace whose key starts with prefix,
	// in unspecified order. Returning an error from fn stops the scan.
	Scan(ctx context.Context, namespace string, prefix []byte, fn func(key, value []byte) error) error

	// NextSequence atomically increments and returns the named counter,
	// starting at 1.
	NextSequence(ctx context.Context, name string) (uint64, error)

	// Close releases any resources held by the store.
	Close() error
}
