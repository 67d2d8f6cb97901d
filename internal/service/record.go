package service

import (
	"bytes"
	"fmt"
	"net/url"
)

// Owner is an identity authorized to mint credentials for a service.
type Owner struct {
	KeyType  KeyType `json:"key_type"`
	KeyBytes []byte  `json:"key_bytes"`
}

// TLSProfile configures outbound TLS for a service's upstream.
type TLSProfile struct {
	// Enabled turns on TLS for the upstream connection.
	Enabled bool `json:"tls_enabled"`

	// UpstreamCABundle is a PEM bundle of CAs trusted for the upstream,
	// stored encrypted at rest by the management path.
	UpstreamCABundle []byte `json:"upstream_ca_bundle,omitempty"`

	// UpstreamClientCert and UpstreamClientKey are the PEM client
	// certificate and key presented for mutual TLS.
	UpstreamClientCert []byte `json:"upstream_client_cert,omitempty"`
	UpstreamClientKey  []byte `json:"upstream_client_key,omitempty"`

	// SNI overrides the server name sent in the handshake.
	SNI string `json:"sni,omitempty"`
}

// Record is a service as stored in the services namespace. It is created
// and updated by the management path and read-only from the proxy's
// perspective.
type Record struct {
	// APIKeyPrefix namespaces API keys issued for this service.
	APIKeyPrefix string `json:"api_key_prefix"`

	// Owners are the identities allowed to mint credentials. A record with
	// no owners cannot mint anything.
	Owners []Owner `json:"owners"`

	// UpstreamURL is where authenticated traffic is forwarded.
	UpstreamURL string `json:"upstream_url"`

	// TLSProfile is the optional outbound TLS configuration.
	TLSProfile *TLSProfile `json:"tls_profile,omitempty"`
}

// IsOwner reports whether the given key is among the record's owners.
func (r *Record) IsOwner(keyType KeyType, keyBytes []byte) bool {
	for _, owner := range r.Owners {
		if owner.KeyType == keyType && bytes.Equal(owner.KeyBytes, keyBytes) {
			return true
		}
	}
	return false
}

// AddOwner appends an owner to the record.
func (r *Record) AddOwner(keyType KeyType, keyBytes []byte) {
	r.Owners = append(r.Owners, Owner{KeyType: keyType, KeyBytes: keyBytes})
}

// RemoveOwner removes every owner matching the given key.
func (r *Record) RemoveOwner(keyType KeyType, keyBytes []byte) {
	kept := r.Owners[:0]
	for _, owner := range r.Owners {
		if owner.KeyType != keyType || !bytes.Equal(owner.KeyBytes, keyBytes) {
			kept = append(kept, owner)
		}
	}
	r.Owners = kept
}

// Upstream parses and returns the record's upstream URL.
func (r *Record) Upstream() (*url.URL, error) {
	u, err := url.Parse(r.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("service: invalid upstream url: %w", err)
	}
	return u, nil
}

// TLSEnabled reports whether the record requires TLS to its upstream.
func (r *Record) TLSEnabled() bool {
	return r.TLSProfile != nil && r.TLSProfile.Enabled
}
