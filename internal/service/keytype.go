package service

import (
	"encoding/json"
	"fmt"
)

// KeyType enumerates the signature schemes accepted for service ownership.
// The zero value is the Unknown sentinel, which never verifies.
type KeyType int

const (
	// KeyTypeUnknown is a sentinel for unsupported schemes.
	KeyTypeUnknown KeyType = iota
	// KeyTypeEcdsa is secp256k1 ECDSA over a pre-hashed 32-byte digest.
	KeyTypeEcdsa
	// KeyTypeSr25519 is the Schnorrkel/Ristretto scheme.
	KeyTypeSr25519
)

// String returns the wire name of the key type.
func (k KeyType) String() string {
	switch k {
	case KeyTypeEcdsa:
		return "Ecdsa"
	case KeyTypeSr25519:
		return "Sr25519"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the key type names a supported scheme.
func (k KeyType) IsValid() bool {
	return k == KeyTypeEcdsa || k == KeyTypeSr25519
}

// MarshalJSON encodes the key type as its wire name.
func (k KeyType) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a key type from its wire name. Unrecognized names
// decode to KeyTypeUnknown rather than failing, so that verification can
// reject them with a typed error.
func (k *KeyType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("service: key type must be a string: %w", err)
	}
	switch s {
	case "Ecdsa":
		*k = KeyTypeEcdsa
	case "Sr25519":
		*k = KeyTypeSr25519
	default:
		*k = KeyTypeUnknown
	}
	return nil
}
