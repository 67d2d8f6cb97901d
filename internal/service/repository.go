package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/authproxy/internal/store"
)

// ErrNotFound indicates that no record exists for the requested service ID.
var ErrNotFound = errors.New("service: not found")

// Repository persists service records in the services namespace, keyed by
// the ID's string form.
type Repository struct {
	store store.Store
}

// NewRepository creates a repository over the given store.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Find returns the record for the given ID, or ErrNotFound.
func (r *Repository) Find(ctx context.Context, id ID) (*Record, error) {
	raw, err := r.store.Get(ctx, store.NamespaceServices, []byte(id.String()))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("service: lookup %s: %w", id, err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("service: decode %s: %w", id, err)
	}
	return &record, nil
}

// Save stores the record under the given ID.
func (r *Repository) Save(ctx context.Context, id ID, record *Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("service: encode %s: %w", id, err)
	}
	if err := r.store.Put(ctx, store.NamespaceServices, []byte(id.String()), raw); err != nil {
		return fmt.Errorf("service: save %s: %w", id, err)
	}
	return nil
}

// Delete removes the record for the given ID.
func (r *Repository) Delete(ctx context.Context, id ID) error {
	if err := r.store.Delete(ctx, store.NamespaceServices, []byte(id.String())); err != nil {
		return fmt.Errorf("service: delete %s: %w", id, err)
	}
	return nil
}
