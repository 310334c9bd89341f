// Package prefs is the key-value preference store the bridge persists into.
// Values are opaque strings; encryption of sensitive entries happens above
// this layer.
package prefs

import (
	"context"
	"errors"
	"sync"
)

const (
	KeyAPIKeys        = "issuebridge.apikeys.v2"
	KeyLegacyAPIKeys  = "issuebridge.apikeys"
	KeyBindAddress    = "issuebridge.bind_address"
	KeyPort           = "issuebridge.port"
	KeyAllowedOrigins = "issuebridge.allowed_origins"
)

var ErrNotFound = errors.New("prefs: key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Lookup is Get with the not-found case folded into a boolean.
func Lookup(ctx context.Context, s Store, key string) (string, bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]string{}}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
