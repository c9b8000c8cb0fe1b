// Package token persists the access/refresh token pair. Tokens are opaque
// strings; this layer does no decoding or validation.
package token

import (
	"fmt"
	"sync"

	"metricsync/internal/models"
	"metricsync/internal/store"
)

const (
	accessKey  = "access_token"
	refreshKey = "refresh_token"
)

// Store holds the single token pair, mirrored in the local sqlite kv table
// so sessions survive restarts. The in-memory copy avoids a database read
// on every outbound request.
type Store struct {
	mu      sync.RWMutex
	db      *store.Store
	pair    models.TokenPair
	hasPair bool
}

func NewStore(db *store.Store) (*Store, error) {
	s := &Store{db: db}

	access, okA, err := db.GetValue(accessKey)
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}
	refresh, okR, err := db.GetValue(refreshKey)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if okA && okR {
		s.pair = models.TokenPair{AccessToken: access, RefreshToken: refresh}
		s.hasPair = true
	}
	return s, nil
}

// Get returns the current pair, if one exists.
func (s *Store) Get() (models.TokenPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.hasPair
}

// Set replaces the pair atomically, in memory and on disk.
func (s *Store) Set(pair models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.SetValues(map[string]string{
		accessKey:  pair.AccessToken,
		refreshKey: pair.RefreshToken,
	}); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	s.pair = pair
	s.hasPair = true
	return nil
}

// Clear removes the pair. Called on logout; never called automatically on
// refresh failure, which is the caller's policy decision.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteValues(accessKey, refreshKey); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	s.pair = models.TokenPair{}
	s.hasPair = false
	return nil
}
