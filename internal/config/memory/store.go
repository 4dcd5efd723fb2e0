// Package memory provides an in-memory config.Store implementation,
// intended for tests: configuration is not persisted across restarts.
package memory

import (
	"context"
	"sync"

	"vaultkeep/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu  sync.RWMutex
	cfg *config.Config
}

var _ config.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the stored configuration, or nil if none has been
// saved yet.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	c := *s.cfg
	return &c, nil
}

// Save replaces the stored configuration with a copy of cfg.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == nil {
		s.cfg = nil
		return nil
	}
	c := *cfg
	s.cfg = &c
	return nil
}
