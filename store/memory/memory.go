// Package memory implements sluice.ContextStore with an in-process map.
// Useful for tests, examples, and single-process deployments. Contexts do
// not survive a restart; use a durable backend for anything else.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/sluicehq/sluice"
)

// Store keeps context blobs in a map guarded by an RWMutex. Blobs are
// copied on both save and load so callers cannot mutate internal state.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]map[string]string
}

var _ sluice.ContextStore = (*Store)(nil)

// New returns an empty in-memory context store.
func New() *Store {
	return &Store{blobs: make(map[string]map[string]string)}
}

func (s *Store) Get(ctx context.Context, id string) (map[string]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(blob), true, nil
}

func (s *Store) Set(ctx context.Context, id string, blob map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = maps.Clone(blob)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

// Len reports how many contexts are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
