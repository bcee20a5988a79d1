// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archivelab/accessioner/internal/accession"
)

// Store keeps artifacts in a map and returns pseudo references.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates a new in-memory artifact store.
func New() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

// Put persists the content and returns a memory:// reference. Re-putting the
// same key overwrites, mirroring object store semantics.
func (s *Store) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns the stored content or accession.ErrArtifactNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return nil, accession.ErrArtifactNotFound
	}
	return append([]byte(nil), data...), nil
}

// SignedURL returns the pseudo reference; there is nothing to sign in memory.
func (s *Store) SignedURL(key string, _ time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data[key]; !ok {
		return "", accession.ErrArtifactNotFound
	}
	return fmt.Sprintf("memory://%s", key), nil
}

// Len reports the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
