// Package memory holds raw page bytes in process memory, for development and
// tests.
package memory

import (
	"context"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// Store is an in-memory blob store.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// PutObject stores data under path and returns a mem:// URI for it.
func (s *Store) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[path] = object{contentType: contentType, data: buf}
	s.mu.Unlock()

	return "mem://" + path, nil
}

// GetObject returns a stored object's bytes.
func (s *Store) GetObject(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
