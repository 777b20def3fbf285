package storage

import (
	"context"
	"sync"
	"time"
)

type memorySection struct {
	content      string
	version      int
	lastModified time.Time
}

// MemoryStore is a thread-safe in-memory Store for tests and single-node
// development. It tracks a version counter and modification time per
// section alongside the content.
type MemoryStore struct {
	mu       sync.RWMutex
	sections map[string]map[string]*memorySection // documentID -> section name
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sections: make(map[string]map[string]*memorySection),
	}
}

// Section returns the stored content of one section.
func (s *MemoryStore) Section(_ context.Context, documentID, section string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.sections[documentID]
	if !ok {
		return "", ErrNotFound
	}
	entry, ok := doc[section]
	if !ok {
		return "", ErrNotFound
	}
	return entry.content, nil
}

// SaveSection creates or replaces the content of one section and bumps its
// version.
func (s *MemoryStore) SaveSection(_ context.Context, documentID, section, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.sections[documentID]
	if !ok {
		doc = make(map[string]*memorySection)
		s.sections[documentID] = doc
	}

	entry, ok := doc[section]
	if !ok {
		entry = &memorySection{}
		doc[section] = entry
	}
	entry.content = content
	entry.version++
	entry.lastModified = time.Now()
	return nil
}

// Version returns the current version number of a section, 0 if unsaved.
func (s *MemoryStore) Version(documentID, section string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if doc, ok := s.sections[documentID]; ok {
		if entry, ok := doc[section]; ok {
			return entry.version
		}
	}
	return 0
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
