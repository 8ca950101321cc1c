package secrets

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the record in process memory (for development/testing).
type MemoryStore struct {
	mu     sync.Mutex
	record *Secrets
	puts   int

	// GetErr and PutErr, when set, are returned instead of touching the record.
	GetErr error
	PutErr error
}

// NewMemoryStore creates a MemoryStore seeded with a copy of s. A nil s
// makes Get fail with ErrNotFound until the first Put.
func NewMemoryStore(s *Secrets) *MemoryStore {
	return &MemoryStore{record: s.Clone()}
}

// Get returns a copy of the stored record.
func (m *MemoryStore) Get(_ context.Context) (*Secrets, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrSecretRetrievalFailed, m.GetErr)
	}
	if m.record == nil {
		return nil, fmt.Errorf("%w: %w", ErrSecretRetrievalFailed, ErrNotFound)
	}
	return m.record.Clone(), nil
}

// Put replaces the stored record with a copy of s.
func (m *MemoryStore) Put(_ context.Context, s *Secrets) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PutErr != nil {
		return fmt.Errorf("%w: %w", ErrSecretPersistFailed, m.PutErr)
	}
	m.record = s.Clone()
	m.puts++
	return nil
}

// Snapshot returns a copy of the stored record without counting as a read.
func (m *MemoryStore) Snapshot() *Secrets {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Clone()
}

// Puts returns how many times Put succeeded.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

var _ Store = (*MemoryStore)(nil)
