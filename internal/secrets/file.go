package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the secrets record in a JSON file readable only by its owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file path where the record is stored.
func (f *FileStore) Path() string {
	return f.path
}

// Get reads the record from disk.
func (f *FileStore) Get(_ context.Context) (*Secrets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: %s", ErrSecretRetrievalFailed, ErrNotFound, f.path)
		}
		return nil, fmt.Errorf("%w: reading secrets file: %w", ErrSecretRetrievalFailed, err)
	}

	return Decode(data)
}

// Put writes the record, creating the parent directory if needed.
// The file is replaced atomically so a crash never leaves a torn record.
func (f *FileStore) Put(_ context.Context, s *Secrets) error {
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecretPersistFailed, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating secrets directory: %w", ErrSecretPersistFailed, err)
	}

	tmp, err := os.CreateTemp(dir, ".secrets-*.json")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", ErrSecretPersistFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file: %w", ErrSecretPersistFailed, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: setting permissions: %w", ErrSecretPersistFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %w", ErrSecretPersistFailed, err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%w: replacing secrets file: %w", ErrSecretPersistFailed, err)
	}

	return nil
}

var _ Store = (*FileStore)(nil)
