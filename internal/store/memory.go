package store

import (
	"context"
	"sync"

	"github.com/lukw00heck/av-service/pkg/proto"
)

// MemoryStore keeps files in memory.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte // key: proto.FileKey(filename, owner)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string][]byte),
	}
}

// Save stores a new file. Returns ErrFileExists if the key is taken.
func (m *MemoryStore) Save(_ context.Context, file proto.FileMessage) error {
	if err := validate(file.Filename, file.Owner); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := file.Key()
	if _, exists := m.files[key]; exists {
		return ErrFileExists
	}
	m.files[key] = cloneBytes(file.Data)
	return nil
}

// Load returns a copy of the stored file with the request's id.
func (m *MemoryStore) Load(_ context.Context, file proto.FileMessage) (proto.FileMessage, error) {
	m.mu.RLock()
	data, exists := m.files[file.Key()]
	m.mu.RUnlock()

	if !exists {
		return proto.FileMessage{}, ErrFileNotFound
	}
	return file.Derive(proto.FileLoad).WithData(cloneBytes(data)), nil
}

// Update replaces the payload of an existing file.
func (m *MemoryStore) Update(_ context.Context, file proto.FileMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := file.Key()
	if _, exists := m.files[key]; !exists {
		return ErrFileNotFound
	}
	m.files[key] = cloneBytes(file.Data)
	return nil
}

// Delete removes a file. Deleting a missing file is not an error.
func (m *MemoryStore) Delete(_ context.Context, filename, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, proto.FileKey(filename, owner))
	return nil
}

// Exists reports whether the file is stored.
func (m *MemoryStore) Exists(_ context.Context, filename, owner string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.files[proto.FileKey(filename, owner)]
	return exists, nil
}

// Len returns the number of stored files.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func validate(filename, owner string) error {
	if filename == "" || owner == "" {
		return ErrInvalidFile
	}
	return nil
}
