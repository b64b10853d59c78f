// Package blob provides overflow storage for prompt content that
// exceeds the inline size threshold, with an Azure Blob Storage
// implementation and an in-memory implementation for tests.
package blob

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Sentinel errors.
var (
	// ErrNotFound indicates no blob exists at the given key.
	ErrNotFound = errors.New("blob not found")

	// ErrEmptyKey indicates an empty storage key.
	ErrEmptyKey = errors.New("storage key is empty")

	// ErrInvalidKey indicates a storage key with path traversal.
	ErrInvalidKey = errors.New("storage key contains invalid path segment")
)

// Store holds prompt bodies too large for inline record storage.
// Keys are content-derived and blobs are immutable once written.
type Store interface {
	// Put writes the content at the given key.
	Put(ctx context.Context, key string, content []byte) error
	// Get returns the content at the given key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the blob at the given key. Returns ErrNotFound
	// if the blob does not exist.
	Delete(ctx context.Context, key string) error
	// Exists reports whether a blob exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// MemoryStore is an in-memory Store for tests and examples.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// FailPut, when set, is returned by Put. Tests use it to exercise
	// cleanup paths after partial writes.
	FailPut error
	// FailGet, when set, is returned by Get.
	FailGet error
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, content []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.blobs[key] = append([]byte(nil), content...)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	content, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), content...), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, key)
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
