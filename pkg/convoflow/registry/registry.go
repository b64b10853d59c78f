package registry

import "sync"

// Registry is a thread-safe registry for values indexed by key.
// convoflow uses it to map node type names to handler functions,
// but it works for any comparable key.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]V),
	}
}

// Register adds or updates a value in the registry.
func (r *Registry[K, V]) Register(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
}

// RegisterMany adds multiple entries to the registry.
func (r *Registry[K, V]) RegisterMany(entries map[K]V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range entries {
		r.entries[k] = v
	}
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// MustGet returns the value for a key, panicking if not found.
func (r *Registry[K, V]) MustGet(key K) V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	if !ok {
		panic("registry: key not found")
	}
	return v
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Delete removes a key from the registry.
func (r *Registry[K, V]) Delete(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Keys returns all keys in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
