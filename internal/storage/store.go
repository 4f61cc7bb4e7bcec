package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrStoreClosed is returned by every operation after Close
var ErrStoreClosed = errors.New("store closed")

// KeyValue is one entry of a batch write.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Batcher is implemented by stores that can apply several writes atomically.
type Batcher interface {
	PutBatch(pairs []KeyValue) error
}

// Store defines the interface for ordered key-value storage
// Keys are compared bytewise; all implementations must be thread-safe
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key []byte) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key []byte) error

	// Scan calls fn for every key in [start, end) in ascending order
	// A nil end means no upper bound; fn returning false stops the scan
	Scan(start, end []byte, fn func(key, value []byte) bool) error

	// DeleteRange removes every key in [start, end)
	// Returns the number of keys removed
	DeleteRange(start, end []byte) (int, error)

	// Stats returns storage statistics
	Stats() StoreStats

	// Sync makes previous writes durable
	Sync() error

	// Close releases the store
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex      // Protects concurrent access
	data   map[string][]byte // Key-value storage
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	value, exists := m.data[string(key)]
	if !exists {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[string(key)] = stored

	return nil
}

// PutBatch stores all pairs under one lock, so readers see none or all of
// them.
func (m *MemoryStore) PutBatch(pairs []KeyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, kv := range pairs {
		m.data[string(kv.Key)] = append([]byte(nil), kv.Value...)
	}
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	delete(m.data, string(key))
	return nil
}

// sortedKeysLocked returns the keys in [start, end) in ascending order
func (m *MemoryStore) sortedKeysLocked(start, end []byte) []string {
	var keys []string
	for k := range m.data {
		kb := []byte(k)
		if bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Scan visits a sorted snapshot of the range
// fn runs without the lock held, so it may call back into the store
func (m *MemoryStore) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	keys := m.sortedKeysLocked(start, end)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if !fn([]byte(k), values[i]) {
			break
		}
	}
	return nil
}

// DeleteRange deletes all keys in [start, end)
func (m *MemoryStore) DeleteRange(start, end []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	keys := m.sortedKeysLocked(start, end)
	for _, k := range keys {
		delete(m.data, k)
	}
	return len(keys), nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// Sync is a no-op for memory
func (m *MemoryStore) Sync() error { return nil }

// Close drops the data; later calls return ErrStoreClosed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Batcher = (*MemoryStore)(nil)
)
