package storage

import (
	"errors"
	"sync"

	"github.com/cuemby/colony/pkg/types"
)

// ErrClosed is returned by stores used after Close
var ErrClosed = errors.New("store is closed")

// ConfigStore persists the desired cluster configuration. Load returns the
// entries in the order they were saved; a store that has never been written
// loads as an empty configuration.
type ConfigStore interface {
	Load() ([]types.NodeEntry, error)
	Save(entries []types.NodeEntry) error
}

// MemoryStore is a ConfigStore kept in process memory
type MemoryStore struct {
	mu      sync.Mutex
	entries []types.NodeEntry
	saves   int
}

// NewMemoryStore creates a store holding a copy of entries
func NewMemoryStore(entries []types.NodeEntry) *MemoryStore {
	return &MemoryStore{entries: types.CloneEntries(entries)}
}

func (m *MemoryStore) Load() ([]types.NodeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.CloneEntries(m.entries), nil
}

func (m *MemoryStore) Save(entries []types.NodeEntry) error {
	if err := types.ValidateEntries(entries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = types.CloneEntries(entries)
	m.saves++
	return nil
}

// Saves returns how many successful saves the store has seen
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
