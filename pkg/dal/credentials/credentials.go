// Package credentials persists the raw session token between runs of the dal CLI.
package credentials

import (
	"errors"
	"fmt"
	"sync"
)

// Store holds at most one raw token. Delete on an empty store is not an error.
type Store interface {
	Load() (string, bool, error)
	Save(rawToken string) error
	Delete() error
}

// New returns the store named by kind: "file", "keyring" or "memory".
func New(kind, dir, account string) (Store, error) {
	switch kind {
	case "file":
		return NewFileStore(dir, account)
	case "keyring":
		return NewKeyringStore(account), nil
	case "memory":
		return &MemoryStore{}, nil
	}
	return nil, fmt.Errorf("unknown credential store: %q", kind)
}

var errEmptyToken = errors.New("refusing to save an empty token")

type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

func (m *MemoryStore) Load() (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != "", nil
}

func (m *MemoryStore) Save(rawToken string) error {
	if rawToken == "" {
		return errEmptyToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = rawToken
	return nil
}

func (m *MemoryStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}
