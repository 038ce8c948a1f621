package keyjar

import (
	"errors"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

var ErrKeyNotFound = errors.New("ephemeral key not found")

// EphemeralKeys holds the private flow keys indexed by key tag.
type EphemeralKeys struct {
	mu   sync.RWMutex
	keys map[string]jose.JSONWebKey
}

func NewEphemeralKeys() *EphemeralKeys {
	return &EphemeralKeys{
		keys: make(map[string]jose.JSONWebKey),
	}
}

func (e *EphemeralKeys) Save(key jose.JSONWebKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.keys[key.KeyID] = key
}

func (e *EphemeralKeys) Key(tag string) (jose.JSONWebKey, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key, ok := e.keys[tag]
	if !ok {
		return jose.JSONWebKey{}, ErrKeyNotFound
	}
	return key, nil
}

func (e *EphemeralKeys) Delete(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.keys, tag)
}
