// Package keyjar keeps the keys the wallet knows about.
//
// A [KeyJar] holds public keys of remote entities scoped by their
// identifier. [EphemeralKeys] holds the private keys minted for flows,
// scoped by key tag.
package keyjar

import (
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type KeyJar struct {
	mu   sync.RWMutex
	keys map[string][]jose.JSONWebKey
}

var _ goid4vci.KeyRegistry = (*KeyJar)(nil)

func New() *KeyJar {
	return &KeyJar{
		keys: make(map[string][]jose.JSONWebKey),
	}
}

// ImportJWKS adds the keys to the owner. A key with the same key ID as an
// existing one replaces it.
func (kj *KeyJar) ImportJWKS(owner string, jwks jose.JSONWebKeySet) {
	kj.mu.Lock()
	defer kj.mu.Unlock()

	for _, key := range jwks.Keys {
		kj.keys[owner] = replaceOrAppend(kj.keys[owner], key)
	}
}

func (kj *KeyJar) JWKS(owner string) jose.JSONWebKeySet {
	kj.mu.RLock()
	defer kj.mu.RUnlock()

	keys := make([]jose.JSONWebKey, len(kj.keys[owner]))
	copy(keys, kj.keys[owner])
	return jose.JSONWebKeySet{Keys: keys}
}

func (kj *KeyJar) StoreUnderOtherID(owner, alias string) {
	if owner == alias {
		return
	}

	kj.mu.Lock()
	defer kj.mu.Unlock()

	for _, key := range kj.keys[owner] {
		kj.keys[alias] = replaceOrAppend(kj.keys[alias], key)
	}
}

func (kj *KeyJar) Owners() []string {
	kj.mu.RLock()
	defer kj.mu.RUnlock()

	owners := make([]string, 0, len(kj.keys))
	for owner := range kj.keys {
		owners = append(owners, owner)
	}
	return owners
}

func replaceOrAppend(keys []jose.JSONWebKey, key jose.JSONWebKey) []jose.JSONWebKey {
	if key.KeyID != "" {
		for i, k := range keys {
			if k.KeyID == key.KeyID {
				keys[i] = key
				return keys
			}
		}
	}
	return append(keys, key)
}
