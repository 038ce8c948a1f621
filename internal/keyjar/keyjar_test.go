package keyjar_test

import (
	"errors"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/keyjar"
)

func TestImportJWKS(t *testing.T) {
	// Given.
	kj := keyjar.New()
	key1 := mustKey(t, "key1")
	key2 := mustKey(t, "key2")

	// When.
	kj.ImportJWKS("https://iss1.example.org", joseutil.PublicJWKS(key1))
	kj.ImportJWKS("https://iss1.example.org", joseutil.PublicJWKS(key1, key2))

	// Then.
	jwks := kj.JWKS("https://iss1.example.org")
	if len(jwks.Keys) != 2 {
		t.Fatalf("len(keys) = %d, want 2", len(jwks.Keys))
	}

	if len(kj.JWKS("https://iss2.example.org").Keys) != 0 {
		t.Error("keys must be scoped by owner")
	}
}

func TestStoreUnderOtherID(t *testing.T) {
	// Given.
	kj := keyjar.New()
	kj.ImportJWKS("https://iss1.example.org", joseutil.PublicJWKS(mustKey(t, "key1")))

	// When.
	kj.StoreUnderOtherID("https://iss1.example.org", "https://iss1.example.org/")

	// Then.
	jwks := kj.JWKS("https://iss1.example.org/")
	if len(jwks.Key("key1")) != 1 {
		t.Errorf("the alias should hold key1, got %v", jwks)
	}
}

func TestEphemeralKeys(t *testing.T) {
	// Given.
	keys := keyjar.NewEphemeralKeys()
	key := mustKey(t, "tag")
	keys.Save(key)

	// When.
	got, err := keys.Key("tag")

	// Then.
	if err != nil {
		t.Fatal(err)
	}

	if got.KeyID != "tag" {
		t.Errorf("kid = %s, want tag", got.KeyID)
	}

	keys.Delete("tag")
	if _, err := keys.Key("tag"); !errors.Is(err, keyjar.ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func mustKey(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	key, err := joseutil.NewES256Key(kid)
	if err != nil {
		t.Fatal(err)
	}
	return key
}
