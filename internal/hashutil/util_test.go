package hashutil_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
)

func TestThumbprint(t *testing.T) {
	// Given.
	testCases := []struct {
		input string
		want  string
	}{
		{
			input: "test",
			want:  "n4bQgYhMfWWaL-qgxVrQFaO_TxsrC4Is0V1sFbDwCgg",
		},
		{
			input: "test2",
			want:  "YDA64iuZiGG847KPM-7BvnWKITyGyTwHbb6fVYwRx1I",
		},
	}

	for i, testCase := range testCases {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			// When.
			thumbprint := hashutil.Thumbprint(testCase.input)

			// Then.
			if thumbprint != testCase.want {
				t.Errorf("got %s, want %s", thumbprint, testCase.want)
			}
		})
	}
}

func TestJWKThumbprint(t *testing.T) {
	// Given.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	private := jose.JSONWebKey{Key: key, KeyID: "private"}
	public := jose.JSONWebKey{Key: key.Public(), KeyID: "public"}

	// When.
	privateThumbprint, err := hashutil.JWKThumbprint(private)
	if err != nil {
		t.Fatal(err)
	}
	publicThumbprint, err := hashutil.JWKThumbprint(public)
	if err != nil {
		t.Fatal(err)
	}

	// Then.
	if privateThumbprint != publicThumbprint {
		t.Errorf("got %s, want %s", privateThumbprint, publicThumbprint)
	}

	if len(privateThumbprint) != 43 {
		t.Errorf("len(thumbprint) = %d, want 43", len(privateThumbprint))
	}
}
