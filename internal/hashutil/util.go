package hashutil

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"

	"github.com/go-jose/go-jose/v4"
)

// Thumbprint generates a base64 URL-encoded SHA-256 hash (thumbprint) of a
// given string.
func Thumbprint(s string) string {
	hash := sha256.New()
	hash.Write([]byte(s))
	return base64.RawURLEncoding.EncodeToString(hash.Sum(nil))
}

// JWKThumbprint returns the base64 URL-encoded RFC 7638 SHA-256 thumbprint
// of the public part of jwk.
func JWKThumbprint(jwk jose.JSONWebKey) (string, error) {
	pub := jwk.Public()
	thumbprint, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
