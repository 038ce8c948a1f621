package joseutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func Sign(claims any, signer jose.SigningKey, opts *jose.SignerOptions) (string, error) {
	if opts == nil {
		opts = &jose.SignerOptions{}
	}
	if _, ok := opts.ExtraHeaders[jose.HeaderType]; !ok {
		opts = opts.WithType("JWT")
	}

	joseSigner, err := jose.NewSigner(signer, opts)
	if err != nil {
		return "", err
	}

	jws, err := jwt.Signed(joseSigner).Claims(claims).Serialize()
	if err != nil {
		return "", err
	}

	return jws, nil
}

// ParseSigned parses a compact JWS and checks its "typ" header when typ is
// not empty.
func ParseSigned(signed, typ string, algs []jose.SignatureAlgorithm) (*jwt.JSONWebToken, error) {
	parsed, err := jwt.ParseSigned(signed, algs)
	if err != nil {
		return nil, fmt.Errorf("could not parse the jwt: %w", err)
	}

	if len(parsed.Headers) != 1 {
		return nil, errors.New("the jwt must have exactly one signature")
	}

	if typ != "" && parsed.Headers[0].ExtraHeaders[jose.HeaderType] != typ {
		return nil, fmt.Errorf("invalid jwt 'typ' header, it must be %s", typ)
	}

	return parsed, nil
}

// NewES256Key generates a P-256 signing key identified by kid.
func NewES256Key(kid string) (jose.JSONWebKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	return jose.JSONWebKey{
		Key:       key,
		KeyID:     kid,
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}, nil
}

// SigningKey wraps a private JWK for jose.NewSigner.
func SigningKey(jwk jose.JSONWebKey) jose.SigningKey {
	return jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(jwk.Algorithm),
		Key:       jwk,
	}
}

// PublicJWKS returns the public keys of the given private keys.
func PublicJWKS(keys ...jose.JSONWebKey) jose.JSONWebKeySet {
	jwks := jose.JSONWebKeySet{}
	for _, key := range keys {
		jwks.Keys = append(jwks.Keys, key.Public())
	}
	return jwks
}
