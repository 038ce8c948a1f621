// Package dpop creates and validates DPoP proofs (RFC 9449).
package dpop

import (
	"errors"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type Claims struct {
	ID              string `json:"jti"`
	HTTPMethod      string `json:"htm"`
	HTTPURI         string `json:"htu"`
	IssuedAt        int    `json:"iat"`
	AccessTokenHash string `json:"ath,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

type ProofOptions struct {
	HTTPMethod string
	HTTPURI    string
	// AccessToken binds the proof to the token through the "ath" claim.
	AccessToken string
	// Nonce is the last value the server sent in the DPoP-Nonce header.
	Nonce string
}

// NewJWT signs a DPoP proof with key. The public part of the key is embedded
// in the header.
func NewJWT(key jose.JSONWebKey, opts ProofOptions) (string, error) {
	if key.IsPublic() {
		return "", errors.New("a dpop proof must be signed with a private key")
	}

	htu, err := urlWithoutParams(opts.HTTPURI)
	if err != nil {
		return "", err
	}

	claims := Claims{
		ID:         uuid.NewString(),
		HTTPMethod: opts.HTTPMethod,
		HTTPURI:    htu,
		IssuedAt:   timeutil.TimestampNow(),
		Nonce:      opts.Nonce,
	}
	if opts.AccessToken != "" {
		claims.AccessTokenHash = hashutil.Thumbprint(opts.AccessToken)
	}

	signerOpts := (&jose.SignerOptions{EmbedJWK: true}).WithType(goid4vci.JWTTypeDPoP)
	// The key id is dropped so the verifier reads the key from the header.
	key.KeyID = ""
	return joseutil.Sign(claims, joseutil.SigningKey(key), signerOpts)
}

func urlWithoutParams(u string) (string, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	return parsedURL.String(), nil
}

// normalizeURI compares htu values ignoring case.
func normalizeURI(u string) (string, error) {
	return urlWithoutParams(strings.ToLower(u))
}
