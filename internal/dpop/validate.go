package dpop

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type ValidationOptions struct {
	Algs       []jose.SignatureAlgorithm
	HTTPMethod string
	HTTPURI    string
	// AccessToken should be filled when the DPoP "ath" claim is expected and should be validated.
	AccessToken   string
	JWKThumbprint string
	LifetimeSecs  int
	LeewaySecs    int
}

// JWT gets the DPoP JWT sent in the DPoP header.
// According to RFC 9449: "There is not more than one DPoP HTTP request header field."
// Therefore, an empty string and false will be returned if more than one value is found in the DPoP header.
func JWT(r *http.Request) (string, bool) {
	dpopJWTs := r.Header.Values(goid4vci.HeaderDPoP)
	if len(dpopJWTs) != 1 {
		return "", false
	}
	return dpopJWTs[0], true
}

// ValidateJWT validates a DPoP proof and returns the thumbprint of the key
// that signed it.
func ValidateJWT(dpopJWT string, opts ValidationOptions) (string, error) {
	parsedDPoPJWT, err := joseutil.ParseSigned(dpopJWT, goid4vci.JWTTypeDPoP, opts.Algs)
	if err != nil {
		return "", fmt.Errorf("invalid dpop jwt: %w", err)
	}

	jwk := parsedDPoPJWT.Headers[0].JSONWebKey
	if jwk == nil || !jwk.Valid() || !jwk.IsPublic() {
		return "", errors.New("invalid jwk header")
	}

	var claims jwt.Claims
	var dpopClaims Claims
	if err := parsedDPoPJWT.Claims(jwk.Key, &claims, &dpopClaims); err != nil {
		return "", fmt.Errorf("invalid dpop jwt: %w", err)
	}

	// Validate that the "iat" claim is present and it is not too far in the past.
	if claims.IssuedAt == nil || int(time.Since(claims.IssuedAt.Time()).Seconds()) > opts.LifetimeSecs {
		return "", errors.New("invalid dpop jwt issuance time")
	}

	if claims.ID == "" {
		return "", errors.New("invalid jti claim")
	}

	if dpopClaims.HTTPMethod != opts.HTTPMethod {
		return "", errors.New("invalid htm claim")
	}

	// The query and fragment components of the "htu" must be ignored.
	httpURI, err := normalizeURI(dpopClaims.HTTPURI)
	if err != nil {
		return "", errors.New("invalid htu claim")
	}
	wantURI, err := normalizeURI(opts.HTTPURI)
	if err != nil || httpURI != wantURI {
		return "", errors.New("invalid htu claim")
	}

	if opts.AccessToken != "" && dpopClaims.AccessTokenHash != hashutil.Thumbprint(opts.AccessToken) {
		return "", errors.New("invalid ath claim")
	}

	thumbprint, err := hashutil.JWKThumbprint(*jwk)
	if err != nil {
		return "", fmt.Errorf("invalid jwk header: %w", err)
	}

	if opts.JWKThumbprint != "" && thumbprint != opts.JWKThumbprint {
		return "", errors.New("invalid jwk thumbprint")
	}

	if err := claims.ValidateWithLeeway(jwt.Expected{}, time.Duration(opts.LeewaySecs)*time.Second); err != nil {
		return "", fmt.Errorf("invalid dpop: %w", err)
	}

	return thumbprint, nil
}
