// Package sdjwt decodes and verifies SD-JWT credentials.
//
// A credential is serialized as <issuer signed jwt>~<disclosure>~...~ with an
// optional key binding jwt after the last separator. Every disclosure is the
// base64url encoding of a JSON array [salt, name, value] for object
// properties or [salt, value] for array elements, and is referenced from the
// payload by the digest of its encoded form. Disclosures are decoded and put
// back in place with the vc-go sd-jwt helpers.
package sdjwt

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/trustbloc/vc-go/sdjwt/common"
)

const (
	claimArrayElem = "..."
	// defaultDigestAlg applies when the credential has no _sd_alg claim.
	defaultDigestAlg = "sha-256"
)

var ErrInvalidCredential = errors.New("invalid sd-jwt")

type Disclosure struct {
	Raw    string
	Digest string
	Salt   string
	// Name is empty for array element disclosures.
	Name  string
	Value any
}

type Credential struct {
	IssuerSigned string
	Disclosures  []Disclosure
	KeyBinding   string
	// Claims is the issuer signed payload with every disclosure put back
	// in place. Digest claims are removed.
	Claims map[string]any
}

func (c Credential) String(name string) string {
	s, _ := c.Claims[name].(string)
	return s
}

// Split separates the parts of a serialized credential without decoding
// them.
func Split(s string) (issuerSigned string, disclosures []string, keyBinding string, err error) {
	parts := strings.Split(s, common.CombinedFormatSeparator)
	if len(parts) < 2 || parts[0] == "" {
		return "", nil, "", fmt.Errorf("%w: missing separator", ErrInvalidCredential)
	}

	issuerSigned = parts[0]
	keyBinding = parts[len(parts)-1]
	for _, d := range parts[1 : len(parts)-1] {
		if d == "" {
			return "", nil, "", fmt.Errorf("%w: empty disclosure", ErrInvalidCredential)
		}
		disclosures = append(disclosures, d)
	}
	return issuerSigned, disclosures, keyBinding, nil
}

// Parse decodes the credential without checking the issuer signature.
func Parse(s string, algs []jose.SignatureAlgorithm) (Credential, error) {
	return decode(s, algs, func(token *jwt.JSONWebToken) (map[string]any, error) {
		var claims map[string]any
		if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
		return claims, nil
	})
}

// Verify decodes the credential after checking the issuer signature
// against jwks.
func Verify(s string, jwks jose.JSONWebKeySet, algs []jose.SignatureAlgorithm) (Credential, error) {
	return decode(s, algs, func(token *jwt.JSONWebToken) (map[string]any, error) {
		var claims map[string]any
		if err := token.Claims(jwks, &claims); err != nil {
			return nil, fmt.Errorf("%w: invalid signature: %w", ErrInvalidCredential, err)
		}
		return claims, nil
	})
}

func decode(s string, algs []jose.SignatureAlgorithm, payload func(*jwt.JSONWebToken) (map[string]any, error)) (Credential, error) {
	issuerSigned, rawDisclosures, keyBinding, err := Split(s)
	if err != nil {
		return Credential{}, err
	}

	token, err := joseutil.ParseSigned(issuerSigned, "", algs)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if typ := token.Headers[0].ExtraHeaders[jose.HeaderType]; typ != goid4vci.JWTTypeSDJWT && typ != "dc+sd-jwt" {
		return Credential{}, fmt.Errorf("%w: unexpected typ %v", ErrInvalidCredential, typ)
	}

	claims, err := payload(token)
	if err != nil {
		return Credential{}, err
	}
	if claims == nil {
		return Credential{}, fmt.Errorf("%w: empty payload", ErrInvalidCredential)
	}

	// The vc-go helpers read the digest algorithm from the claims.
	if _, ok := claims[common.SDAlgorithmKey]; !ok {
		claims[common.SDAlgorithmKey] = defaultDigestAlg
	}
	hash, err := common.GetCryptoHashFromClaims(claims)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: unsupported digest algorithm: %w", ErrInvalidCredential, err)
	}

	disclosureClaims, err := common.GetDisclosureClaims(rawDisclosures, hash)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	cred := Credential{IssuerSigned: issuerSigned, KeyBinding: keyBinding}
	disclosures := make(map[string]Disclosure, len(disclosureClaims))
	for _, dc := range disclosureClaims {
		if dc.Name == common.SDKey || dc.Name == claimArrayElem {
			return Credential{}, fmt.Errorf("%w: malformed disclosure", ErrInvalidCredential)
		}
		if _, ok := disclosures[dc.Digest]; ok {
			return Credential{}, fmt.Errorf("%w: repeated disclosure", ErrInvalidCredential)
		}
		d := Disclosure{
			Raw:    dc.Disclosure,
			Digest: dc.Digest,
			Salt:   dc.Salt,
			Name:   dc.Name,
			Value:  dc.Value,
		}
		disclosures[d.Digest] = d
		cred.Disclosures = append(cred.Disclosures, d)
	}

	used := map[string]bool{}
	if err := checkObject(claims, disclosures, used); err != nil {
		return Credential{}, err
	}
	if len(used) != len(disclosures) {
		return Credential{}, fmt.Errorf("%w: a disclosure is not referenced by the credential", ErrInvalidCredential)
	}

	resolved, err := common.GetDisclosedClaims(disclosureClaims, claims)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	delete(resolved, common.SDKey)
	delete(resolved, common.SDAlgorithmKey)

	cred.Claims = resolved
	return cred, nil
}

// checkObject walks the payload and the disclosed values, marking every
// disclosure referenced. A disclosure must be referenced once, from the
// right kind of place, and must not shadow a claim in plain text.
func checkObject(obj map[string]any, disclosures map[string]Disclosure, used map[string]bool) error {
	for name, value := range obj {
		if name == common.SDKey {
			continue
		}
		if err := checkValue(value, disclosures, used); err != nil {
			return err
		}
	}

	digests, _ := obj[common.SDKey].([]any)
	for _, digest := range digests {
		d, ok := disclosures[digestString(digest)]
		if !ok {
			// Decoy digest.
			continue
		}
		if d.Name == "" {
			return fmt.Errorf("%w: array element disclosure used as a property", ErrInvalidCredential)
		}
		if used[d.Digest] {
			return fmt.Errorf("%w: disclosure referenced twice", ErrInvalidCredential)
		}
		if _, ok := obj[d.Name]; ok {
			return fmt.Errorf("%w: disclosed claim %s already present", ErrInvalidCredential, d.Name)
		}
		used[d.Digest] = true

		if err := checkValue(d.Value, disclosures, used); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(value any, disclosures map[string]Disclosure, used map[string]bool) error {
	switch v := value.(type) {
	case map[string]any:
		if ref, ok := arrayElementDigest(v); ok {
			d, ok := disclosures[ref]
			if !ok {
				return nil
			}
			if d.Name != "" || used[d.Digest] {
				return fmt.Errorf("%w: invalid array element disclosure", ErrInvalidCredential)
			}
			used[d.Digest] = true
			return checkValue(d.Value, disclosures, used)
		}
		return checkObject(v, disclosures, used)
	case []any:
		for _, elem := range v {
			if err := checkValue(elem, disclosures, used); err != nil {
				return err
			}
		}
	}
	return nil
}

func arrayElementDigest(elem map[string]any) (string, bool) {
	if len(elem) != 1 {
		return "", false
	}
	digest, ok := elem[claimArrayElem].(string)
	return digest, ok
}

func digestString(v any) string {
	s, _ := v.(string)
	return s
}

// DisclosedNames returns the names of the disclosed object properties.
func (c Credential) DisclosedNames() []string {
	var names []string
	for _, d := range c.Disclosures {
		if d.Name != "" {
			names = append(names, d.Name)
		}
	}
	slices.Sort(names)
	return names
}
