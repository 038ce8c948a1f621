// Package attestation mints the ephemeral flow keys and the attestations
// bound to them.
//
// A wallet instance attestation (WIA) is obtained from the wallet provider
// in exchange for a wallet attestation request signed with the ephemeral
// key. The WIA is then presented to credential issuers together with a
// proof of possession of the same key.
package attestation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// MintKey generates a new ephemeral P-256 key identified by its thumbprint
// and keeps it for the rest of the flow.
func MintKey(ctx vci.Context) (jose.JSONWebKey, error) {
	key, err := joseutil.NewES256Key("")
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("could not generate the ephemeral key: %w", err)
	}

	key.KeyID, err = hashutil.JWKThumbprint(key)
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	ctx.EphemeralKeys.Save(key)
	return key, nil
}

type confirmation struct {
	JWK jose.JSONWebKey `json:"jwk"`
}

type walletAttestationRequest struct {
	Issuer             string         `json:"iss"`
	Audience           string         `json:"aud"`
	Challenge          string         `json:"challenge"`
	HardwareSignature  string         `json:"hardware_signature"`
	IntegrityAssertion string         `json:"integrity_assertion"`
	HardwareKeyTag     string         `json:"hardware_key_tag"`
	Confirmation       confirmation   `json:"cnf"`
	VPFormatsSupported map[string]any `json:"vp_formats_supported,omitempty"`
	IssuedAt           int            `json:"iat"`
	ExpiresAt          int            `json:"exp"`
	ID                 string         `json:"jti"`
}

// RequestWalletInstanceAttestation asks the wallet provider for an
// attestation of the ephemeral key identified by keyTag.
func RequestWalletInstanceAttestation(ctx vci.Context, providerID, keyTag string) (wia string, err error) {
	start := time.Now()
	defer func() { ctx.ObserveStep(metrics.StepWalletAttestation, start, err) }()

	key, err := ctx.EphemeralKeys.Key(keyTag)
	if err != nil {
		return "", err
	}

	chain, err := ctx.Resolver.VerifyTrustChain(ctx, providerID)
	if err != nil {
		return "", err
	}

	tokenEndpoint := chain.Metadata.String(goid4vci.EntityTypeWalletProvider, "token_endpoint")
	if tokenEndpoint == "" {
		return "", fmt.Errorf("the wallet provider %s has no token endpoint", providerID)
	}

	war, err := newWalletAttestationRequest(ctx, providerID, key)
	if err != nil {
		return "", err
	}

	ctx.Logger.Debug("requesting a wallet instance attestation",
		slog.String("wallet_provider", providerID), slog.String("key_tag", keyTag))
	wia, err = postWalletAttestationRequest(ctx, tokenEndpoint, war)
	if err != nil {
		return "", err
	}

	if err := verifyWalletInstanceAttestation(ctx, chain, wia, key); err != nil {
		return "", err
	}

	return wia, nil
}

func newWalletAttestationRequest(ctx vci.Context, providerID string, key jose.JSONWebKey) (string, error) {
	lifetime := ctx.WalletAttestation.LifetimeSecs
	if lifetime <= 0 {
		lifetime = goid4vci.DefaultWalletAttestationLifetime
	}

	now := timeutil.TimestampNow()
	claims := walletAttestationRequest{
		Issuer:             ctx.EntityID,
		Audience:           providerID,
		Challenge:          goid4vci.NotApplicableChallenge,
		HardwareSignature:  orNotApplicable(ctx.WalletAttestation.HardwareSignature),
		IntegrityAssertion: orNotApplicable(ctx.WalletAttestation.IntegrityAssertion),
		HardwareKeyTag:     orNotApplicable(ctx.WalletAttestation.HardwareKeyTag),
		Confirmation:       confirmation{JWK: key.Public()},
		VPFormatsSupported: ctx.WalletAttestation.VPFormatsSupported,
		IssuedAt:           now,
		ExpiresAt:          now + lifetime,
		ID:                 uuid.NewString(),
	}

	opts := (&jose.SignerOptions{}).WithType(goid4vci.JWTTypeWalletAttestationRequest)
	return joseutil.Sign(claims, joseutil.SigningKey(key), opts)
}

func postWalletAttestationRequest(ctx vci.Context, tokenEndpoint, war string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", goid4vci.GrantTypeJWTBearer)
	form.Set("assertion", war)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", goid4vci.ContentTypeForm)

	resp, err := ctx.HTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: could not reach the wallet provider: %w", goid4vci.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read the wallet provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("the wallet provider answered with status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Assertion string `json:"assertion"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("invalid wallet provider response: %w", err)
	}

	if result.Assertion == "" {
		return "", errors.New("the wallet provider response has no assertion")
	}
	return result.Assertion, nil
}

func verifyWalletInstanceAttestation(ctx vci.Context, chain goid4vci.TrustChain, wia string, key jose.JSONWebKey) error {
	jwks, err := chain.Metadata.JWKS(goid4vci.EntityTypeWalletProvider)
	if err != nil || len(jwks.Keys) == 0 {
		jwks = chain.Leaf().JWKS
	}

	algs := ctx.AttestationSigAlgs
	if len(algs) == 0 {
		algs = ctx.EntityStatementSigAlgs
	}

	parsed, err := joseutil.ParseSigned(wia, goid4vci.JWTTypeWalletInstanceAttestation, algs)
	if err != nil {
		return fmt.Errorf("invalid wallet instance attestation: %w", err)
	}

	var claims jwt.Claims
	var cnf struct {
		Confirmation confirmation `json:"cnf"`
	}
	if err := parsed.Claims(jwks, &claims, &cnf); err != nil {
		return fmt.Errorf("invalid wallet instance attestation signature: %w", err)
	}

	if err := claims.ValidateWithLeeway(jwt.Expected{
		Issuer:  chain.EntityID,
		Subject: key.KeyID,
	}, time.Minute); err != nil {
		return fmt.Errorf("invalid wallet instance attestation: %w", err)
	}

	thumbprint, err := hashutil.JWKThumbprint(cnf.Confirmation.JWK)
	if err != nil || thumbprint != key.KeyID {
		return errors.New("the wallet instance attestation is not bound to the ephemeral key")
	}

	return nil
}

// ClientAttestation returns the client assertion combining the WIA with a
// fresh proof of possession of the ephemeral key identified by
// args.Thumbprint.
func ClientAttestation(ctx vci.Context, wia string, args goid4vci.ClientAttestationArgs) (string, error) {
	key, err := ctx.EphemeralKeys.Key(args.Thumbprint)
	if err != nil {
		return "", err
	}

	lifetime := args.LifetimeSecs
	if lifetime <= 0 {
		lifetime = ctx.ClientAttestationLifetimeSecs()
	}

	now := timeutil.TimestampNow()
	claims := map[string]any{
		"iss": key.KeyID,
		"aud": args.Audience,
		"jti": uuid.NewString(),
		"iat": now,
		"exp": now + lifetime,
	}
	if args.Nonce != "" {
		claims["nonce"] = args.Nonce
	}

	opts := (&jose.SignerOptions{}).WithType(goid4vci.JWTTypeClientAttestationPoP)
	pop, err := joseutil.Sign(claims, joseutil.SigningKey(key), opts)
	if err != nil {
		return "", fmt.Errorf("could not sign the attestation proof of possession: %w", err)
	}

	return wia + "~" + pop, nil
}

func orNotApplicable(s string) string {
	if s == "" {
		return goid4vci.NotApplicableChallenge
	}
	return s
}
