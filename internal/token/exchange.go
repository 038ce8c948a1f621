// Package token redeems authorization codes at the issuer token endpoint.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/attestation"
	"github.com/luikyv/go-oid4vci/internal/dpop"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"golang.org/x/oauth2"
)

// Exchange redeems the authorization code of the flow for an access token.
// The code is considered redeemed once the issuer answered, whatever the
// answer, so it is never presented twice.
func Exchange(ctx vci.Context, keyTag string) (tok goid4vci.Token, err error) {
	start := time.Now()
	defer func() { ctx.ObserveStep(metrics.StepToken, start, err) }()

	flow, err := ctx.FlowStates.FlowState(ctx, keyTag)
	if err != nil {
		return goid4vci.Token{}, err
	}

	if flow.Code == "" {
		return goid4vci.Token{}, goid4vci.NewTokenExchangeError(goid4vci.ErrorCodeInvalidGrant, "the flow has no authorization code")
	}

	if flow.CodeRedeemed {
		return goid4vci.Token{}, goid4vci.NewTokenExchangeError(goid4vci.ErrorCodeInvalidGrant, "the authorization code was already redeemed")
	}

	chain, err := ctx.Resolver.VerifyTrustChain(ctx, flow.IssuerID)
	if err != nil {
		return goid4vci.Token{}, err
	}
	caps := chain.Capabilities()
	if caps.TokenEndpoint == "" {
		return goid4vci.Token{}, fmt.Errorf("the issuer %s has no token endpoint", flow.IssuerID)
	}

	key, err := ctx.EphemeralKeys.Key(keyTag)
	if err != nil {
		return goid4vci.Token{}, err
	}

	args := goid4vci.TokenExchangeArgs{
		Code:                flow.Code,
		GrantType:           goid4vci.GrantTypeAuthorizationCode,
		RedirectURI:         flow.RedirectURI,
		State:               flow.State,
		ClientAssertionType: goid4vci.ClientAssertionTypeJWTClientAttestation,
		CodeVerifier:        flow.CodeVerifier,
		ClientAttestationArgs: goid4vci.ClientAttestationArgs{
			Thumbprint:   keyTag,
			Audience:     caps.IssuerID,
			Nonce:        flow.Nonce,
			LifetimeSecs: ctx.ClientAttestationLifetimeSecs(),
		},
	}

	args.ClientAssertion, err = attestation.ClientAttestation(ctx, flow.WalletInstanceAttestation, args.ClientAttestationArgs)
	if err != nil {
		return goid4vci.Token{}, err
	}

	client, err := httpClient(ctx, caps, key)
	if err != nil {
		return goid4vci.Token{}, err
	}

	tok, err = exchange(context.WithValue(ctx, oauth2.HTTPClient, client), caps.TokenEndpoint, args)
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// The issuer was not reached so the code can still be used.
		return goid4vci.Token{}, goid4vci.WrapTokenExchangeError(fmt.Errorf("%w: %w", goid4vci.ErrNetwork, err))
	}

	if updateErr := ctx.FlowStates.Update(ctx, keyTag, func(f *goid4vci.FlowState) error {
		f.CodeRedeemed = true
		if err == nil {
			f.AccessToken = tok.AccessToken
			f.TokenType = tok.TokenType
			f.CNonce = tok.CNonce
		}
		return nil
	}); updateErr != nil {
		return goid4vci.Token{}, updateErr
	}

	if err != nil {
		return goid4vci.Token{}, err
	}

	ctx.Logger.Debug("access token received", slog.String("issuer", flow.IssuerID),
		slog.String("token_type", tok.TokenType))
	return tok, nil
}

// exchange redeems the code with the client id bound to the ephemeral key.
func exchange(ctx context.Context, tokenEndpoint string, args goid4vci.TokenExchangeArgs) (goid4vci.Token, error) {
	config := oauth2.Config{
		ClientID:    args.Thumbprint,
		RedirectURL: args.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("client_assertion_type", args.ClientAssertionType),
		oauth2.SetAuthURLParam("client_assertion", args.ClientAssertion),
	}
	if args.State != "" {
		opts = append(opts, oauth2.SetAuthURLParam("state", args.State))
	}
	if args.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(args.CodeVerifier))
	}

	raw, err := config.Exchange(ctx, args.Code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return goid4vci.Token{}, tokenExchangeError(retrieveErr)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return goid4vci.Token{}, err
		}
		return goid4vci.Token{}, goid4vci.WrapTokenExchangeError(err)
	}

	tok := goid4vci.Token{
		AccessToken:     raw.AccessToken,
		TokenType:       raw.Type(),
		CNonce:          extraString(raw, "c_nonce"),
		CNonceExpiresIn: extraInt(raw, "c_nonce_expires_in"),
		Raw:             raw,
	}
	if !raw.Expiry.IsZero() {
		tok.ExpiresIn = int(time.Until(raw.Expiry).Round(time.Second).Seconds())
	}
	return tok, nil
}

func tokenExchangeError(err *oauth2.RetrieveError) goid4vci.TokenExchangeError {
	e := goid4vci.TokenExchangeError{
		Code:        goid4vci.ErrorCode(err.ErrorCode),
		Description: err.ErrorDescription,
		Body:        err.Body,
	}
	if err.Response != nil {
		e.StatusCode = err.Response.StatusCode
	}
	return e
}

// httpClient returns a client that signs every request with a DPoP proof
// when the issuer supports them.
func httpClient(ctx vci.Context, caps goid4vci.IssuerCapabilities, key jose.JSONWebKey) (*http.Client, error) {
	base := ctx.HTTPClient()
	if !caps.DPoP() {
		return base, nil
	}

	if !caps.SupportsDPoPAlg(key.Algorithm) {
		return nil, fmt.Errorf("the issuer %s does not accept %s dpop proofs", caps.IssuerID, key.Algorithm)
	}

	client := *base
	client.Transport = dpop.NewTransport(base.Transport, key)
	return &client, nil
}

func extraString(tok *oauth2.Token, name string) string {
	s, _ := tok.Extra(name).(string)
	return s
}

func extraInt(tok *oauth2.Token, name string) int {
	switch v := tok.Extra(name).(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
