package token_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/luikyv/go-oid4vci/internal/authorize"
	"github.com/luikyv/go-oid4vci/internal/fedtest"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/token"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

func TestExchange(t *testing.T) {
	// Given.
	f, ctx, keyTag := setUp(t, fedtest.Issuer1ID, fedtest.EHIC)

	// When.
	tok, err := token.Exchange(ctx, keyTag)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tok.AccessToken == "" || tok.TokenType != goid4vci.TokenTypeDPoP || tok.CNonce == "" {
		t.Errorf("unexpected token: %+v", tok)
	}

	if tok.ExpiresIn <= 0 || tok.ExpiresIn > 300 {
		t.Errorf("ExpiresIn = %d, want up to 300", tok.ExpiresIn)
	}

	if tok.CNonceExpiresIn != 86400 {
		t.Errorf("CNonceExpiresIn = %d, want 86400", tok.CNonceExpiresIn)
	}

	flow, _ := ctx.FlowStates.FlowState(ctx, keyTag)
	if !flow.CodeRedeemed || flow.AccessToken != tok.AccessToken || flow.CNonce != tok.CNonce {
		t.Errorf("the token was not recorded: %+v", flow)
	}

	if _, redeemed := f.Issuer(fedtest.Issuer1ID).AuthorizationCodes(); redeemed != 1 {
		t.Errorf("redeemed = %d, want 1", redeemed)
	}
}

func TestExchange_URLAuthorization(t *testing.T) {
	// Given.
	_, ctx, keyTag := setUp(t, fedtest.Issuer3ID, fedtest.PDA1)

	// When.
	tok, err := token.Exchange(ctx, keyTag)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tok.AccessToken == "" {
		t.Error("an access token was expected")
	}
}

func TestExchange_CodeAlreadyRedeemed(t *testing.T) {
	// Given.
	f, ctx, keyTag := setUp(t, fedtest.Issuer1ID, fedtest.EHIC)
	if _, err := token.Exchange(ctx, keyTag); err != nil {
		t.Fatal(err)
	}

	// When.
	_, err := token.Exchange(ctx, keyTag)

	// Then.
	var tokenErr goid4vci.TokenExchangeError
	if !errors.As(err, &tokenErr) || tokenErr.Code != goid4vci.ErrorCodeInvalidGrant {
		t.Fatalf("err = %v, want an invalid_grant token exchange error", err)
	}

	if !errors.Is(err, goid4vci.ErrTokenExchange) {
		t.Error("the error must match ErrTokenExchange")
	}

	if got := f.Issuer(fedtest.Issuer1ID).TokenRequests; got != 1 {
		t.Errorf("the redeemed code must not be sent again, got %d token requests", got)
	}
}

func TestExchange_RejectedByIssuer(t *testing.T) {
	// Given.
	_, ctx, keyTag := setUp(t, fedtest.Issuer1ID, fedtest.EHIC)
	_ = ctx.FlowStates.Update(ctx, keyTag, func(f *goid4vci.FlowState) error {
		f.CodeVerifier = "another verifier of the right length for the code challenge check"
		return nil
	})

	// When.
	_, err := token.Exchange(ctx, keyTag)

	// Then.
	var tokenErr goid4vci.TokenExchangeError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("err = %v, want a token exchange error", err)
	}

	if tokenErr.StatusCode != http.StatusBadRequest || tokenErr.Code != goid4vci.ErrorCodeInvalidGrant {
		t.Errorf("unexpected error: %+v", tokenErr)
	}

	if !strings.Contains(string(tokenErr.Body), "invalid code verifier") {
		t.Errorf("the issuer response must be kept, got %s", tokenErr.Body)
	}

	flow, _ := ctx.FlowStates.FlowState(ctx, keyTag)
	if !flow.CodeRedeemed || flow.AccessToken != "" {
		t.Errorf("the code must be marked as redeemed: %+v", flow)
	}
}

func TestExchange_EchoesAuthorizationNonce(t *testing.T) {
	// Given.
	_, ctx, keyTag := setUp(t, fedtest.Issuer1ID, fedtest.EHIC)
	_ = ctx.FlowStates.Update(ctx, keyTag, func(f *goid4vci.FlowState) error {
		f.Nonce = "random_nonce"
		return nil
	})

	// When.
	_, err := token.Exchange(ctx, keyTag)

	// Then.
	var tokenErr goid4vci.TokenExchangeError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("err = %v, want a token exchange error", err)
	}

	if !strings.Contains(string(tokenErr.Body), "does not echo the nonce") {
		t.Errorf("the issuer must reject a proof with another nonce, got %s", tokenErr.Body)
	}
}

func TestExchange_NetworkFailure(t *testing.T) {
	// Given.
	f, ctx, keyTag := setUp(t, fedtest.Issuer1ID, fedtest.EHIC)
	ctx.HTTPClientFunc = func(context.Context) *http.Client {
		return &http.Client{Transport: unreachable{f, "/token"}}
	}

	// When.
	_, err := token.Exchange(ctx, keyTag)

	// Then.
	if !errors.Is(err, goid4vci.ErrNetwork) || !errors.Is(err, goid4vci.ErrTokenExchange) {
		t.Fatalf("err = %v, want a network error", err)
	}

	flow, _ := ctx.FlowStates.FlowState(ctx, keyTag)
	if flow.CodeRedeemed {
		t.Error("a code that never reached the issuer must not be marked as redeemed")
	}

	ctx.HTTPClientFunc = func(context.Context) *http.Client { return f.Client() }
	if _, err := token.Exchange(ctx, keyTag); err != nil {
		t.Errorf("the code must still be usable: %v", err)
	}
}

func TestExchange_NoCode(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)

	// When.
	_, err := token.Exchange(ctx, flow.EphemeralKeyTag)

	// Then.
	var tokenErr goid4vci.TokenExchangeError
	if !errors.As(err, &tokenErr) || tokenErr.Code != goid4vci.ErrorCodeInvalidGrant {
		t.Errorf("err = %v, want an invalid_grant token exchange error", err)
	}
}

func setUp(t *testing.T, issuerID, credentialType string) (*fedtest.Federation, vci.Context, string) {
	t.Helper()

	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)

	redirectURL, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, issuerID, credentialType)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(issuerID), f.Authorize(redirectURL)); err != nil {
		t.Fatal(err)
	}
	return f, ctx, flow.EphemeralKeyTag
}

// unreachable fails the requests whose path ends with suffix.
type unreachable struct {
	base   http.RoundTripper
	suffix string
}

func (u unreachable) RoundTrip(r *http.Request) (*http.Response, error) {
	if strings.HasSuffix(r.URL.Path, u.suffix) {
		return nil, errors.New("connection refused")
	}
	return u.base.RoundTrip(r)
}
