package authorize_test

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/luikyv/go-oid4vci/internal/authorize"
	"github.com/luikyv/go-oid4vci/internal/fedtest"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

func TestNewRequest_PushedAuthorization(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)

	// When.
	redirectURL, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, fedtest.Issuer1ID, fedtest.EHIC)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, _ := url.Parse(redirectURL)
	if got := u.Scheme + "://" + u.Host + u.Path; got != fedtest.Issuer1ID+"/authorize" {
		t.Errorf("redirect to %s, want the authorization endpoint", got)
	}

	if len(u.Query()) != 2 || u.Query().Get("client_id") != flow.EphemeralKeyTag ||
		!strings.HasPrefix(u.Query().Get("request_uri"), "urn:ietf:params:oauth:request_uri:") {
		t.Errorf("the redirect must only carry client_id and request_uri: %v", u.Query())
	}

	updated, _ := ctx.FlowStates.FlowState(ctx, flow.EphemeralKeyTag)
	if updated.AuthorizationRequest.RequestURI != u.Query().Get("request_uri") {
		t.Error("the request uri must be kept in the flow")
	}

	want := goid4vci.AuthorizationRequestArgs{
		AuthorizationDetails: []goid4vci.AuthorizationDetail{{
			Type:   goid4vci.AuthorizationDetailTypeOpenIDCredential,
			Format: goid4vci.CredentialFormatSDJWT,
			VCT:    fedtest.EHIC,
		}},
		ResponseType:        goid4vci.ResponseTypeCode,
		ClientID:            flow.EphemeralKeyTag,
		RedirectURI:         fedtest.WalletID + "/authz_cb/" + hashutil.Thumbprint(fedtest.Issuer1ID),
		IssuerState:         fedtest.CredentialChoices[fedtest.EHIC],
		RequestURI:          u.Query().Get("request_uri"),
		State:               updated.State,
		CodeChallenge:       hashutil.Thumbprint(updated.CodeVerifier),
		CodeChallengeMethod: goid4vci.CodeChallengeMethodS256,
	}
	if diff := cmp.Diff(updated.AuthorizationRequest, want); diff != "" {
		t.Error(diff)
	}

	if updated.IssuerID != fedtest.Issuer1ID || updated.CredentialType != fedtest.EHIC ||
		updated.RedirectURI != want.RedirectURI {
		t.Errorf("the flow was not bound to the request: %+v", updated)
	}

	if len(updated.CodeVerifier) != goid4vci.DefaultPKCEVerifierLength {
		t.Errorf("len(CodeVerifier) = %d, want %d", len(updated.CodeVerifier), goid4vci.DefaultPKCEVerifierLength)
	}
}

func TestNewRequest_URLParameters(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)

	// When.
	redirectURL, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, fedtest.Issuer3ID, fedtest.PDA1)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, _ := url.Parse(redirectURL)
	params := u.Query()
	if params.Get("request_uri") != "" {
		t.Error("no request uri was expected")
	}

	updated, _ := ctx.FlowStates.FlowState(ctx, flow.EphemeralKeyTag)
	if params.Get("state") != updated.State || params.Get("client_id") != flow.EphemeralKeyTag ||
		params.Get("response_type") != "code" || params.Get("code_challenge_method") != "S256" ||
		params.Get("issuer_state") != fedtest.CredentialChoices[fedtest.PDA1] {
		t.Errorf("unexpected parameters: %v", params)
	}

	var details []goid4vci.AuthorizationDetail
	if err := json.Unmarshal([]byte(params.Get("authorization_details")), &details); err != nil {
		t.Fatal(err)
	}
	if len(details) != 1 || details[0].VCT != fedtest.PDA1 {
		t.Errorf("unexpected authorization details: %v", details)
	}
}

func TestNewRequest_StateIsRenewed(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	seen := map[string]bool{}

	for range 5 {
		// When.
		if _, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, fedtest.Issuer3ID, fedtest.PDA1); err != nil {
			t.Fatal(err)
		}

		// Then.
		updated, _ := ctx.FlowStates.FlowState(ctx, flow.EphemeralKeyTag)
		if len(updated.State) < 32 {
			t.Errorf("the state %s is too short", updated.State)
		}
		if seen[updated.State] {
			t.Fatalf("the state %s was repeated", updated.State)
		}
		seen[updated.State] = true
	}
}

func TestNewRequest_UntrustedIssuer(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	f.Issuer(fedtest.Issuer1ID).AuthorityHints = nil

	// When.
	_, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, fedtest.Issuer1ID, fedtest.EHIC)

	// Then.
	if !errors.Is(err, goid4vci.ErrTrustVerification) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrTrustVerification)
	}

	updated, _ := ctx.FlowStates.FlowState(ctx, flow.EphemeralKeyTag)
	if updated.State != "" {
		t.Error("the flow must not be modified")
	}
}

func TestNewRequest_FlowNotFound(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()

	// When.
	_, err := authorize.NewRequest(ctx, "unknown", fedtest.Issuer1ID, fedtest.EHIC)

	// Then.
	if !errors.Is(err, goid4vci.ErrFlowNotFound) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrFlowNotFound)
	}
}

func TestHandleCallback(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)

	// When.
	updated, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.Code != params.Get("code") || updated.Nonce != params.Get("nonce") || updated.CodeRedeemed {
		t.Errorf("the authorization response was not recorded: %+v", updated)
	}

	stored, _ := ctx.FlowStates.FlowState(ctx, flow.EphemeralKeyTag)
	if stored.Code != params.Get("code") {
		t.Error("the code was not stored")
	}
}

func TestHandleCallback_UnknownIssuer(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer2ID), params)

	// Then.
	if !errors.Is(err, goid4vci.ErrUnknownIssuer) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrUnknownIssuer)
	}

	stored, _ := ctx.FlowStates.FlowState(ctx, flow.EphemeralKeyTag)
	if stored.Code != "" || stored.Version != 1 {
		t.Errorf("the flow must not be modified: %+v", stored)
	}
}

func TestHandleCallback_FlowEnded(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)
	if err := ctx.FlowStates.Delete(ctx, flow.EphemeralKeyTag); err != nil {
		t.Fatal(err)
	}

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if !errors.Is(err, goid4vci.ErrUnknownIssuer) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrUnknownIssuer)
	}
}

func TestHandleCallback_IssuerBoundInStore(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)
	// Another wallet instance sharing the store handles the callback.
	other := f.Context()
	other.FlowStates = ctx.FlowStates

	// When.
	updated, err := authorize.HandleCallback(other, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Code != params.Get("code") {
		t.Errorf("code = %s, want %s", updated.Code, params.Get("code"))
	}
}

func TestHandleCallback_IssuerMismatch(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)
	params.Set("iss", fedtest.Issuer2ID)

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if !errors.Is(err, goid4vci.ErrUnknownIssuer) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrUnknownIssuer)
	}
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	testCases := []struct {
		name  string
		state func(flow *goid4vci.FlowState) string
	}{
		{"unknown", func(*goid4vci.FlowState) string { return "unknown" }},
		{"empty", func(*goid4vci.FlowState) string { return "" }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			// Given.
			f := fedtest.New(t)
			ctx := f.Context()
			flow := f.NewFlow(ctx)
			params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)
			params.Set("state", testCase.state(flow))

			// When.
			_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

			// Then.
			if !errors.Is(err, goid4vci.ErrStateMismatch) {
				t.Errorf("err = %v, want %v", err, goid4vci.ErrStateMismatch)
			}
		})
	}
}

func TestHandleCallback_StateOfAnotherIssuer(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	first := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, first, fedtest.Issuer1ID, fedtest.EHIC)
	// A second flow is bound to another issuer.
	second := f.NewFlow(ctx)
	if _, err := authorize.NewRequest(ctx, second.EphemeralKeyTag, fedtest.Issuer3ID, fedtest.PDA1); err != nil {
		t.Fatal(err)
	}

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer3ID), params)

	// Then.
	if !errors.Is(err, goid4vci.ErrStateMismatch) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrStateMismatch)
	}
}

func TestHandleCallback_StaleState(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)
	// A new attempt replaces the state of the first one.
	if _, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, fedtest.Issuer1ID, fedtest.EHIC); err != nil {
		t.Fatal(err)
	}

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if !errors.Is(err, goid4vci.ErrStateMismatch) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrStateMismatch)
	}
}

func TestHandleCallback_AuthorizationDenied(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	f.Issuer(fedtest.Issuer1ID).DenyAuthorization = true
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if !errors.Is(err, goid4vci.ErrAuthorizationDenied) {
		t.Fatalf("err = %v, want %v", err, goid4vci.ErrAuthorizationDenied)
	}

	var authErr goid4vci.AuthorizationError
	if !errors.As(err, &authErr) || authErr.Code != goid4vci.ErrorCodeAccessDenied || authErr.State != params.Get("state") {
		t.Errorf("unexpected error: %+v", authErr)
	}
}

func TestHandleCallback_MissingCode(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	flow := f.NewFlow(ctx)
	params := authorizeAt(t, f, ctx, flow, fedtest.Issuer1ID, fedtest.EHIC)
	params.Del("code")

	// When.
	_, err := authorize.HandleCallback(ctx, hashutil.Thumbprint(fedtest.Issuer1ID), params)

	// Then.
	if err == nil {
		t.Fatal("an error was expected")
	}
}

func authorizeAt(
	t *testing.T,
	f *fedtest.Federation,
	ctx vci.Context,
	flow *goid4vci.FlowState,
	issuerID, credentialType string,
) url.Values {
	t.Helper()

	redirectURL, err := authorize.NewRequest(ctx, flow.EphemeralKeyTag, issuerID, credentialType)
	if err != nil {
		t.Fatal(err)
	}
	return f.Authorize(redirectURL)
}
