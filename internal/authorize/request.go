package authorize

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

	"github.com/luikyv/go-oid4vci/internal/attestation"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/strutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"golang.org/x/oauth2"
)

type pushedResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// NewRequest builds an authorization request for credentialType and returns
// the URL the user agent must be sent to. An empty credentialType keeps the
// one already recorded in the flow. Any previous authorization attempt of the
// flow is discarded.
func NewRequest(ctx vci.Context, keyTag, issuerID, credentialType string) (redirectURL string, err error) {
	start := time.Now()
	defer func() { ctx.ObserveStep(metrics.StepAuthorization, start, err) }()

	flow, err := ctx.FlowStates.FlowState(ctx, keyTag)
	if err != nil {
		return "", err
	}

	if credentialType == "" {
		credentialType = flow.CredentialType
	}
	if credentialType == "" {
		return "", errors.New("no credential type was chosen for the flow")
	}

	chain, err := ctx.Resolver.VerifyTrustChain(ctx, issuerID)
	if err != nil {
		return "", err
	}

	caps := chain.Capabilities()
	if caps.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("the issuer %s has no authorization endpoint", issuerID)
	}

	hash := hashutil.Thumbprint(issuerID)
	verifier := strutil.Random(pkceVerifierLength(ctx))
	args := goid4vci.AuthorizationRequestArgs{
		AuthorizationDetails: []goid4vci.AuthorizationDetail{{
			Type:   goid4vci.AuthorizationDetailTypeOpenIDCredential,
			Format: goid4vci.CredentialFormatSDJWT,
			VCT:    credentialType,
		}},
		ResponseType:        goid4vci.ResponseTypeCode,
		ClientID:            keyTag,
		RedirectURI:         ctx.CallbackURI(hash),
		IssuerState:         ctx.IssuerState(credentialType),
		State:               strutil.RandomBase64URL(goid4vci.DefaultStateByteLength),
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: goid4vci.CodeChallengeMethodS256,
	}

	if caps.PushedAuthorization() {
		redirectURL, args.RequestURI, err = pushAuthorizationRequest(ctx, caps, flow, args)
	} else if caps.PARIsRequired {
		err = fmt.Errorf("the issuer %s requires pushed authorization requests but has no endpoint for them", issuerID)
	} else {
		redirectURL, err = authorizationURL(caps.AuthorizationEndpoint, args)
	}
	if err != nil {
		return "", err
	}

	if err := ctx.FlowStates.Update(ctx, keyTag, func(f *goid4vci.FlowState) error {
		f.ResetAuthorization()
		f.CredentialType = credentialType
		f.State = args.State
		f.RedirectURI = args.RedirectURI
		f.IssuerID = issuerID
		f.IssuerHash = hash
		f.AuthorizationRequest = args
		f.CodeVerifier = verifier
		return nil
	}); err != nil {
		return "", err
	}

	ctx.Logger.Info("redirecting to the credential issuer",
		slog.String("issuer", issuerID),
		slog.String("key_tag", keyTag),
		slog.Bool("pushed", args.RequestURI != ""))
	return redirectURL, nil
}

func authorizationURL(endpoint string, args goid4vci.AuthorizationRequestArgs) (string, error) {
	params, err := args.Values()
	if err != nil {
		return "", err
	}
	return strutil.URLWithQueryParams(endpoint, params)
}

// pushAuthorizationRequest registers the request with the issuer and returns
// the authorization URL referencing it together with the request URI.
func pushAuthorizationRequest(
	ctx vci.Context,
	caps goid4vci.IssuerCapabilities,
	flow *goid4vci.FlowState,
	args goid4vci.AuthorizationRequestArgs,
) (
	string,
	string,
	error,
) {
	if flow.WalletInstanceAttestation == "" {
		return "", "", errors.New("a wallet instance attestation is required to push the authorization request")
	}

	assertion, err := attestation.ClientAttestation(ctx, flow.WalletInstanceAttestation, goid4vci.ClientAttestationArgs{
		Thumbprint: flow.EphemeralKeyTag,
		Audience:   caps.IssuerID,
	})
	if err != nil {
		return "", "", err
	}

	form, err := args.Values()
	if err != nil {
		return "", "", err
	}
	form.Set("client_assertion_type", goid4vci.ClientAssertionTypeJWTClientAttestation)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, caps.PushedAuthorizationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", goid4vci.ContentTypeForm)

	resp, err := ctx.HTTPClient().Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: could not push the authorization request: %w", goid4vci.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("could not read the pushed authorization response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var errResp goid4vci.AuthorizationError
		_ = json.Unmarshal(body, &errResp)
		return "", "", fmt.Errorf("the pushed authorization request was rejected with status %d: %s %s",
			resp.StatusCode, errResp.Code, errResp.Description)
	}

	var pushed pushedResponse
	if err := json.Unmarshal(body, &pushed); err != nil || pushed.RequestURI == "" {
		return "", "", errors.New("invalid pushed authorization response")
	}

	redirectURL, err := strutil.URLWithQueryParams(caps.AuthorizationEndpoint, url.Values{
		"client_id":   {args.ClientID},
		"request_uri": {pushed.RequestURI},
	})
	if err != nil {
		return "", "", err
	}
	return redirectURL, pushed.RequestURI, nil
}

func pkceVerifierLength(ctx vci.Context) int {
	// RFC 7636 allows between 43 and 128 characters.
	if ctx.PKCEVerifierLength < 43 || ctx.PKCEVerifierLength > 128 {
		return goid4vci.DefaultPKCEVerifierLength
	}
	return ctx.PKCEVerifierLength
}
