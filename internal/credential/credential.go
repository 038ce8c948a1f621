// Package credential requests credentials with the access token obtained
// for a flow.
package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/dpop"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/sdjwt"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type proof struct {
	ProofType string `json:"proof_type"`
	JWT       string `json:"jwt"`
}

type request struct {
	Format string `json:"format"`
	VCT    string `json:"vct"`
	Proof  proof  `json:"proof"`
}

type keyProofClaims struct {
	Issuer   string `json:"iss,omitempty"`
	Audience string `json:"aud"`
	IssuedAt int    `json:"iat"`
	Nonce    string `json:"nonce,omitempty"`
}

// Request asks the issuer of the flow for the credential type of the flow.
// The issuer keys are imported into the key registry so the credentials can
// be verified with them.
func Request(ctx vci.Context, keyTag string) (resp goid4vci.CredentialResponse, err error) {
	start := time.Now()
	defer func() { ctx.ObserveStep(metrics.StepCredential, start, err) }()

	flow, err := ctx.FlowStates.FlowState(ctx, keyTag)
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	if flow.AccessToken == "" {
		return goid4vci.CredentialResponse{}, goid4vci.NewCredentialRequestError(goid4vci.ErrorCodeInvalidToken,
			"the flow has no access token")
	}

	chain, err := issuerChain(ctx, flow.IssuerID)
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	caps := chain.Capabilities()
	if caps.CredentialEndpoint == "" {
		return goid4vci.CredentialResponse{}, fmt.Errorf("the issuer %s has no credential endpoint", flow.IssuerID)
	}

	if err := importIssuerKeys(ctx, flow.IssuerID, chain); err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	key, err := ctx.EphemeralKeys.Key(keyTag)
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	keyProof, err := newKeyProof(key, keyTag, flow.IssuerID, flow.CNonce)
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	body, err := json.Marshal(request{
		Format: goid4vci.CredentialFormatSDJWT,
		VCT:    flow.CredentialType,
		Proof: proof{
			ProofType: goid4vci.ProofTypeJWT,
			JWT:       keyProof,
		},
	})
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	resp, err = send(ctx, flow, caps.CredentialEndpoint, key, body)
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}

	if resp.CNonce != "" {
		if err := ctx.FlowStates.Update(ctx, keyTag, func(f *goid4vci.FlowState) error {
			f.CNonce = resp.CNonce
			return nil
		}); err != nil {
			return goid4vci.CredentialResponse{}, err
		}
	}

	ctx.Logger.Info("credential issued", slog.String("issuer", flow.IssuerID),
		slog.String("credential_type", flow.CredentialType), slog.Int("credentials", len(resp.All())))
	return resp, nil
}

// Decode verifies a credential issued by issuerID with the keys imported
// when it was requested.
func Decode(ctx vci.Context, issuerID, credential string) (sdjwt.Credential, error) {
	jwks := ctx.Keys.JWKS(issuerID)
	if len(jwks.Keys) == 0 {
		return sdjwt.Credential{}, fmt.Errorf("no keys known for the issuer %s", issuerID)
	}
	return sdjwt.Verify(credential, jwks, signatureAlgs(ctx))
}

func signatureAlgs(ctx vci.Context) []jose.SignatureAlgorithm {
	if len(ctx.AttestationSigAlgs) != 0 {
		return ctx.AttestationSigAlgs
	}
	if len(ctx.EntityStatementSigAlgs) != 0 {
		return ctx.EntityStatementSigAlgs
	}
	return []jose.SignatureAlgorithm{jose.ES256}
}

func issuerChain(ctx vci.Context, issuerID string) (goid4vci.TrustChain, error) {
	if ctx.ReverifyOnCredentialRequest {
		return ctx.Resolver.RefreshTrustChain(ctx, issuerID)
	}
	return ctx.Resolver.VerifyTrustChain(ctx, issuerID)
}

func importIssuerKeys(ctx vci.Context, issuerID string, chain goid4vci.TrustChain) error {
	jwks, err := chain.Metadata.JWKS(goid4vci.EntityTypeCredentialIssuer)
	if err != nil {
		return err
	}

	ctx.Keys.ImportJWKS(issuerID, jwks)
	for _, alias := range ctx.KeyAliases[issuerID] {
		ctx.Keys.StoreUnderOtherID(issuerID, alias)
	}
	return nil
}

func newKeyProof(key jose.JSONWebKey, clientID, audience, cNonce string) (string, error) {
	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(goid4vci.JWTTypeKeyProof)
	// The key id is dropped so the issuer reads the key from the header.
	key.KeyID = ""
	return joseutil.Sign(keyProofClaims{
		Issuer:   clientID,
		Audience: audience,
		IssuedAt: timeutil.TimestampNow(),
		Nonce:    cNonce,
	}, joseutil.SigningKey(key), opts)
}

func send(ctx vci.Context, flow *goid4vci.FlowState, endpoint string, key jose.JSONWebKey, body []byte) (goid4vci.CredentialResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return goid4vci.CredentialResponse{}, err
	}
	req.Header.Set("Content-Type", goid4vci.ContentTypeJSON)

	tokenType := flow.TokenType
	if tokenType == "" {
		tokenType = goid4vci.TokenTypeBearer
	}
	req.Header.Set("Authorization", tokenType+" "+flow.AccessToken)

	client := ctx.HTTPClient()
	if tokenType == goid4vci.TokenTypeDPoP {
		c := *client
		t := dpop.NewTransport(client.Transport, key)
		t.AccessToken = flow.AccessToken
		c.Transport = t
		client = &c
	}

	httpResp, err := client.Do(req)
	if err != nil {
		return goid4vci.CredentialResponse{}, goid4vci.WrapCredentialRequestError(fmt.Errorf("%w: %w", goid4vci.ErrNetwork, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return goid4vci.CredentialResponse{}, goid4vci.WrapCredentialRequestError(fmt.Errorf("%w: %w", goid4vci.ErrNetwork, err))
	}

	if httpResp.StatusCode != http.StatusOK {
		credErr := goid4vci.CredentialRequestError{StatusCode: httpResp.StatusCode, Body: respBody}
		_ = json.Unmarshal(respBody, &credErr)
		return goid4vci.CredentialResponse{}, credErr
	}

	var resp goid4vci.CredentialResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return goid4vci.CredentialResponse{}, goid4vci.WrapCredentialRequestError(fmt.Errorf("invalid credential response: %w", err))
	}
	resp.Raw = respBody

	if len(resp.All()) == 0 {
		return goid4vci.CredentialResponse{}, goid4vci.WrapCredentialRequestError(errors.New("the credential response has no credential"))
	}
	return resp, nil
}
