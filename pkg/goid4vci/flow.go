package goid4vci

import (
	"encoding/json"
	"net/url"
	"slices"

	"golang.org/x/oauth2"
)

// FlowState is everything the wallet remembers about one issuance flow.
// It is keyed by the ephemeral key tag.
type FlowState struct {
	EphemeralKeyTag           string                   `json:"ephemeral_key_tag" bson:"_id"`
	WalletProviderID          string                   `json:"wallet_provider_id,omitempty" bson:"wallet_provider_id,omitempty"`
	WalletInstanceAttestation string                   `json:"wallet_instance_attestation,omitempty" bson:"wallet_instance_attestation,omitempty"`
	State                     string                   `json:"state,omitempty" bson:"state,omitempty"`
	RedirectURI               string                   `json:"redirect_uri,omitempty" bson:"redirect_uri,omitempty"`
	CredentialType            string                   `json:"credential_type,omitempty" bson:"credential_type,omitempty"`
	IssuerID                  string                   `json:"issuer_id,omitempty" bson:"issuer_id,omitempty"`
	IssuerHash                string                   `json:"issuer_hash,omitempty" bson:"issuer_hash,omitempty"`
	AuthorizationRequest      AuthorizationRequestArgs `json:"authorization_request" bson:"authorization_request"`
	CodeVerifier              string                   `json:"code_verifier,omitempty" bson:"code_verifier,omitempty"`
	Code                      string                   `json:"code,omitempty" bson:"code,omitempty"`
	Nonce                     string                   `json:"nonce,omitempty" bson:"nonce,omitempty"`
	CodeRedeemed              bool                     `json:"code_redeemed,omitempty" bson:"code_redeemed,omitempty"`
	AccessToken               string                   `json:"access_token,omitempty" bson:"access_token,omitempty"`
	TokenType                 string                   `json:"token_type,omitempty" bson:"token_type,omitempty"`
	CNonce                    string                   `json:"c_nonce,omitempty" bson:"c_nonce,omitempty"`
	CreatedAtTimestamp        int                      `json:"created_at" bson:"created_at"`
	ExpiresAtTimestamp        int                      `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Version                   int                      `json:"version" bson:"version"`
}

func (f FlowState) IsExpired(now int) bool {
	return f.ExpiresAtTimestamp != 0 && now > f.ExpiresAtTimestamp
}

// Clone returns a copy that shares no slices with f.
func (f FlowState) Clone() *FlowState {
	f.AuthorizationRequest.AuthorizationDetails = slices.Clone(f.AuthorizationRequest.AuthorizationDetails)
	return &f
}

// ResetAuthorization drops everything bound to a previous authorization
// request.
func (f *FlowState) ResetAuthorization() {
	f.State = ""
	f.RedirectURI = ""
	f.IssuerID = ""
	f.IssuerHash = ""
	f.AuthorizationRequest = AuthorizationRequestArgs{}
	f.CodeVerifier = ""
	f.Code = ""
	f.Nonce = ""
	f.CodeRedeemed = false
	f.AccessToken = ""
	f.TokenType = ""
	f.CNonce = ""
}

type AuthorizationDetail struct {
	Type                      string `json:"type"`
	Format                    string `json:"format,omitempty"`
	VCT                       string `json:"vct,omitempty"`
	CredentialConfigurationID string `json:"credential_configuration_id,omitempty"`
}

type AuthorizationRequestArgs struct {
	AuthorizationDetails []AuthorizationDetail `json:"authorization_details,omitempty" bson:"authorization_details,omitempty"`
	ResponseType         string                `json:"response_type" bson:"response_type"`
	ClientID             string                `json:"client_id" bson:"client_id"`
	RedirectURI          string                `json:"redirect_uri" bson:"redirect_uri"`
	IssuerState          string                `json:"issuer_state,omitempty" bson:"issuer_state,omitempty"`
	RequestURI           string                `json:"request_uri,omitempty" bson:"request_uri,omitempty"`
	State                string                `json:"state" bson:"state"`
	CodeChallenge        string                `json:"code_challenge,omitempty" bson:"code_challenge,omitempty"`
	CodeChallengeMethod  string                `json:"code_challenge_method,omitempty" bson:"code_challenge_method,omitempty"`
}

// Values encodes the request as form or query parameters.
func (args AuthorizationRequestArgs) Values() (url.Values, error) {
	values := url.Values{}
	if len(args.AuthorizationDetails) != 0 {
		details, err := json.Marshal(args.AuthorizationDetails)
		if err != nil {
			return nil, err
		}
		values.Set("authorization_details", string(details))
	}
	set := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	set("response_type", args.ResponseType)
	set("client_id", args.ClientID)
	set("redirect_uri", args.RedirectURI)
	set("issuer_state", args.IssuerState)
	set("state", args.State)
	set("code_challenge", args.CodeChallenge)
	set("code_challenge_method", args.CodeChallengeMethod)
	return values, nil
}

// ClientAttestationArgs parametrize the proof of possession sent along the
// wallet instance attestation.
type ClientAttestationArgs struct {
	// Thumbprint is the key tag of the ephemeral key signing the proof.
	Thumbprint string
	Audience   string
	// Nonce is the nonce of the authorization response, echoed when set.
	Nonce string
	// LifetimeSecs overrides the configured proof lifetime when positive.
	LifetimeSecs int
}

type TokenExchangeArgs struct {
	Code                string
	GrantType           string
	RedirectURI         string
	State               string
	ClientAssertionType string
	ClientAssertion     string
	CodeVerifier        string
	ClientAttestationArgs
}

type Token struct {
	AccessToken     string        `json:"access_token"`
	TokenType       string        `json:"token_type"`
	ExpiresIn       int           `json:"expires_in,omitempty"`
	CNonce          string        `json:"c_nonce,omitempty"`
	CNonceExpiresIn int           `json:"c_nonce_expires_in,omitempty"`
	Raw             *oauth2.Token `json:"-"`
}

type IssuedCredential struct {
	Credential string `json:"credential"`
}

type CredentialResponse struct {
	Credentials []IssuedCredential `json:"credentials,omitempty"`
	// Credential is the single credential form some issuers still answer
	// with.
	Credential      string `json:"credential,omitempty"`
	CNonce          string `json:"c_nonce,omitempty"`
	CNonceExpiresIn int    `json:"c_nonce_expires_in,omitempty"`
	NotificationID  string `json:"notification_id,omitempty"`
	Raw             []byte `json:"-"`
}

// All returns every credential in the response regardless of the form the
// issuer used.
func (resp CredentialResponse) All() []string {
	var creds []string
	for _, c := range resp.Credentials {
		creds = append(creds, c.Credential)
	}
	if resp.Credential != "" {
		creds = append(creds, resp.Credential)
	}
	return creds
}
