package fedtest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/luikyv/go-oid4vci/internal/dpop"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/strutil"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// Issuer is a credential issuer acting as its own authorization server.
type Issuer struct {
	*Entity

	CredentialKey   jose.JSONWebKey
	CredentialTypes []string
	// DenyAuthorization makes the authorization endpoint redirect back with
	// access_denied.
	DenyAuthorization bool
	// Claims are disclosed in every issued credential.
	Claims map[string]any

	mu       sync.Mutex
	requests map[string]url.Values
	codes    map[string]*authorizationCode
	tokens   map[string]*accessToken
	// TokenRequests counts the calls to the token endpoint.
	TokenRequests int
}

type authorizationCode struct {
	clientID      string
	redirectURI   string
	codeChallenge string
	nonce         string
	used          bool
}

type accessToken struct {
	clientID string
	jkt      string
	cNonce   string
}

func (f *Federation) newIssuer(id string, credentialTypes []string, par bool) *Issuer {
	iss := &Issuer{
		Entity:          f.newEntity(id),
		CredentialTypes: credentialTypes,
		Claims: map[string]any{
			"given_name":  "Erika",
			"family_name": "Mustermann",
			"birth_date":  "1964-08-12",
		},
		requests: map[string]url.Values{},
		codes:    map[string]*authorizationCode{},
		tokens:   map[string]*accessToken{},
	}
	iss.CredentialKey = f.newKey(id + "#credential")

	configurations := map[string]any{}
	for _, t := range credentialTypes {
		configurations[t] = map[string]any{
			"format": goid4vci.CredentialFormatSDJWT,
			"vct":    t,
			"credential_definition": map[string]any{
				"type": []string{t},
			},
			"proof_types_supported": map[string]any{
				goid4vci.ProofTypeJWT: map[string]any{
					"proof_signing_alg_values_supported": []string{string(jose.ES256)},
				},
			},
		}
	}
	iss.Metadata[goid4vci.EntityTypeCredentialIssuer] = map[string]any{
		"credential_issuer":                   id,
		"credential_endpoint":                 id + "/credential",
		"jwks":                                joseutil.PublicJWKS(iss.CredentialKey),
		"credential_configurations_supported": configurations,
	}
	iss.Metadata[goid4vci.EntityTypeAuthorizationServer] = map[string]any{
		"issuer":                            id,
		"authorization_endpoint":            id + "/authorize",
		"token_endpoint":                    id + "/token",
		"response_types_supported":          []string{goid4vci.ResponseTypeCode},
		"code_challenge_methods_supported":  []string{goid4vci.CodeChallengeMethodS256},
		"dpop_signing_alg_values_supported": []string{string(jose.ES256)},
		"token_endpoint_auth_methods_supported": []string{
			"attest_jwt_client_auth",
		},
	}
	if par {
		as := iss.Metadata[goid4vci.EntityTypeAuthorizationServer]
		as["pushed_authorization_request_endpoint"] = id + "/par"
		as["require_pushed_authorization_requests"] = true
		iss.mux.HandleFunc("POST /par", iss.handlePAR)
	}

	iss.mux.HandleFunc("GET /authorize", iss.handleAuthorize)
	iss.mux.HandleFunc("POST /token", iss.handleToken)
	iss.mux.HandleFunc("POST /credential", iss.handleCredential)
	f.Issuers[id] = iss
	return iss
}

// AuthorizationCodes returns how many codes were issued and how many of
// them were redeemed.
func (iss *Issuer) AuthorizationCodes() (issued, redeemed int) {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	for _, code := range iss.codes {
		issued++
		if code.used {
			redeemed++
		}
	}
	return issued, redeemed
}

func (iss *Issuer) handlePAR(w http.ResponseWriter, r *http.Request) {
	clientID, _, err := iss.f.verifyClientAttestation(r, iss.ID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	if r.PostForm.Get("client_id") != clientID {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id does not match the attestation")
		return
	}

	requestURI := requestURIPrefix + strutil.Random(32)
	iss.mu.Lock()
	iss.requests[requestURI] = r.PostForm
	iss.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  60,
	})
}

func (iss *Issuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if requestURI := params.Get("request_uri"); requestURI != "" {
		iss.mu.Lock()
		pushed, ok := iss.requests[requestURI]
		delete(iss.requests, requestURI)
		iss.mu.Unlock()
		if !ok || pushed.Get("client_id") != params.Get("client_id") {
			writeError(w, http.StatusBadRequest, "invalid_request_uri", "unknown request_uri")
			return
		}
		params = pushed
	} else if iss.Metadata.Bool(goid4vci.EntityTypeAuthorizationServer, "require_pushed_authorization_requests") {
		writeError(w, http.StatusBadRequest, "invalid_request", "pushed authorization requests are required")
		return
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" || params.Get("response_type") != goid4vci.ResponseTypeCode {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid authorization request")
		return
	}

	if params.Get("code_challenge_method") != goid4vci.CodeChallengeMethodS256 || params.Get("code_challenge") == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "pkce is required")
		return
	}

	var details []goid4vci.AuthorizationDetail
	if err := json.Unmarshal([]byte(params.Get("authorization_details")), &details); err != nil || len(details) == 0 ||
		!slices.Contains(iss.CredentialTypes, details[0].VCT) {
		iss.redirect(w, r, redirectURI, url.Values{
			"error":             {string(goid4vci.ErrorCodeInvalidAuthDetails)},
			"error_description": {"unsupported credential"},
			"state":             {params.Get("state")},
		})
		return
	}

	if iss.DenyAuthorization {
		iss.redirect(w, r, redirectURI, url.Values{
			"error":             {string(goid4vci.ErrorCodeAccessDenied)},
			"error_description": {"the user denied the request"},
			"state":             {params.Get("state")},
		})
		return
	}

	code := strutil.Random(32)
	nonce := strutil.Random(16)
	iss.mu.Lock()
	iss.codes[code] = &authorizationCode{
		clientID:      params.Get("client_id"),
		redirectURI:   redirectURI,
		codeChallenge: params.Get("code_challenge"),
		nonce:         nonce,
	}
	iss.mu.Unlock()

	iss.redirect(w, r, redirectURI, url.Values{
		"code":  {code},
		"state": {params.Get("state")},
		"iss":   {iss.ID},
		"nonce": {nonce},
	})
}

func (iss *Issuer) redirect(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	u, err := strutil.URLWithQueryParams(redirectURI, params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (iss *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	iss.mu.Lock()
	iss.TokenRequests++
	iss.mu.Unlock()

	clientID, popNonce, err := iss.f.verifyClientAttestation(r, iss.ID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	jkt, err := verifyDPoP(r, iss.ID+"/token", "")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidDPoPProof), err.Error())
		return
	}

	if r.PostForm.Get("grant_type") != goid4vci.GrantTypeAuthorizationCode {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
		return
	}

	iss.mu.Lock()
	defer iss.mu.Unlock()

	code, ok := iss.codes[r.PostForm.Get("code")]
	if !ok {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidGrant), "unknown authorization code")
		return
	}

	if code.used {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidGrant), "authorization code already used")
		return
	}
	code.used = true

	if code.clientID != clientID || code.redirectURI != r.PostForm.Get("redirect_uri") {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidGrant), "the code was issued to another client")
		return
	}

	if hashutil.Thumbprint(r.PostForm.Get("code_verifier")) != code.codeChallenge {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidGrant), "invalid code verifier")
		return
	}

	if popNonce != code.nonce {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidGrant),
			"the attestation proof does not echo the nonce of the authorization response")
		return
	}

	token := strutil.Random(32)
	cNonce := strutil.Random(16)
	iss.tokens[token] = &accessToken{
		clientID: clientID,
		jkt:      jkt,
		cNonce:   cNonce,
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       token,
		"token_type":         goid4vci.TokenTypeDPoP,
		"expires_in":         300,
		"c_nonce":            cNonce,
		"c_nonce_expires_in": 86400,
	})
}

func (iss *Issuer) handleCredential(w http.ResponseWriter, r *http.Request) {
	scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	if scheme != goid4vci.TokenTypeDPoP {
		writeError(w, http.StatusUnauthorized, string(goid4vci.ErrorCodeInvalidToken), "a dpop token is required")
		return
	}

	iss.mu.Lock()
	defer iss.mu.Unlock()

	at, ok := iss.tokens[token]
	if !ok {
		writeError(w, http.StatusUnauthorized, string(goid4vci.ErrorCodeInvalidToken), "unknown access token")
		return
	}

	jkt, err := verifyDPoP(r, iss.ID+"/credential", token)
	if err != nil || jkt != at.jkt {
		writeError(w, http.StatusUnauthorized, string(goid4vci.ErrorCodeInvalidDPoPProof), "invalid dpop proof")
		return
	}

	var req struct {
		Format string `json:"format"`
		VCT    string `json:"vct"`
		Proof  struct {
			ProofType string `json:"proof_type"`
			JWT       string `json:"jwt"`
		} `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_credential_request", err.Error())
		return
	}

	if req.Format != goid4vci.CredentialFormatSDJWT || !slices.Contains(iss.CredentialTypes, req.VCT) {
		writeError(w, http.StatusBadRequest, "unsupported_credential_type", "unsupported credential")
		return
	}

	holder, err := iss.verifyKeyProof(req.Proof.JWT, at.cNonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(goid4vci.ErrorCodeInvalidProof), err.Error())
		return
	}

	credential, err := iss.issue(req.VCT, holder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(goid4vci.ErrorCodeServerError), err.Error())
		return
	}

	at.cNonce = strutil.Random(16)
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": []map[string]string{{"credential": credential}},
		"c_nonce":     at.cNonce,
	})
}

func (iss *Issuer) verifyKeyProof(proof, cNonce string) (jose.JSONWebKey, error) {
	parsed, err := joseutil.ParseSigned(proof, goid4vci.JWTTypeKeyProof, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	jwk := parsed.Headers[0].JSONWebKey
	if jwk == nil {
		return jose.JSONWebKey{}, errors.New("the proof has no jwk header")
	}

	var claims jwt.Claims
	var nonce struct {
		Nonce string `json:"nonce"`
	}
	if err := parsed.Claims(jwk.Key, &claims, &nonce); err != nil {
		return jose.JSONWebKey{}, err
	}

	if err := claims.Validate(jwt.Expected{AnyAudience: []string{iss.ID}}); err != nil {
		return jose.JSONWebKey{}, err
	}

	if nonce.Nonce != cNonce {
		return jose.JSONWebKey{}, errors.New("invalid c_nonce")
	}
	return *jwk, nil
}

// issue creates an SD-JWT with one disclosure per claim of the issuer.
func (iss *Issuer) issue(vct string, holder jose.JSONWebKey) (string, error) {
	var disclosures []string
	var digests []string
	names := make([]string, 0, len(iss.Claims))
	for name := range iss.Claims {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		disclosure, err := json.Marshal([]any{strutil.Random(16), name, iss.Claims[name]})
		if err != nil {
			return "", err
		}
		encoded := base64.RawURLEncoding.EncodeToString(disclosure)
		digest := sha256.Sum256([]byte(encoded))
		disclosures = append(disclosures, encoded)
		digests = append(digests, base64.RawURLEncoding.EncodeToString(digest[:]))
	}

	now := timeutil.TimestampNow()
	signed := iss.f.sign(map[string]any{
		"iss":     iss.ID,
		"iat":     now,
		"exp":     now + statementLifetimeSecs,
		"vct":     vct,
		"cnf":     map[string]any{"jwk": holder.Public()},
		"_sd_alg": "sha-256",
		"_sd":     digests,
	}, iss.CredentialKey, goid4vci.JWTTypeSDJWT)

	return signed + "~" + strings.Join(disclosures, "~") + "~", nil
}

// verifyClientAttestation checks the wallet attestation based client
// authentication and returns the authenticated client id with the nonce of
// the proof of possession.
func (f *Federation) verifyClientAttestation(r *http.Request, audience string) (string, string, error) {
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}

	if r.PostForm.Get("client_assertion_type") != goid4vci.ClientAssertionTypeJWTClientAttestation {
		return "", "", errors.New("invalid client_assertion_type")
	}

	wia, pop, ok := strings.Cut(r.PostForm.Get("client_assertion"), "~")
	if !ok {
		return "", "", errors.New("the client assertion must combine the attestation and its proof")
	}

	clientID, key, err := f.WalletKey(wia)
	if err != nil {
		return "", "", fmt.Errorf("invalid wallet attestation: %w", err)
	}

	parsed, err := joseutil.ParseSigned(pop, goid4vci.JWTTypeClientAttestationPoP, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return "", "", err
	}

	var claims jwt.Claims
	var extra struct {
		Nonce string `json:"nonce"`
	}
	if err := parsed.Claims(key.Key, &claims, &extra); err != nil {
		return "", "", fmt.Errorf("invalid attestation proof of possession: %w", err)
	}

	if err := claims.Validate(jwt.Expected{
		Issuer:      clientID,
		AnyAudience: []string{audience},
	}); err != nil {
		return "", "", fmt.Errorf("invalid attestation proof of possession: %w", err)
	}

	if id := r.PostForm.Get("client_id"); id != "" && id != clientID {
		return "", "", errors.New("client_id does not match the attestation")
	}

	return clientID, extra.Nonce, nil
}

// verifyDPoP checks the DPoP proof of the request and returns the
// thumbprint of its key.
func verifyDPoP(r *http.Request, htu, accessToken string) (string, error) {
	proof, ok := dpop.JWT(r)
	if !ok {
		return "", errors.New("missing dpop proof")
	}

	return dpop.ValidateJWT(proof, dpop.ValidationOptions{
		Algs:         []jose.SignatureAlgorithm{jose.ES256},
		HTTPMethod:   r.Method,
		HTTPURI:      htu,
		AccessToken:  accessToken,
		LifetimeSecs: 60,
		LeewaySecs:   5,
	})
}
