package fedtest

import (
	"errors"
	"net/http"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/luikyv/go-oid4vci/internal/hashutil"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type TrustMarkIssuer struct {
	*Entity

	mu      sync.Mutex
	revoked map[string]bool
}

func (f *Federation) newTrustMarkIssuer() *TrustMarkIssuer {
	tmi := &TrustMarkIssuer{
		Entity:  f.newEntity(TrustMarkIssuerID),
		revoked: map[string]bool{},
	}
	tmi.Metadata[goid4vci.EntityTypeFederationEntity]["federation_trust_mark_status_endpoint"] = TrustMarkIssuerID + "/status"
	tmi.mux.HandleFunc("POST /status", tmi.handleStatus)
	return tmi
}

// Issue signs a trust mark for the subject.
func (tmi *TrustMarkIssuer) Issue(id, subject string) string {
	now := timeutil.TimestampNow()
	return tmi.f.sign(map[string]any{
		"id":  id,
		"iss": tmi.ID,
		"sub": subject,
		"iat": now,
		"exp": now + statementLifetimeSecs,
	}, tmi.Key, goid4vci.JWTTypeTrustMark)
}

func (tmi *TrustMarkIssuer) Revoke(trustMark string) {
	tmi.mu.Lock()
	defer tmi.mu.Unlock()
	tmi.revoked[trustMark] = true
}

func (tmi *TrustMarkIssuer) handleStatus(w http.ResponseWriter, r *http.Request) {
	trustMark := r.FormValue("trust_mark")
	parsed, err := jwt.ParseSigned(trustMark, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var claims map[string]any
	if err := parsed.Claims(tmi.Key.Public().Key, &claims); err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}

	tmi.mu.Lock()
	revoked := tmi.revoked[trustMark]
	tmi.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"active": !revoked})
}

func (f *Federation) newWalletProvider() *Entity {
	wp := f.newEntity(WalletProviderID)
	wp.Metadata[goid4vci.EntityTypeWalletProvider] = map[string]any{
		"token_endpoint": WalletProviderID + "/token",
		"jwks":           joseutil.PublicJWKS(wp.Key),
		"grant_types_supported": []string{
			goid4vci.GrantTypeJWTBearer,
		},
	}
	wp.mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.handleWalletAttestation(wp, w, r)
	})
	return wp
}

type confirmation struct {
	JWK jose.JSONWebKey `json:"jwk"`
}

// handleWalletAttestation answers a wallet attestation request with a
// wallet instance attestation bound to the key that signed the request.
func (f *Federation) handleWalletAttestation(wp *Entity, w http.ResponseWriter, r *http.Request) {
	if r.FormValue("grant_type") != goid4vci.GrantTypeJWTBearer {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
		return
	}

	parsed, err := joseutil.ParseSigned(r.FormValue("assertion"), goid4vci.JWTTypeWalletAttestationRequest,
		[]jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var unsafe struct {
		Cnf confirmation `json:"cnf"`
	}
	if err := parsed.UnsafeClaimsWithoutVerification(&unsafe); err != nil || unsafe.Cnf.JWK.Key == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing cnf")
		return
	}

	var claims jwt.Claims
	if err := parsed.Claims(unsafe.Cnf.JWK.Key, &claims); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := claims.Validate(jwt.Expected{AnyAudience: []string{wp.ID}}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	thumbprint, err := hashutil.JWKThumbprint(unsafe.Cnf.JWK)
	if err != nil || parsed.Headers[0].KeyID != thumbprint {
		writeError(w, http.StatusBadRequest, "invalid_request", "the key id must be the key thumbprint")
		return
	}

	now := timeutil.TimestampNow()
	wia := f.sign(map[string]any{
		"iss": wp.ID,
		"sub": thumbprint,
		"iat": now,
		"exp": now + statementLifetimeSecs,
		"cnf": map[string]any{"jwk": unsafe.Cnf.JWK.Public()},
		"aal": "https://trust-list.eu/aal/high",
	}, wp.Key, goid4vci.JWTTypeWalletInstanceAttestation)

	writeJSON(w, http.StatusOK, map[string]string{
		"grant_type": goid4vci.GrantTypeJWTBearer,
		"assertion":  wia,
	})
}

// WalletKey extracts the key a wallet instance attestation is bound to after
// checking it was issued by the federation's wallet provider.
func (f *Federation) WalletKey(wia string) (string, jose.JSONWebKey, error) {
	parsed, err := joseutil.ParseSigned(wia, goid4vci.JWTTypeWalletInstanceAttestation,
		[]jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return "", jose.JSONWebKey{}, err
	}

	var claims jwt.Claims
	var cnf struct {
		Cnf confirmation `json:"cnf"`
	}
	if err := parsed.Claims(f.WalletProvider.Key.Public().Key, &claims, &cnf); err != nil {
		return "", jose.JSONWebKey{}, err
	}

	if err := claims.Validate(jwt.Expected{Issuer: WalletProviderID}); err != nil {
		return "", jose.JSONWebKey{}, err
	}

	if cnf.Cnf.JWK.Key == nil {
		return "", jose.JSONWebKey{}, errors.New("missing cnf")
	}
	return claims.Subject, cnf.Cnf.JWK, nil
}
