package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/luikyv/go-oid4vci/internal/federation"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/samber/lo"
)

// Handler returns an HTTP handler driving a flow step by step for a user
// agent, whose progress is kept server side behind a session cookie.
//
//	GET /.well-known/openid-federation    the wallet entity configuration
//	GET /wallet_provider?entity_id=       verifies the wallet provider
//	GET /wallet_instance_request          starts a flow with an attested key
//	GET /picking_issuer?credential_type=  selects a credential issuer
//	GET /authz                            redirects to the issuer
//	GET /authz_cb/{issuer}                receives the authorization response
//	GET /token                            redeems the authorization code
//	GET /credential                       requests the credential
func (w *Wallet) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+goid4vci.WellKnownOpenIDFederationPath, federation.HandleEntityConfiguration(w.config))
	mux.HandleFunc("GET /wallet_provider", w.handleWalletProvider)
	mux.HandleFunc("GET /wallet_instance_request", w.handleWalletInstanceRequest)
	mux.HandleFunc("GET /picking_issuer", w.handlePickingIssuer)
	mux.HandleFunc("GET /authz", w.handleAuthorization)
	mux.HandleFunc("GET "+goid4vci.AuthorizationCallbackPathPrefix+"{issuer}", w.handleCallback)
	mux.HandleFunc("GET /token", w.handleToken)
	mux.HandleFunc("GET /credential", w.handleCredential)
	return mux
}

func (w *Wallet) handleWalletProvider(rw http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("entity_id")
	if providerID == "" {
		w.writeError(rw, errMissingParameter("entity_id"))
		return
	}

	chain, err := w.TrustChain(r.Context(), providerID)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	id := w.sessionID(rw, r)
	sess := w.sessions.get(id)
	sess.WalletProviderID = providerID
	w.sessions.set(id, sess)

	w.write(rw, map[string]any{
		"entity_id":    chain.EntityID,
		"trust_anchor": chain.TrustAnchorID,
		"trust_chain":  chain.IssuerPath,
		"metadata":     chain.Metadata,
	}, http.StatusOK)
}

func (w *Wallet) handleWalletInstanceRequest(rw http.ResponseWriter, r *http.Request) {
	id := w.sessionID(rw, r)
	sess := w.sessions.get(id)

	providerID := r.URL.Query().Get("wallet_provider_id")
	if providerID == "" {
		providerID = sess.WalletProviderID
	}
	if providerID == "" {
		w.writeError(rw, errMissingParameter("wallet_provider_id"))
		return
	}

	flow, err := w.StartFlow(r.Context(), providerID)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	// A session runs one flow at a time.
	if sess.KeyTag != "" {
		if err := w.EndFlow(r.Context(), sess.KeyTag); err != nil {
			w.config.Logger.Warn("could not end the previous flow", slog.String("key_tag", sess.KeyTag),
				slog.String("error", err.Error()))
		}
	}
	w.sessions.set(id, session{
		WalletProviderID: providerID,
		KeyTag:           flow.EphemeralKeyTag,
	})

	w.write(rw, map[string]any{
		"ephemeral_key_tag":           flow.EphemeralKeyTag,
		"wallet_instance_attestation": flow.WalletInstanceAttestation,
	}, http.StatusOK)
}

func (w *Wallet) handlePickingIssuer(rw http.ResponseWriter, r *http.Request) {
	credentialType := r.URL.Query().Get("credential_type")
	if credentialType == "" {
		w.writeError(rw, errMissingParameter("credential_type"))
		return
	}

	candidates, err := w.DiscoverIssuers(r.Context(), credentialType)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	id := w.sessionID(rw, r)
	sess := w.sessions.get(id)
	sess.CredentialType = credentialType
	sess.IssuerID = candidates[0].EntityID
	w.sessions.set(id, sess)

	w.write(rw, map[string]any{
		"credential_type": credentialType,
		"issuer":          sess.IssuerID,
		"candidates": lo.Map(candidates, func(c goid4vci.CredentialIssuerCandidate, _ int) string {
			return c.EntityID
		}),
	}, http.StatusOK)
}

func (w *Wallet) handleAuthorization(rw http.ResponseWriter, r *http.Request) {
	sess := w.sessions.get(w.sessionID(rw, r))
	if sess.KeyTag == "" || sess.IssuerID == "" {
		w.writeError(rw, errOutOfOrder)
		return
	}

	redirectURL, err := w.AuthorizationURL(r.Context(), sess.KeyTag, sess.IssuerID, sess.CredentialType)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	http.Redirect(rw, r, redirectURL, http.StatusFound)
}

func (w *Wallet) handleCallback(rw http.ResponseWriter, r *http.Request) {
	flow, err := w.HandleCallback(r.Context(), r.PathValue("issuer"), r.URL.Query())
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.write(rw, map[string]any{
		"ephemeral_key_tag": flow.EphemeralKeyTag,
		"issuer":            flow.IssuerID,
		"credential_type":   flow.CredentialType,
	}, http.StatusOK)
}

func (w *Wallet) handleToken(rw http.ResponseWriter, r *http.Request) {
	sess := w.sessions.get(w.sessionID(rw, r))
	if sess.KeyTag == "" {
		w.writeError(rw, errOutOfOrder)
		return
	}

	tok, err := w.ExchangeToken(r.Context(), sess.KeyTag)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	w.write(rw, map[string]any{
		"token_type":         tok.TokenType,
		"expires_in":         tok.ExpiresIn,
		"c_nonce":            tok.CNonce,
		"c_nonce_expires_in": tok.CNonceExpiresIn,
	}, http.StatusOK)
}

func (w *Wallet) handleCredential(rw http.ResponseWriter, r *http.Request) {
	sess := w.sessions.get(w.sessionID(rw, r))
	if sess.KeyTag == "" {
		w.writeError(rw, errOutOfOrder)
		return
	}

	flow, err := w.Flow(r.Context(), sess.KeyTag)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	resp, err := w.RequestCredential(r.Context(), sess.KeyTag)
	if err != nil {
		w.writeError(rw, err)
		return
	}

	var creds []map[string]any
	for _, cred := range resp.All() {
		c := map[string]any{"credential": cred}
		if claims, err := w.DecodeCredential(r.Context(), flow.IssuerID, cred); err != nil {
			w.config.Logger.Warn("could not decode the credential", slog.String("issuer", flow.IssuerID),
				slog.String("error", err.Error()))
		} else {
			c["claims"] = claims
		}
		creds = append(creds, c)
	}

	w.write(rw, map[string]any{
		"credentials":     creds,
		"notification_id": resp.NotificationID,
	}, http.StatusOK)
}

type handlerError struct {
	status      int
	code        string
	description string
}

func (err handlerError) Error() string {
	return err.code + " " + err.description
}

var errOutOfOrder = handlerError{http.StatusBadRequest, "invalid_request", "the previous steps of the flow were not completed"}

func errMissingParameter(name string) error {
	return handlerError{http.StatusBadRequest, "invalid_request", "the parameter " + name + " is required"}
}

func (w *Wallet) write(rw http.ResponseWriter, obj any, status int) {
	rw.Header().Set("Content-Type", goid4vci.ContentTypeJSON)
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(obj); err != nil {
		w.config.Logger.Error("could not write the response", slog.String("error", err.Error()))
	}
}

func (w *Wallet) writeError(rw http.ResponseWriter, err error) {
	herr := toHandlerError(err)
	if herr.status >= http.StatusInternalServerError {
		w.config.Logger.Error("flow step failed", slog.String("error", err.Error()))
	} else {
		w.config.Logger.Info("flow step rejected", slog.String("error", err.Error()))
	}

	w.write(rw, map[string]string{
		"error":             herr.code,
		"error_description": herr.description,
	}, herr.status)
}

func toHandlerError(err error) handlerError {
	var herr handlerError
	if errors.As(err, &herr) {
		return herr
	}

	var authErr goid4vci.AuthorizationError
	if errors.As(err, &authErr) {
		return handlerError{http.StatusForbidden, string(authErr.Code), authErr.Description}
	}

	var tokenErr goid4vci.TokenExchangeError
	if errors.As(err, &tokenErr) && tokenErr.Code != "" {
		return handlerError{http.StatusBadGateway, string(tokenErr.Code), tokenErr.Description}
	}

	var credErr goid4vci.CredentialRequestError
	if errors.As(err, &credErr) && credErr.Code != "" {
		return handlerError{http.StatusBadGateway, string(credErr.Code), credErr.Description}
	}

	switch {
	case errors.Is(err, goid4vci.ErrNoQualifiedIssuer):
		return handlerError{http.StatusNotFound, "no_qualified_issuer", err.Error()}
	case errors.Is(err, goid4vci.ErrUnknownIssuer):
		return handlerError{http.StatusBadRequest, "unknown_issuer", err.Error()}
	case errors.Is(err, goid4vci.ErrStateMismatch):
		return handlerError{http.StatusBadRequest, "state_mismatch", err.Error()}
	case errors.Is(err, goid4vci.ErrFlowNotFound):
		return handlerError{http.StatusNotFound, "flow_not_found", err.Error()}
	case errors.Is(err, goid4vci.ErrNetwork):
		return handlerError{http.StatusBadGateway, "network_error", err.Error()}
	case errors.Is(err, goid4vci.ErrTokenExchange), errors.Is(err, goid4vci.ErrCredentialRequest):
		return handlerError{http.StatusBadGateway, "issuer_error", err.Error()}
	case errors.Is(err, goid4vci.ErrTrustVerification), errors.Is(err, goid4vci.ErrTrustMarkVerification):
		return handlerError{http.StatusBadGateway, "trust_verification_failed", err.Error()}
	default:
		return handlerError{http.StatusInternalServerError, string(goid4vci.ErrorCodeServerError), "internal error"}
	}
}
