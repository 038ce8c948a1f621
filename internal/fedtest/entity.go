package fedtest

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// Entity is a federation entity. Its fields are read every time a statement
// is served.
type Entity struct {
	f *Federation

	ID               string
	Key              jose.JSONWebKey
	AuthorityHints   []string
	Metadata         goid4vci.Metadata
	TrustMarks       []goid4vci.TrustMarkEntry
	TrustMarkIssuers map[string][]string
	// Subordinates and Policies are only used by authorities.
	Subordinates []string
	Policies     map[string]goid4vci.MetadataPolicy
	// SignWith replaces the key the entity configuration is signed with.
	SignWith *jose.JSONWebKey
	// Tamper edits the entity configuration claims before signing.
	Tamper func(claims map[string]any)

	mux *http.ServeMux
}

func (f *Federation) newEntity(id string) *Entity {
	e := &Entity{
		f:        f,
		ID:       id,
		Key:      f.newKey(id + "#fed"),
		Metadata: goid4vci.Metadata{},
		Policies: map[string]goid4vci.MetadataPolicy{},
		mux:      http.NewServeMux(),
	}
	e.Metadata[goid4vci.EntityTypeFederationEntity] = map[string]any{
		"organization_name": id,
	}
	e.mux.HandleFunc("GET "+goid4vci.WellKnownOpenIDFederationPath, e.handleEntityConfiguration)
	f.register(e)
	return e
}

func (f *Federation) newAuthority(id string) *Entity {
	e := f.newEntity(id)
	e.Metadata[goid4vci.EntityTypeFederationEntity]["federation_fetch_endpoint"] = id + "/fetch"
	e.Metadata[goid4vci.EntityTypeFederationEntity]["federation_list_endpoint"] = id + "/list"
	e.mux.HandleFunc("GET /fetch", e.handleFetch)
	e.mux.HandleFunc("GET /list", e.handleList)
	return e
}

func (e *Entity) Configuration() string {
	now := timeutil.TimestampNow()
	claims := map[string]any{
		"iss":      e.ID,
		"sub":      e.ID,
		"iat":      now,
		"exp":      now + statementLifetimeSecs,
		"jwks":     joseutil.PublicJWKS(e.Key),
		"metadata": e.Metadata,
	}
	if len(e.AuthorityHints) != 0 {
		claims["authority_hints"] = e.AuthorityHints
	}
	if len(e.TrustMarks) != 0 {
		claims["trust_marks"] = e.TrustMarks
	}
	if len(e.TrustMarkIssuers) != 0 {
		claims["trust_mark_issuers"] = e.TrustMarkIssuers
	}
	if e.Tamper != nil {
		e.Tamper(claims)
	}

	key := e.Key
	if e.SignWith != nil {
		key = *e.SignWith
	}
	return e.f.sign(claims, key, goid4vci.JWTTypeEntityStatement)
}

func (e *Entity) handleEntityConfiguration(w http.ResponseWriter, _ *http.Request) {
	writeJWT(w, e.Configuration(), goid4vci.ContentTypeEntityStatementJWT)
}

func (e *Entity) handleFetch(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("sub")
	if !slices.Contains(e.Subordinates, sub) {
		writeError(w, http.StatusNotFound, "not_found", "unknown subordinate")
		return
	}

	subordinate := e.f.Entity(sub)
	now := timeutil.TimestampNow()
	claims := map[string]any{
		"iss":  e.ID,
		"sub":  sub,
		"iat":  now,
		"exp":  now + statementLifetimeSecs,
		"jwks": joseutil.PublicJWKS(subordinate.Key),
	}
	if policy, ok := e.Policies[sub]; ok {
		claims["metadata_policy"] = policy
	}

	writeJWT(w, e.f.sign(claims, e.Key, goid4vci.JWTTypeEntityStatement), goid4vci.ContentTypeEntityStatementJWT)
}

func (e *Entity) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.Subordinates)
}

func (f *Federation) sign(claims any, key jose.JSONWebKey, typ string) string {
	signed, err := joseutil.Sign(claims, joseutil.SigningKey(key), (&jose.SignerOptions{}).WithType(jose.ContentType(typ)))
	if err != nil {
		f.t.Fatal(err)
	}
	return signed
}

func writeJWT(w http.ResponseWriter, jwt, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(jwt))
}

func writeJSON(w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", goid4vci.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(obj)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}
