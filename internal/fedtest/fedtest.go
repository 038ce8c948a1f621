// Package fedtest runs an in-process federation for tests.
//
// The federation has a trust anchor, an intermediate, a wallet provider, a
// trust mark issuer and three credential issuers. Every entity is served by
// its own [http.ServeMux] reached through the [http.RoundTripper] of the
// [Federation], so entity identifiers are plain https URLs and no socket is
// opened. Statements are signed when requested, which lets tests mutate an
// entity before calling the code under test.
package fedtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/keyjar"
	"github.com/luikyv/go-oid4vci/internal/storage"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const (
	WalletID          = "https://wallet.example.org"
	TrustAnchorID     = "https://ta.example.org"
	IntermediateID    = "https://intermediate.example.org"
	WalletProviderID  = "https://wp.example.org"
	TrustMarkIssuerID = "https://tmi.example.org"
	// Issuer1ID issues EHIC credentials, holds the EHIC trust mark and
	// requires pushed authorization requests.
	Issuer1ID = "https://iss1.example.org"
	// Issuer2ID issues EHIC credentials without holding the trust mark.
	Issuer2ID = "https://iss2.example.org"
	// Issuer3ID sits beneath the intermediate, issues PDA1 credentials and
	// takes authorization requests on the URL.
	Issuer3ID = "https://iss3.example.org"

	EHIC = "EHICCredential"
	PDA1 = "PDA1Credential"

	statementLifetimeSecs = 3600
)

var (
	EHICTrustMarkID = fmt.Sprintf(goid4vci.DefaultTrustMarkIDTemplate, EHIC)
	PDA1TrustMarkID = fmt.Sprintf(goid4vci.DefaultTrustMarkIDTemplate, PDA1)

	CredentialChoices = map[string]string{
		EHIC: "authentic_source=authentic_source_se&document_type=EHIC&collect_id=collect_id_10",
		PDA1: "authentic_source=authentic_source_dk&document_type=PDA1&collect_id=collect_id_20",
	}
)

type Federation struct {
	t        *testing.T
	mu       sync.RWMutex
	entities map[string]*Entity

	TrustAnchor     *Entity
	Intermediate    *Entity
	WalletProvider  *Entity
	TrustMarkIssuer *TrustMarkIssuer
	Issuers         map[string]*Issuer
}

// New builds the default federation.
func New(t *testing.T) *Federation {
	t.Helper()

	f := &Federation{
		t:        t,
		entities: map[string]*Entity{},
		Issuers:  map[string]*Issuer{},
	}

	f.TrustAnchor = f.newAuthority(TrustAnchorID)
	f.TrustAnchor.TrustMarkIssuers = map[string][]string{
		EHICTrustMarkID: {TrustMarkIssuerID},
		PDA1TrustMarkID: {TrustMarkIssuerID},
	}

	f.Intermediate = f.newAuthority(IntermediateID)
	f.Subordinate(f.TrustAnchor, f.Intermediate)

	f.TrustMarkIssuer = f.newTrustMarkIssuer()
	f.Subordinate(f.TrustAnchor, f.TrustMarkIssuer.Entity)

	f.WalletProvider = f.newWalletProvider()
	f.Subordinate(f.TrustAnchor, f.WalletProvider)

	iss1 := f.newIssuer(Issuer1ID, []string{EHIC}, true)
	iss1.TrustMarks = []goid4vci.TrustMarkEntry{{
		ID:        EHICTrustMarkID,
		TrustMark: f.TrustMarkIssuer.Issue(EHICTrustMarkID, Issuer1ID),
	}}
	f.Subordinate(f.TrustAnchor, iss1.Entity)
	f.TrustAnchor.Policies[Issuer1ID] = goid4vci.MetadataPolicy{
		goid4vci.EntityTypeAuthorizationServer: {
			"dpop_signing_alg_values_supported": {"subset_of": []any{"ES256", "ES384"}},
		},
	}

	iss2 := f.newIssuer(Issuer2ID, []string{EHIC}, false)
	f.Subordinate(f.TrustAnchor, iss2.Entity)

	iss3 := f.newIssuer(Issuer3ID, []string{PDA1}, false)
	iss3.TrustMarks = []goid4vci.TrustMarkEntry{{
		ID:        PDA1TrustMarkID,
		TrustMark: f.TrustMarkIssuer.Issue(PDA1TrustMarkID, Issuer3ID),
	}}
	f.Subordinate(f.Intermediate, iss3.Entity)

	return f
}

// Subordinate registers sub beneath authority.
func (f *Federation) Subordinate(authority, sub *Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	authority.Subordinates = append(authority.Subordinates, sub.ID)
	sub.AuthorityHints = append(sub.AuthorityHints, authority.ID)
}

func (f *Federation) Entity(id string) *Entity {
	f.mu.RLock()
	defer f.mu.RUnlock()

	u, err := url.Parse(id)
	if err != nil {
		return nil
	}
	return f.entities[u.Host]
}

func (f *Federation) Issuer(id string) *Issuer {
	return f.Issuers[id]
}

// RoundTrip serves the request with the entity the host belongs to.
func (f *Federation) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.RLock()
	entity, ok := f.entities[req.URL.Host]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fedtest: unknown host %s", req.URL.Host)
	}

	if req.Body != nil {
		defer req.Body.Close()
	}

	rec := httptest.NewRecorder()
	entity.mux.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Client returns an HTTP client reaching the federation. Redirects are not
// followed so authorization responses can be inspected.
func (f *Federation) Client() *http.Client {
	return &http.Client{
		Transport: f,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Configuration returns a wallet configuration trusting the anchor of the
// federation. The caller sets the resolver.
func (f *Federation) Configuration() *vci.Configuration {
	return &vci.Configuration{
		EntityID: WalletID,
		TrustAnchors: map[string]jose.JSONWebKeySet{
			TrustAnchorID: joseutil.PublicJWKS(f.TrustAnchor.Key),
		},
		TrustAnchorIDs:              []string{TrustAnchorID},
		FlowStates:                  storage.NewFlowStateManager(100),
		Keys:                        keyjar.New(),
		EphemeralKeys:               keyjar.NewEphemeralKeys(),
		HTTPClientFunc:              func(_ context.Context) *http.Client { return f.Client() },
		Logger:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		EntityStatementSigAlgs:      []jose.SignatureAlgorithm{jose.ES256},
		AttestationSigAlgs:          []jose.SignatureAlgorithm{jose.ES256},
		TrustChainMaxDepth:          goid4vci.DefaultTrustChainMaxDepth,
		ReverifyOnCredentialRequest: true,
		CheckTrustMarkStatus:        true,
		CredentialChoices:           CredentialChoices,
		FlowLifetimeSecs:            goid4vci.DefaultFlowLifetimeSecs,
		PKCEVerifierLength:          goid4vci.DefaultPKCEVerifierLength,
		DPoPSigAlg:                  jose.ES256,
	}
}

func (f *Federation) register(e *Entity) {
	u, err := url.Parse(e.ID)
	if err != nil {
		f.t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[u.Host] = e
}

func (f *Federation) newKey(kid string) jose.JSONWebKey {
	key, err := joseutil.NewES256Key(kid)
	if err != nil {
		f.t.Fatal(err)
	}
	return key
}
