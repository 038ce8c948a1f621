package goid4vci

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/go-jose/go-jose/v4"
)

// Metadata maps an entity type to its metadata claims.
type Metadata map[string]map[string]any

func (m Metadata) Has(entityType string) bool {
	_, ok := m[entityType]
	return ok
}

func (m Metadata) Claim(entityType, claim string) any {
	return m[entityType][claim]
}

func (m Metadata) String(entityType, claim string) string {
	s, _ := m[entityType][claim].(string)
	return s
}

func (m Metadata) Bool(entityType, claim string) bool {
	b, _ := m[entityType][claim].(bool)
	return b
}

func (m Metadata) Strings(entityType, claim string) []string {
	switch v := m[entityType][claim].(type) {
	case []string:
		return v
	case []any:
		var values []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				values = append(values, s)
			}
		}
		return values
	default:
		return nil
	}
}

// JWKS decodes the "jwks" claim of the given entity type.
func (m Metadata) JWKS(entityType string) (jose.JSONWebKeySet, error) {
	raw, ok := m[entityType]["jwks"]
	if !ok {
		return jose.JSONWebKeySet{}, fmt.Errorf("no jwks in %s metadata", entityType)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(data, &jwks); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("invalid jwks in %s metadata: %w", entityType, err)
	}
	return jwks, nil
}

type MetadataPolicy map[string]map[string]map[string]any

type TrustMarkEntry struct {
	ID        string `json:"id"`
	TrustMark string `json:"trust_mark"`
}

// EntityStatement is a decoded entity configuration or subordinate
// statement.
type EntityStatement struct {
	Issuer           string              `json:"iss"`
	Subject          string              `json:"sub"`
	IssuedAt         int                 `json:"iat"`
	ExpiresAt        int                 `json:"exp"`
	JWKS             jose.JSONWebKeySet  `json:"jwks"`
	AuthorityHints   []string            `json:"authority_hints,omitempty"`
	Metadata         Metadata            `json:"metadata,omitempty"`
	MetadataPolicy   MetadataPolicy      `json:"metadata_policy,omitempty"`
	TrustMarks       []TrustMarkEntry    `json:"trust_marks,omitempty"`
	TrustMarkIssuers map[string][]string `json:"trust_mark_issuers,omitempty"`
	Signed           string              `json:"-"`
}

func (s EntityStatement) IsConfiguration() bool {
	return s.Issuer == s.Subject
}

// TrustChain is a verified path from an entity to a trust anchor.
type TrustChain struct {
	EntityID      string
	TrustAnchorID string
	// IssuerPath lists the entity identifiers from the leaf to the anchor.
	IssuerPath []string
	// Metadata is the leaf metadata after every policy in the chain was
	// applied.
	Metadata Metadata
	// Statements holds the leaf configuration first, then each subordinate
	// statement, then the anchor configuration.
	Statements []EntityStatement
	ExpiresAt  int
}

func (c TrustChain) Leaf() EntityStatement {
	if len(c.Statements) == 0 {
		return EntityStatement{}
	}
	return c.Statements[0]
}

func (c TrustChain) TrustAnchor() EntityStatement {
	if len(c.Statements) == 0 {
		return EntityStatement{}
	}
	return c.Statements[len(c.Statements)-1]
}

// Capabilities derives the endpoints and features the verified metadata
// of a credential issuer declares.
func (c TrustChain) Capabilities() IssuerCapabilities {
	caps := IssuerCapabilities{
		IssuerID:                    c.EntityID,
		AuthorizationEndpoint:       c.Metadata.String(EntityTypeAuthorizationServer, "authorization_endpoint"),
		PushedAuthorizationEndpoint: c.Metadata.String(EntityTypeAuthorizationServer, "pushed_authorization_request_endpoint"),
		PARIsRequired:               c.Metadata.Bool(EntityTypeAuthorizationServer, "require_pushed_authorization_requests"),
		TokenEndpoint:               c.Metadata.String(EntityTypeAuthorizationServer, "token_endpoint"),
		DPoPSigAlgs:                 c.Metadata.Strings(EntityTypeAuthorizationServer, "dpop_signing_alg_values_supported"),
		CodeChallengeMethods:        c.Metadata.Strings(EntityTypeAuthorizationServer, "code_challenge_methods_supported"),
		CredentialEndpoint:          c.Metadata.String(EntityTypeCredentialIssuer, "credential_endpoint"),
	}
	// Some issuers publish the authorization server endpoints inside their
	// credential issuer metadata.
	if caps.AuthorizationEndpoint == "" {
		caps.AuthorizationEndpoint = c.Metadata.String(EntityTypeCredentialIssuer, "authorization_endpoint")
	}
	if caps.PushedAuthorizationEndpoint == "" {
		caps.PushedAuthorizationEndpoint = c.Metadata.String(EntityTypeCredentialIssuer, "pushed_authorization_request_endpoint")
	}
	if caps.TokenEndpoint == "" {
		caps.TokenEndpoint = c.Metadata.String(EntityTypeCredentialIssuer, "token_endpoint")
	}
	return caps
}

type IssuerCapabilities struct {
	IssuerID                    string
	AuthorizationEndpoint       string
	PushedAuthorizationEndpoint string
	PARIsRequired               bool
	TokenEndpoint               string
	CredentialEndpoint          string
	DPoPSigAlgs                 []string
	CodeChallengeMethods        []string
}

func (c IssuerCapabilities) PushedAuthorization() bool {
	return c.PushedAuthorizationEndpoint != ""
}

func (c IssuerCapabilities) DPoP() bool {
	return len(c.DPoPSigAlgs) != 0
}

func (c IssuerCapabilities) SupportsDPoPAlg(alg string) bool {
	return slices.Contains(c.DPoPSigAlgs, alg)
}

// TrustMark holds the verified claims of a trust mark.
type TrustMark struct {
	ID        string `json:"id"`
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	IssuedAt  int    `json:"iat"`
	ExpiresAt int    `json:"exp,omitempty"`
	Raw       string `json:"-"`
}

// CredentialIssuerCandidate is a credential issuer found beneath a trust
// anchor together with the trust marks that could be verified for it.
type CredentialIssuerCandidate struct {
	EntityID   string
	Metadata   Metadata
	TrustMarks []TrustMark
}

func (c CredentialIssuerCandidate) HasTrustMark(id string) bool {
	return slices.ContainsFunc(c.TrustMarks, func(tm TrustMark) bool {
		return tm.ID == id
	})
}
