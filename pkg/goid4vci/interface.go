package goid4vci

import (
	"context"
	"net/http"

	"github.com/go-jose/go-jose/v4"
)

// TrustResolver establishes trust in federation entities.
type TrustResolver interface {
	// VerifyTrustChain returns a verified chain from entityID to one of the
	// configured trust anchors. Implementations may serve it from a cache.
	VerifyTrustChain(ctx context.Context, entityID string) (TrustChain, error)
	// RefreshTrustChain resolves the chain again ignoring any cached value.
	RefreshTrustChain(ctx context.Context, entityID string) (TrustChain, error)
	// ListSubordinates returns the sorted identifiers of the verified
	// entities beneath the anchor whose metadata declares entityType.
	ListSubordinates(ctx context.Context, anchorID, entityType string) ([]string, error)
	// VerifyTrustMark verifies a signed trust mark issued to subject.
	VerifyTrustMark(ctx context.Context, trustMark, subject string, checkWithIssuer bool) (TrustMark, error)
}

// FlowStateManager persists flow states. Update must serialize concurrent
// modifications of the same flow.
type FlowStateManager interface {
	Save(ctx context.Context, flow *FlowState) error
	FlowState(ctx context.Context, keyTag string) (*FlowState, error)
	FlowStateByState(ctx context.Context, state string) (*FlowState, error)
	// FlowStateByIssuerHash returns any live flow whose authorization
	// request was sent to the issuer with the given callback hash.
	FlowStateByIssuerHash(ctx context.Context, issuerHash string) (*FlowState, error)
	Update(ctx context.Context, keyTag string, update func(*FlowState) error) error
	Delete(ctx context.Context, keyTag string) error
}

// KeyRegistry holds public keys of remote entities, scoped by the entity
// identifier.
type KeyRegistry interface {
	ImportJWKS(owner string, jwks jose.JSONWebKeySet)
	JWKS(owner string) jose.JSONWebKeySet
	// StoreUnderOtherID makes the keys of owner available under alias too.
	StoreUnderOtherID(owner, alias string)
}

type HTTPClientFunc func(ctx context.Context) *http.Client

// TrustMarkIDFunc returns the trust mark identifier a credential issuer
// must hold to be offered for the credential type.
type TrustMarkIDFunc func(credentialType string) string
