package vci

import (
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/keyjar"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type Configuration struct {
	// EntityID is the wallet entity identifier. Callback URIs are built
	// under it.
	EntityID string
	// TrustAnchors maps each trusted anchor to the keys its configuration
	// must be signed with. An empty key set means the anchor configuration
	// is trusted based on its self signature.
	TrustAnchors map[string]jose.JSONWebKeySet
	// TrustAnchorIDs keeps the anchors in the order they were configured.
	TrustAnchorIDs []string
	// AuthorityHints are published in the wallet entity configuration.
	AuthorityHints []string
	// FederationJWKS holds the private keys the wallet signs its entity
	// configuration with.
	FederationJWKS     jose.JSONWebKeySet
	FederationMetadata goid4vci.Metadata

	Resolver      goid4vci.TrustResolver
	FlowStates    goid4vci.FlowStateManager
	Keys          goid4vci.KeyRegistry
	EphemeralKeys *keyjar.EphemeralKeys
	Metrics       *metrics.Collectors

	HTTPClientFunc goid4vci.HTTPClientFunc
	Logger         *slog.Logger

	EntityStatementSigAlgs []jose.SignatureAlgorithm
	TrustMarkSigAlgs       []jose.SignatureAlgorithm
	AttestationSigAlgs     []jose.SignatureAlgorithm
	TrustChainMaxDepth     int
	TrustChainCacheTTL     time.Duration
	// ReverifyOnCredentialRequest makes the credential step resolve the
	// issuer trust chain again instead of using a cached one.
	ReverifyOnCredentialRequest bool
	// CheckTrustMarkStatus makes discovery confirm every trust mark with
	// its issuer status endpoint.
	CheckTrustMarkStatus bool

	TrustMarkIDFunc goid4vci.TrustMarkIDFunc
	// CredentialChoices maps a credential type to the issuer_state sent in
	// authorization requests for it.
	CredentialChoices map[string]string
	// KeyAliases lists other identifiers an issuer's keys must be available
	// under, indexed by issuer id.
	KeyAliases map[string][]string

	// JWTLifetimeSecs overrides the lifetime of the client attestation
	// proof of possession when positive.
	JWTLifetimeSecs    int
	FlowLifetimeSecs   int
	PKCEVerifierLength int
	DPoPSigAlg         jose.SignatureAlgorithm

	// WalletAttestation holds the device claims sent to the wallet
	// provider.
	WalletAttestation WalletAttestationOptions
}

type WalletAttestationOptions struct {
	HardwareSignature  string
	IntegrityAssertion string
	HardwareKeyTag     string
	VPFormatsSupported map[string]any
	LifetimeSecs       int
}
