package wallet

import (
	"errors"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/strutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(w *Wallet) error

// WithTrustAnchor adds a trust anchor. When jwks is not empty the anchor
// configuration must be signed with one of its keys. The first anchor added
// is the one issuers are discovered beneath.
func WithTrustAnchor(id string, jwks jose.JSONWebKeySet) Option {
	return func(w *Wallet) error {
		id = strutil.TrimTrailingSlash(id)
		if id == "" {
			return errors.New("the trust anchor id cannot be empty")
		}

		if _, ok := w.config.TrustAnchors[id]; !ok {
			w.config.TrustAnchorIDs = append(w.config.TrustAnchorIDs, id)
		}
		w.config.TrustAnchors[id] = jwks
		return nil
	}
}

// WithFederationKeys defines the private keys the wallet entity
// configuration is signed with. The first key is used.
func WithFederationKeys(jwks jose.JSONWebKeySet) Option {
	return func(w *Wallet) error {
		w.config.FederationJWKS = jwks
		return nil
	}
}

func WithAuthorityHints(hints ...string) Option {
	return func(w *Wallet) error {
		w.config.AuthorityHints = hints
		return nil
	}
}

// WithFederationMetadata sets the metadata published by the wallet for the
// given entity type.
func WithFederationMetadata(entityType string, metadata map[string]any) Option {
	return func(w *Wallet) error {
		w.config.FederationMetadata[entityType] = metadata
		return nil
	}
}

// WithHTTPClientFunc replaces the client used for every outbound request.
// The default client times out after 14 seconds.
func WithHTTPClientFunc(f goid4vci.HTTPClientFunc) Option {
	return func(w *Wallet) error {
		w.config.HTTPClientFunc = f
		return nil
	}
}

// WithFlowStateManager replaces the default storage, which keeps flows in
// memory.
func WithFlowStateManager(manager goid4vci.FlowStateManager) Option {
	return func(w *Wallet) error {
		w.config.FlowStates = manager
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Wallet) error {
		w.config.Logger = logger
		return nil
	}
}

// WithTrustMarkIDFunc defines the trust mark a credential issuer must hold
// to be selected for a credential type.
func WithTrustMarkIDFunc(f goid4vci.TrustMarkIDFunc) Option {
	return func(w *Wallet) error {
		w.config.TrustMarkIDFunc = f
		return nil
	}
}

// WithCredentialChoices maps credential types to the issuer_state sent in
// the authorization requests for them.
func WithCredentialChoices(choices map[string]string) Option {
	return func(w *Wallet) error {
		w.config.CredentialChoices = choices
		return nil
	}
}

// WithJWTLifetime sets the lifetime of the client attestation proofs of
// possession.
func WithJWTLifetime(secs int) Option {
	return func(w *Wallet) error {
		if secs <= 0 {
			return errors.New("the jwt lifetime must be positive")
		}
		w.config.JWTLifetimeSecs = secs
		return nil
	}
}

func WithFlowLifetime(secs int) Option {
	return func(w *Wallet) error {
		w.config.FlowLifetimeSecs = secs
		return nil
	}
}

func WithTrustChainCacheTTL(ttl time.Duration) Option {
	return func(w *Wallet) error {
		w.config.TrustChainCacheTTL = ttl
		return nil
	}
}

// WithReverifyOnCredentialRequest controls whether the issuer trust chain
// is resolved again, instead of read from the cache, right before a
// credential is requested. It is enabled by default.
func WithReverifyOnCredentialRequest(reverify bool) Option {
	return func(w *Wallet) error {
		w.config.ReverifyOnCredentialRequest = reverify
		w.reverifySet = true
		return nil
	}
}

// WithTrustMarkStatusCheck controls whether discovery confirms trust marks
// with the status endpoint of their issuer. It is enabled by default.
func WithTrustMarkStatusCheck(check bool) Option {
	return func(w *Wallet) error {
		w.config.CheckTrustMarkStatus = check
		w.statusCheckSet = true
		return nil
	}
}

// WithMetrics registers the flow step collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(w *Wallet) error {
		collectors, err := metrics.New(reg)
		if err != nil {
			return err
		}
		w.config.Metrics = collectors
		return nil
	}
}

// WithKeyAlias makes the keys of issuerID available under alias as well.
// This serves issuers that sign credentials with an iss different from
// their entity identifier.
func WithKeyAlias(issuerID, alias string) Option {
	return func(w *Wallet) error {
		w.config.KeyAliases[issuerID] = append(w.config.KeyAliases[issuerID], alias)
		return nil
	}
}

func WithTrustChainMaxDepth(depth int) Option {
	return func(w *Wallet) error {
		if depth <= 0 {
			return errors.New("the trust chain max depth must be positive")
		}
		w.config.TrustChainMaxDepth = depth
		return nil
	}
}

// WithEntityStatementSigAlgs restricts the algorithms accepted for entity
// statements. The default is ES256, ES384, RS256 and PS256.
func WithEntityStatementSigAlgs(algs ...jose.SignatureAlgorithm) Option {
	return func(w *Wallet) error {
		w.config.EntityStatementSigAlgs = algs
		return nil
	}
}

// WithWalletAttestation sets the device evidence sent to the wallet
// provider. Empty values are sent as "__not__applicable__".
func WithWalletAttestation(hardwareSignature, integrityAssertion, hardwareKeyTag string) Option {
	return func(w *Wallet) error {
		w.config.WalletAttestation.HardwareSignature = hardwareSignature
		w.config.WalletAttestation.IntegrityAssertion = integrityAssertion
		w.config.WalletAttestation.HardwareKeyTag = hardwareKeyTag
		return nil
	}
}

// WithSessionCookie renames the cookie the HTTP handler keeps the user
// session in.
func WithSessionCookie(name string) Option {
	return func(w *Wallet) error {
		w.sessionCookie = name
		return nil
	}
}
