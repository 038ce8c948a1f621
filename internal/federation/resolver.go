// Package federation establishes trust in OpenID Federation entities.
//
// Trust chains are resolved by walking the authority hints of an entity up to
// one of the configured trust anchors. Every entity configuration and
// subordinate statement on the way is verified, and the metadata policies of
// the chain are applied to the leaf metadata.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/patrickmn/go-cache"
)

type Resolver struct {
	config *vci.Configuration
	chains *cache.Cache
}

var _ goid4vci.TrustResolver = (*Resolver)(nil)

func NewResolver(config *vci.Configuration) *Resolver {
	ttl := config.TrustChainCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Resolver{
		config: config,
		chains: cache.New(ttl, 2*ttl),
	}
}

func (r *Resolver) VerifyTrustChain(ctx context.Context, entityID string) (goid4vci.TrustChain, error) {
	if cached, ok := r.chains.Get(entityID); ok {
		return cached.(goid4vci.TrustChain), nil
	}

	return r.RefreshTrustChain(ctx, entityID)
}

func (r *Resolver) RefreshTrustChain(ctx context.Context, entityID string) (goid4vci.TrustChain, error) {
	vctx := vci.NewContext(ctx, r.config)
	start := time.Now()

	chain, err := resolveTrustChain(vctx, entityID)
	vctx.ObserveStep(metrics.StepTrustChain, start, err)
	if err != nil {
		r.chains.Delete(entityID)
		return goid4vci.TrustChain{}, fmt.Errorf("%w: %w", goid4vci.ErrTrustVerification, err)
	}

	vctx.Logger.Debug("trust chain verified",
		slog.String("entity_id", entityID),
		slog.String("trust_anchor", chain.TrustAnchorID),
		slog.Int("length", len(chain.Statements)))
	r.chains.Set(entityID, chain, r.cacheTTL(chain))
	return chain, nil
}

// cacheTTL bounds the configured cache lifetime by the chain expiry.
func (r *Resolver) cacheTTL(chain goid4vci.TrustChain) time.Duration {
	ttl := time.Until(time.Unix(int64(chain.ExpiresAt), 0))
	if configured := r.config.TrustChainCacheTTL; configured > 0 && configured < ttl {
		ttl = configured
	}
	if ttl <= 0 {
		// A zero duration would mean the default expiration of the cache.
		ttl = time.Nanosecond
	}
	return ttl
}

func resolveTrustChain(ctx vci.Context, entityID string) (goid4vci.TrustChain, error) {
	entityConfig, err := fetchEntityConfiguration(ctx, entityID)
	if err != nil {
		return goid4vci.TrustChain{}, err
	}

	var statements []goid4vci.EntityStatement
	var anchorID string
	if ctx.IsTrustAnchor(entityID) {
		if err := verifyTrustAnchor(ctx, entityConfig); err != nil {
			return goid4vci.TrustChain{}, err
		}
		statements, anchorID = []goid4vci.EntityStatement{entityConfig}, entityID
	} else {
		superiors, id, err := resolveTrustChainBranches(ctx, entityConfig, []string{entityID})
		if err != nil {
			return goid4vci.TrustChain{}, err
		}
		statements, anchorID = append([]goid4vci.EntityStatement{entityConfig}, superiors...), id
	}

	metadata, err := applyChain(statements)
	if err != nil {
		return goid4vci.TrustChain{}, err
	}

	chain := goid4vci.TrustChain{
		EntityID:      entityID,
		TrustAnchorID: anchorID,
		Metadata:      metadata,
		Statements:    statements,
		ExpiresAt:     entityConfig.ExpiresAt,
	}
	for _, s := range statements {
		if !slices.Contains(chain.IssuerPath, s.Issuer) {
			chain.IssuerPath = append(chain.IssuerPath, s.Issuer)
		}
		if s.ExpiresAt < chain.ExpiresAt {
			chain.ExpiresAt = s.ExpiresAt
		}
	}
	return chain, nil
}

// resolveTrustChainBranches tries every authority hint of the entity and
// returns the first branch that reaches a trust anchor. visited holds the
// entities already on the path.
func resolveTrustChainBranches(
	ctx vci.Context,
	entityConfig goid4vci.EntityStatement,
	visited []string,
) (
	[]goid4vci.EntityStatement,
	string,
	error,
) {
	if len(entityConfig.AuthorityHints) == 0 {
		return nil, "", fmt.Errorf("could not resolve trust chain for entity %s: %w", entityConfig.Subject, ErrNoAuthorityHints)
	}

	var errs error
	for _, authorityID := range entityConfig.AuthorityHints {
		trustChain, anchorID, err := resolveTrustChainBranch(ctx, entityConfig, authorityID, visited)
		if err == nil {
			return trustChain, anchorID, nil
		}
		errs = errors.Join(errs, err)
	}

	return nil, "", fmt.Errorf("could not resolve trust chain for entity %s: %w", entityConfig.Subject, errs)
}

func resolveTrustChainBranch(
	ctx vci.Context,
	entityConfig goid4vci.EntityStatement,
	authorityID string,
	visited []string,
) (
	[]goid4vci.EntityStatement,
	string,
	error,
) {
	if slices.Contains(visited, authorityID) {
		return nil, "", ErrCircularDependency
	}

	if len(visited) >= maxDepth(ctx) {
		return nil, "", ErrMaxDepthReached
	}

	authorityConfig, err := fetchEntityConfiguration(ctx, authorityID)
	if err != nil {
		return nil, "", err
	}

	subordinateStatement, err := fetchSubordinateStatement(ctx, entityConfig.Subject, authorityConfig)
	if err != nil {
		return nil, "", err
	}

	// The entity configuration must be signed with a key its superior
	// vouches for.
	_, err = parseEntityConfiguration(ctx, entityConfig.Signed, entityConfig.Subject, subordinateStatement.JWKS)
	if err != nil {
		return nil, "", err
	}

	if ctx.IsTrustAnchor(authorityID) {
		if err := verifyTrustAnchor(ctx, authorityConfig); err != nil {
			return nil, "", err
		}
		return []goid4vci.EntityStatement{subordinateStatement, authorityConfig}, authorityID, nil
	}

	trustChain, anchorID, err := resolveTrustChainBranches(ctx, authorityConfig, append(slices.Clone(visited), authorityID))
	if err != nil {
		return nil, "", err
	}

	return append([]goid4vci.EntityStatement{subordinateStatement}, trustChain...), anchorID, nil
}

// verifyTrustAnchor checks the anchor configuration against the keys
// configured for it, if any.
func verifyTrustAnchor(ctx vci.Context, anchorConfig goid4vci.EntityStatement) error {
	jwks := ctx.TrustAnchors[anchorConfig.Subject]
	if len(jwks.Keys) == 0 {
		return nil
	}

	if _, err := parseEntityConfiguration(ctx, anchorConfig.Signed, anchorConfig.Subject, publicJWKS(jwks)); err != nil {
		return fmt.Errorf("the trust anchor configuration does not match the configured keys: %w", err)
	}
	return nil
}

func maxDepth(ctx vci.Context) int {
	if ctx.TrustChainMaxDepth <= 0 {
		return goid4vci.DefaultTrustChainMaxDepth
	}
	return ctx.TrustChainMaxDepth
}

func publicJWKS(jwks jose.JSONWebKeySet) jose.JSONWebKeySet {
	public := jose.JSONWebKeySet{}
	for _, key := range jwks.Keys {
		public.Keys = append(public.Keys, key.Public())
	}
	return public
}
