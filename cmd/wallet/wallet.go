package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/storage/mongodb"
	"github.com/luikyv/go-oid4vci/internal/storage/redis"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/luikyv/go-oid4vci/pkg/wallet"
	"github.com/prometheus/client_golang/prometheus"
)

// newWallet builds the wallet described by cfg. Metrics are registered on
// reg when it is not nil.
func newWallet(ctx context.Context, cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*wallet.Wallet, error) {
	opts := []wallet.Option{
		wallet.WithLogger(logger),
		wallet.WithCredentialChoices(cfg.CredentialChoices),
		wallet.WithTrustChainCacheTTL(cfg.TrustChain.CacheTTL),
		wallet.WithTrustChainMaxDepth(cfg.TrustChain.MaxDepth),
		wallet.WithTrustMarkStatusCheck(cfg.TrustMarkStatusCheck),
		wallet.WithReverifyOnCredentialRequest(cfg.Reverify),
		wallet.WithSessionCookie(cfg.HTTP.SessionCookie),
	}

	anchorJWKS := map[string]jose.JSONWebKeySet{}
	if cfg.TrustAnchorJWKSFile != "" {
		if err := readJSON(cfg.TrustAnchorJWKSFile, &anchorJWKS); err != nil {
			return nil, err
		}
	}
	for _, id := range cfg.TrustAnchors {
		opts = append(opts, wallet.WithTrustAnchor(id, anchorJWKS[id]))
	}

	if cfg.Federation.JWKSFile != "" {
		jwks, err := readJWKS(cfg.Federation.JWKSFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wallet.WithFederationKeys(jwks))
	}
	if len(cfg.Federation.AuthorityHints) != 0 {
		opts = append(opts, wallet.WithAuthorityHints(cfg.Federation.AuthorityHints...))
	}

	flows, err := newFlowStateManager(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if flows != nil {
		opts = append(opts, wallet.WithFlowStateManager(flows))
	}

	if reg != nil {
		opts = append(opts, wallet.WithMetrics(reg))
	}

	return wallet.New(cfg.EntityID, opts...)
}

// newFlowStateManager returns nil for the in memory storage, which is the
// wallet default.
func newFlowStateManager(ctx context.Context, cfg StorageConfig) (goid4vci.FlowStateManager, error) {
	switch cfg.Type {
	case storageRedis:
		manager, err := redis.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		return manager, nil
	case storageMongoDB:
		manager, err := mongodb.Connect(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database)
		if err != nil {
			return nil, fmt.Errorf("could not connect to mongodb: %w", err)
		}
		return manager, nil
	default:
		return nil, nil
	}
}
