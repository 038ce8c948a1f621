// Package issuer finds the credential issuers of the federation that qualify
// for a credential type.
//
// An issuer qualifies when its verified metadata lists the credential type
// and it holds a verified trust mark with the identifier required for the
// type. Issuers failing a check are logged and skipped. A single bad issuer
// never aborts the discovery.
package issuer

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/luikyv/go-oid4vci/internal/metrics"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/samber/lo"
)

// Discover returns every qualified issuer for the credential type sorted by
// entity identifier.
func Discover(ctx vci.Context, credentialType string) (issuers []goid4vci.CredentialIssuerCandidate, err error) {
	start := time.Now()
	defer func() { ctx.ObserveStep(metrics.StepDiscovery, start, err) }()

	anchorID, err := ctx.TrustAnchor()
	if err != nil {
		return nil, err
	}

	ids, err := ctx.Resolver.ListSubordinates(ctx, anchorID, goid4vci.EntityTypeCredentialIssuer)
	if err != nil {
		return nil, err
	}

	trustMarkID := ctx.TrustMarkID(credentialType)
	candidates := lo.FilterMap(ids, func(id string, _ int) (goid4vci.CredentialIssuerCandidate, bool) {
		return candidate(ctx, id, credentialType, trustMarkID)
	})

	slices.SortFunc(candidates, func(a, b goid4vci.CredentialIssuerCandidate) int {
		return strings.Compare(a.EntityID, b.EntityID)
	})

	if len(candidates) == 0 {
		return nil, goid4vci.ErrNoQualifiedIssuer
	}
	return candidates, nil
}

// Select returns the first qualified issuer.
func Select(ctx vci.Context, credentialType string) (goid4vci.CredentialIssuerCandidate, error) {
	candidates, err := Discover(ctx, credentialType)
	if err != nil {
		return goid4vci.CredentialIssuerCandidate{}, err
	}

	ctx.Logger.Info("credential issuer selected",
		slog.String("credential_type", credentialType),
		slog.String("issuer", candidates[0].EntityID),
		slog.Int("qualified", len(candidates)))
	return candidates[0], nil
}

func candidate(
	ctx vci.Context,
	id, credentialType, trustMarkID string,
) (
	goid4vci.CredentialIssuerCandidate,
	bool,
) {
	logger := ctx.Logger.With(slog.String("issuer", id))

	chain, err := ctx.Resolver.VerifyTrustChain(ctx, id)
	if err != nil {
		logger.Warn("rejecting credential issuer without a verified trust chain", slog.String("error", err.Error()))
		return goid4vci.CredentialIssuerCandidate{}, false
	}

	if !SupportsCredentialType(chain.Metadata, credentialType) {
		logger.Debug("credential issuer does not support the credential type",
			slog.String("credential_type", credentialType))
		return goid4vci.CredentialIssuerCandidate{}, false
	}

	c := goid4vci.CredentialIssuerCandidate{
		EntityID: id,
		Metadata: chain.Metadata,
	}
	// The listed id is not signed, so every mark is verified and matched on
	// the id it carries.
	for _, entry := range chain.Leaf().TrustMarks {
		tm, err := ctx.Resolver.VerifyTrustMark(ctx, entry.TrustMark, id, ctx.CheckTrustMarkStatus)
		if err != nil {
			logger.Warn("invalid trust mark", slog.String("trust_mark_id", entry.ID), slog.String("error", err.Error()))
			continue
		}
		c.TrustMarks = append(c.TrustMarks, tm)
	}

	if !c.HasTrustMark(trustMarkID) {
		logger.Debug("credential issuer lacks the required trust mark", slog.String("trust_mark_id", trustMarkID))
		return goid4vci.CredentialIssuerCandidate{}, false
	}

	return c, true
}

// SupportsCredentialType reports whether one of the credential
// configurations of the issuer metadata is for the credential type. A
// configuration matches on its vct or on its credential_definition.type.
func SupportsCredentialType(metadata goid4vci.Metadata, credentialType string) bool {
	var configurations []any
	switch c := metadata.Claim(goid4vci.EntityTypeCredentialIssuer, "credential_configurations_supported").(type) {
	case map[string]any:
		configurations = lo.Values(c)
	case []any:
		configurations = c
	default:
		return false
	}

	return slices.ContainsFunc(configurations, func(c any) bool {
		configuration, ok := c.(map[string]any)
		if !ok {
			return false
		}

		if configuration["vct"] == credentialType {
			return true
		}

		definition, ok := configuration["credential_definition"].(map[string]any)
		if !ok {
			return false
		}

		types, _ := definition["type"].([]any)
		return slices.Contains(types, any(credentialType))
	})
}
