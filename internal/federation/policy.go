package federation

import (
	"fmt"
	"maps"

	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// metadataPolicy holds parsed operators indexed by entity type and claim.
type metadataPolicy map[string]map[string]operators

func parseMetadataPolicy(raw goid4vci.MetadataPolicy) (metadataPolicy, error) {
	policy := metadataPolicy{}
	for entityType, claims := range raw {
		policy[entityType] = map[string]operators{}
		for claim, rawOps := range claims {
			ops, err := parseOperators(rawOps)
			if err != nil {
				return nil, fmt.Errorf("invalid policy for %s.%s: %w", entityType, claim, err)
			}
			policy[entityType][claim] = ops
		}
	}
	return policy, nil
}

// merge combines a superior policy with the policy of its subordinate.
func (high metadataPolicy) merge(low metadataPolicy) (metadataPolicy, error) {
	if high == nil {
		return low, nil
	}

	merged := metadataPolicy{}
	for entityType, claims := range high {
		merged[entityType] = maps.Clone(claims)
	}

	for entityType, lowClaims := range low {
		if merged[entityType] == nil {
			merged[entityType] = map[string]operators{}
		}
		for claim, lowOps := range lowClaims {
			highOps, ok := merged[entityType][claim]
			if !ok {
				merged[entityType][claim] = lowOps
				continue
			}

			ops, err := highOps.merge(lowOps)
			if err != nil {
				return nil, fmt.Errorf("could not merge the policies for %s.%s: %w", entityType, claim, err)
			}
			merged[entityType][claim] = ops
		}
	}

	return merged, nil
}

// apply runs the policy over a copy of the metadata. Only the entity types
// present in the metadata are affected.
func (p metadataPolicy) apply(metadata goid4vci.Metadata) (goid4vci.Metadata, error) {
	result := goid4vci.Metadata{}
	for entityType, claims := range metadata {
		result[entityType] = maps.Clone(claims)
	}

	for entityType, claimPolicies := range p {
		claims, ok := result[entityType]
		if !ok {
			continue
		}

		for claim, ops := range claimPolicies {
			value, present := claims[claim]
			value, present, err := ops.apply(value, present)
			if err != nil {
				return nil, fmt.Errorf("policy for %s.%s: %w", entityType, claim, err)
			}

			if present {
				claims[claim] = value
			} else {
				delete(claims, claim)
			}
		}
	}

	return result, nil
}

// applyChain resolves the final leaf metadata. The immediate superior may
// override leaf values with the metadata of its subordinate statement, then
// every policy in the chain is merged from the anchor down and applied.
func applyChain(statements []goid4vci.EntityStatement) (goid4vci.Metadata, error) {
	leaf := statements[0]
	metadata := goid4vci.Metadata{}
	for entityType, claims := range leaf.Metadata {
		metadata[entityType] = maps.Clone(claims)
	}

	if len(statements) > 1 {
		for entityType, claims := range statements[1].Metadata {
			if metadata[entityType] == nil {
				metadata[entityType] = map[string]any{}
			}
			maps.Copy(metadata[entityType], claims)
		}
	}

	var policy metadataPolicy
	// Subordinate statements sit between the leaf and the anchor
	// configuration, with the one closest to the anchor last.
	for i := len(statements) - 2; i >= 1; i-- {
		if statements[i].MetadataPolicy == nil {
			continue
		}

		low, err := parseMetadataPolicy(statements[i].MetadataPolicy)
		if err != nil {
			return nil, err
		}

		policy, err = policy.merge(low)
		if err != nil {
			return nil, err
		}
	}

	return policy.apply(metadata)
}
