package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/samber/lo"
)

// ListSubordinates trawls the federation beneath the anchor. Intermediates
// are descended into and only entities with a verified chain are returned.
func (r *Resolver) ListSubordinates(ctx context.Context, anchorID, entityType string) ([]string, error) {
	anchorChain, err := r.VerifyTrustChain(ctx, anchorID)
	if err != nil {
		return nil, err
	}

	listEndpoint := anchorChain.Leaf().Metadata.String(goid4vci.EntityTypeFederationEntity, "federation_list_endpoint")
	if listEndpoint == "" {
		return nil, fmt.Errorf("the trust anchor %s has no list endpoint", anchorID)
	}

	vctx := vci.NewContext(ctx, r.config)
	visited := map[string]bool{anchorID: true}
	var found []string
	if err := r.trawl(vctx, listEndpoint, entityType, visited, &found, 1); err != nil {
		return nil, err
	}

	found = lo.Uniq(found)
	slices.Sort(found)
	return found, nil
}

func (r *Resolver) trawl(
	ctx vci.Context,
	listEndpoint, entityType string,
	visited map[string]bool,
	found *[]string,
	depth int,
) error {
	subordinates, err := fetchSubordinateList(ctx, listEndpoint)
	if err != nil {
		return err
	}

	for _, id := range subordinates {
		if visited[id] {
			continue
		}
		visited[id] = true

		chain, err := r.VerifyTrustChain(ctx, id)
		if err != nil {
			ctx.Logger.Debug("skipping subordinate without a verified trust chain",
				slog.String("entity_id", id), slog.String("error", err.Error()))
			continue
		}

		if chain.Metadata.Has(entityType) {
			*found = append(*found, id)
		}

		subListEndpoint := chain.Metadata.String(goid4vci.EntityTypeFederationEntity, "federation_list_endpoint")
		if subListEndpoint == "" || depth >= maxDepth(ctx) {
			continue
		}

		if err := r.trawl(ctx, subListEndpoint, entityType, visited, found, depth+1); err != nil {
			ctx.Logger.Debug("could not list the subordinates of an intermediate",
				slog.String("entity_id", id), slog.String("error", err.Error()))
		}
	}

	return nil
}

func fetchSubordinateList(ctx vci.Context, listEndpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listEndpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := ctx.HTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not list the subordinates at %s: %w", goid4vci.ErrNetwork, listEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing the subordinates at %s resulted in status %d", listEndpoint, resp.StatusCode)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("invalid subordinate listing at %s: %w", listEndpoint, err)
	}
	return ids, nil
}
