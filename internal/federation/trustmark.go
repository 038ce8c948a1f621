package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type trustMarkClaims struct {
	ID string `json:"id"`
	// TrustMarkID is the claim name used by newer federation drafts.
	TrustMarkID string `json:"trust_mark_id"`
	Issuer      string `json:"iss"`
	Subject     string `json:"sub"`
	IssuedAt    int    `json:"iat"`
	ExpiresAt   int    `json:"exp"`
}

func (c trustMarkClaims) id() string {
	if c.ID != "" {
		return c.ID
	}
	return c.TrustMarkID
}

func (r *Resolver) VerifyTrustMark(ctx context.Context, trustMark, subject string, checkWithIssuer bool) (goid4vci.TrustMark, error) {
	tm, err := r.verifyTrustMark(vci.NewContext(ctx, r.config), trustMark, subject, checkWithIssuer)
	if err != nil {
		return goid4vci.TrustMark{}, fmt.Errorf("%w: %w", goid4vci.ErrTrustMarkVerification, err)
	}
	return tm, nil
}

func (r *Resolver) verifyTrustMark(ctx vci.Context, trustMark, subject string, checkWithIssuer bool) (goid4vci.TrustMark, error) {
	algs := ctx.TrustMarkSigAlgs
	if len(algs) == 0 {
		algs = ctx.EntityStatementSigAlgs
	}

	parsed, err := joseutil.ParseSigned(trustMark, goid4vci.JWTTypeTrustMark, algs)
	if err != nil {
		return goid4vci.TrustMark{}, fmt.Errorf("invalid trust mark: %w", err)
	}

	var unsafeClaims trustMarkClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&unsafeClaims); err != nil {
		return goid4vci.TrustMark{}, fmt.Errorf("invalid trust mark: %w", err)
	}

	id := unsafeClaims.id()
	if id == "" {
		return goid4vci.TrustMark{}, errors.New("the trust mark has no identifier")
	}

	if err := r.checkTrustMarkIssuer(ctx, id, unsafeClaims.Issuer); err != nil {
		return goid4vci.TrustMark{}, err
	}

	issuerChain, err := r.VerifyTrustChain(ctx, unsafeClaims.Issuer)
	if err != nil {
		return goid4vci.TrustMark{}, fmt.Errorf("could not verify the trust mark issuer: %w", err)
	}

	var claims jwt.Claims
	var tmClaims trustMarkClaims
	if err := parsed.Claims(issuerChain.Leaf().JWKS, &claims, &tmClaims); err != nil {
		return goid4vci.TrustMark{}, fmt.Errorf("invalid trust mark signature: %w", err)
	}

	if claims.IssuedAt == nil {
		return goid4vci.TrustMark{}, errors.New("the trust mark has no 'iat' claim")
	}

	if err := claims.ValidateWithLeeway(jwt.Expected{
		Issuer:  unsafeClaims.Issuer,
		Subject: subject,
	}, time.Minute); err != nil {
		return goid4vci.TrustMark{}, fmt.Errorf("invalid trust mark: %w", err)
	}

	if checkWithIssuer {
		statusEndpoint := issuerChain.Metadata.String(goid4vci.EntityTypeFederationEntity, "federation_trust_mark_status_endpoint")
		if statusEndpoint == "" {
			return goid4vci.TrustMark{}, fmt.Errorf("the trust mark issuer %s has no status endpoint", unsafeClaims.Issuer)
		}
		if err := checkTrustMarkStatus(ctx, statusEndpoint, trustMark); err != nil {
			return goid4vci.TrustMark{}, err
		}
	}

	return goid4vci.TrustMark{
		ID:        tmClaims.id(),
		Issuer:    tmClaims.Issuer,
		Subject:   tmClaims.Subject,
		IssuedAt:  tmClaims.IssuedAt,
		ExpiresAt: tmClaims.ExpiresAt,
		Raw:       trustMark,
	}, nil
}

// checkTrustMarkIssuer verifies the issuer is allowed to issue the trust
// mark by the configured anchors. Anchors that do not constrain the mark
// allow any issuer.
func (r *Resolver) checkTrustMarkIssuer(ctx vci.Context, id, issuer string) error {
	for _, anchorID := range ctx.TrustAnchorIDs {
		anchorChain, err := r.VerifyTrustChain(ctx, anchorID)
		if err != nil {
			return fmt.Errorf("could not verify the trust anchor %s: %w", anchorID, err)
		}

		issuers, ok := anchorChain.Leaf().TrustMarkIssuers[id]
		if !ok {
			continue
		}

		if !slices.Contains(issuers, issuer) {
			return fmt.Errorf("%s is not allowed to issue the trust mark %s", issuer, id)
		}
	}
	return nil
}

func checkTrustMarkStatus(ctx vci.Context, statusEndpoint, trustMark string) error {
	form := url.Values{}
	form.Set("trust_mark", trustMark)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, statusEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", goid4vci.ContentTypeForm)

	resp, err := ctx.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: could not check the trust mark status: %w", goid4vci.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("checking the trust mark status resulted in status %d", resp.StatusCode)
	}

	var status struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("invalid trust mark status response: %w", err)
	}

	if !status.Active {
		return errors.New("the trust mark is not active")
	}
	return nil
}
