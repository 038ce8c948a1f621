package federation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/strutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// fetchEntityConfiguration fetches an entity's configuration.
// The entity configuration is issued by an entity about itself.
func fetchEntityConfiguration(ctx vci.Context, id string) (goid4vci.EntityStatement, error) {
	uri := strutil.TrimTrailingSlash(id) + goid4vci.WellKnownOpenIDFederationPath
	signedStatement, err := fetchEntityStatement(ctx, uri)
	if err != nil {
		return goid4vci.EntityStatement{}, err
	}

	parsedStatement, err := jwt.ParseSigned(signedStatement, ctx.EntityStatementSigAlgs)
	if err != nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("could not parse the entity configuration of %s: %w", id, err)
	}

	var statement goid4vci.EntityStatement
	if err := parsedStatement.UnsafeClaimsWithoutVerification(&statement); err != nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("could not parse the entity configuration of %s: %w", id, err)
	}

	return parseEntityConfiguration(ctx, signedStatement, id, statement.JWKS)
}

// fetchSubordinateStatement fetches a subordinate statement.
// A subordinate statement is an entity statement issued by a superior authority
// about an immediate subordinate.
func fetchSubordinateStatement(
	ctx vci.Context,
	sub string,
	authority goid4vci.EntityStatement,
) (
	goid4vci.EntityStatement,
	error,
) {
	fetchEndpoint := authority.Metadata.String(goid4vci.EntityTypeFederationEntity, "federation_fetch_endpoint")
	if fetchEndpoint == "" {
		return goid4vci.EntityStatement{}, fmt.Errorf("the authority %s has no fetch endpoint", authority.Subject)
	}

	uri, err := url.Parse(fetchEndpoint)
	if err != nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("invalid fetch endpoint of %s: %w", authority.Subject, err)
	}
	params := uri.Query()
	params.Set("sub", sub)
	uri.RawQuery = params.Encode()

	signedStatement, err := fetchEntityStatement(ctx, uri.String())
	if err != nil {
		return goid4vci.EntityStatement{}, err
	}

	subStatement, err := parseEntityStatement(ctx, signedStatement, sub, authority.Subject, authority.JWKS)
	if err != nil {
		return goid4vci.EntityStatement{}, err
	}

	if len(subStatement.AuthorityHints) != 0 {
		return goid4vci.EntityStatement{}, errors.New("a subordinate statement must not have authority hints")
	}

	return subStatement, nil
}

func fetchEntityStatement(ctx vci.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}

	resp, err := ctx.HTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: could not fetch the entity statement at %s: %w", goid4vci.ErrNetwork, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching the entity statement at %s resulted in status %d", uri, resp.StatusCode)
	}

	if resp.Header.Get("Content-Type") != goid4vci.ContentTypeEntityStatementJWT {
		return "", fmt.Errorf("fetching the entity statement at %s resulted in content type %s which is invalid",
			uri, resp.Header.Get("Content-Type"))
	}

	signedStatement, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read the entity statement: %w", err)
	}

	return string(signedStatement), nil
}

func parseEntityConfiguration(
	ctx vci.Context,
	signedStatement, entityID string,
	jwks jose.JSONWebKeySet,
) (
	goid4vci.EntityStatement,
	error,
) {
	return parseEntityStatement(ctx, signedStatement, entityID, entityID, jwks)
}

func parseEntityStatement(
	ctx vci.Context,
	signedStatement, entityID, authorityID string,
	jwks jose.JSONWebKeySet,
) (
	goid4vci.EntityStatement,
	error,
) {
	parsedStatement, err := joseutil.ParseSigned(signedStatement, goid4vci.JWTTypeEntityStatement, ctx.EntityStatementSigAlgs)
	if err != nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("invalid entity statement about %s: %w", entityID, err)
	}

	var statement goid4vci.EntityStatement
	var claims jwt.Claims
	if err := parsedStatement.Claims(jwks, &claims, &statement); err != nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("invalid signature of the entity statement about %s: %w", entityID, err)
	}

	if claims.IssuedAt == nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("the entity statement about %s has no 'iat' claim", entityID)
	}

	if claims.Expiry == nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("the entity statement about %s has no 'exp' claim", entityID)
	}

	if err := claims.Validate(jwt.Expected{
		Issuer:  authorityID,
		Subject: entityID,
	}); err != nil {
		return goid4vci.EntityStatement{}, fmt.Errorf("invalid entity statement about %s: %w", entityID, err)
	}

	statement.Signed = signedStatement
	return statement, nil
}
