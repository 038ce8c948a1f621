package federation

import (
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/joseutil"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const entityConfigurationLifetimeSecs = 600

// NewEntityConfiguration signs the wallet's own entity configuration.
func NewEntityConfiguration(ctx vci.Context) (string, error) {
	if len(ctx.FederationJWKS.Keys) == 0 {
		return "", errors.New("no federation key configured")
	}

	now := timeutil.TimestampNow()
	statement := goid4vci.EntityStatement{
		Issuer:         ctx.EntityID,
		Subject:        ctx.EntityID,
		IssuedAt:       now,
		ExpiresAt:      now + entityConfigurationLifetimeSecs,
		JWKS:           publicJWKS(ctx.FederationJWKS),
		AuthorityHints: ctx.AuthorityHints,
		Metadata:       ctx.FederationMetadata,
	}

	ops := (&jose.SignerOptions{}).WithType(goid4vci.JWTTypeEntityStatement)
	return joseutil.Sign(statement, joseutil.SigningKey(ctx.FederationJWKS.Keys[0]), ops)
}

func HandleEntityConfiguration(config *vci.Configuration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := vci.NewContext(r.Context(), config)
		statement, err := NewEntityConfiguration(ctx)
		if err != nil {
			ctx.Logger.Error("could not sign the entity configuration", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", goid4vci.ContentTypeEntityStatementJWT)
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(statement))
	}
}
