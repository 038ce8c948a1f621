package vci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type Context struct {
	ctx context.Context
	*Configuration
}

func NewContext(ctx context.Context, config *Configuration) Context {
	if vctx, ok := ctx.(Context); ok {
		ctx = vctx.ctx
	}
	return Context{
		ctx:           ctx,
		Configuration: config,
	}
}

func (ctx Context) HTTPClient() *http.Client {
	if ctx.HTTPClientFunc == nil {
		return &http.Client{
			Timeout: goid4vci.DefaultHTTPClientTimeoutSecs * time.Second,
		}
	}

	return ctx.HTTPClientFunc(ctx.ctx)
}

// TrustAnchor returns the first configured trust anchor, the one discovery
// runs beneath.
func (ctx Context) TrustAnchor() (string, error) {
	if len(ctx.TrustAnchorIDs) == 0 {
		return "", errors.New("no trust anchor configured")
	}
	return ctx.TrustAnchorIDs[0], nil
}

func (ctx Context) IsTrustAnchor(id string) bool {
	_, ok := ctx.TrustAnchors[id]
	return ok
}

func (ctx Context) TrustMarkID(credentialType string) string {
	if ctx.TrustMarkIDFunc == nil {
		return fmt.Sprintf(goid4vci.DefaultTrustMarkIDTemplate, credentialType)
	}
	return ctx.TrustMarkIDFunc(credentialType)
}

func (ctx Context) IssuerState(credentialType string) string {
	return ctx.CredentialChoices[credentialType]
}

func (ctx Context) ClientAttestationLifetimeSecs() int {
	if ctx.JWTLifetimeSecs > 0 {
		return ctx.JWTLifetimeSecs
	}
	return goid4vci.DefaultClientAttestationLifetime
}

func (ctx Context) CallbackURI(issuerHash string) string {
	return ctx.EntityID + goid4vci.AuthorizationCallbackPathPrefix + issuerHash
}

func (ctx Context) ObserveStep(step string, start time.Time, err error) {
	ctx.Metrics.Observe(step, start, err)
}

//---------------------------------------- context.Context ----------------------------------------//

func (ctx Context) Context() context.Context {
	return ctx.ctx
}

func (ctx Context) Deadline() (deadline time.Time, ok bool) {
	return ctx.ctx.Deadline()
}

func (ctx Context) Done() <-chan struct{} {
	return ctx.ctx.Done()
}

func (ctx Context) Err() error {
	return ctx.ctx.Err()
}

func (ctx Context) Value(key any) any {
	return ctx.ctx.Value(key)
}
