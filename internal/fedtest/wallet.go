package fedtest

import (
	"context"
	"net/url"

	"github.com/luikyv/go-oid4vci/internal/attestation"
	"github.com/luikyv/go-oid4vci/internal/federation"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

// Context returns a wallet context trusting the anchor of the federation.
func (f *Federation) Context() vci.Context {
	config := f.Configuration()
	config.Resolver = federation.NewResolver(config)
	return vci.NewContext(context.Background(), config)
}

// NewFlow starts a flow with a key attested by the wallet provider of the
// federation.
func (f *Federation) NewFlow(ctx vci.Context) *goid4vci.FlowState {
	f.t.Helper()

	key, err := attestation.MintKey(ctx)
	if err != nil {
		f.t.Fatal(err)
	}

	wia, err := attestation.RequestWalletInstanceAttestation(ctx, WalletProviderID, key.KeyID)
	if err != nil {
		f.t.Fatal(err)
	}

	now := timeutil.TimestampNow()
	flow := &goid4vci.FlowState{
		EphemeralKeyTag:           key.KeyID,
		WalletProviderID:          WalletProviderID,
		WalletInstanceAttestation: wia,
		CreatedAtTimestamp:        now,
		ExpiresAtTimestamp:        now + goid4vci.DefaultFlowLifetimeSecs,
	}
	if err := ctx.FlowStates.Save(ctx, flow); err != nil {
		f.t.Fatal(err)
	}
	return flow
}

// Authorize follows the authorization redirect and returns the parameters
// the issuer sent back to the redirect URI.
func (f *Federation) Authorize(redirectURL string) url.Values {
	f.t.Helper()

	resp, err := f.Client().Get(redirectURL)
	if err != nil {
		f.t.Fatal(err)
	}
	defer resp.Body.Close()

	location, err := resp.Location()
	if err != nil {
		f.t.Fatalf("the issuer did not redirect back, status %d: %v", resp.StatusCode, err)
	}
	return location.Query()
}
