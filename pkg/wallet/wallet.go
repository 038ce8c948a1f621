package wallet

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/attestation"
	"github.com/luikyv/go-oid4vci/internal/authorize"
	"github.com/luikyv/go-oid4vci/internal/credential"
	"github.com/luikyv/go-oid4vci/internal/federation"
	"github.com/luikyv/go-oid4vci/internal/issuer"
	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/internal/token"
	"github.com/luikyv/go-oid4vci/internal/vci"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

type Wallet struct {
	config *vci.Configuration

	reverifySet    bool
	statusCheckSet bool
	sessionCookie  string
	sessions       *sessions
}

// New creates a wallet identified by entityID in the federation.
// By default flows are kept in memory, trust chains are cached for ten
// minutes and every trust chain is resolved again before a credential is
// requested. At least one trust anchor must be configured.
func New(entityID string, opts ...Option) (*Wallet, error) {
	w := &Wallet{
		config: &vci.Configuration{
			EntityID:           entityID,
			TrustAnchors:       map[string]jose.JSONWebKeySet{},
			KeyAliases:         map[string][]string{},
			FederationMetadata: goid4vci.Metadata{},
		},
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	if err := w.setDefaults(); err != nil {
		return nil, err
	}

	if err := w.validate(); err != nil {
		return nil, err
	}

	return w, nil
}

// StartFlow mints an ephemeral key, has it attested by the wallet provider
// and stores a new flow for it.
func (w *Wallet) StartFlow(ctx context.Context, walletProviderID string) (*goid4vci.FlowState, error) {
	vctx := vci.NewContext(ctx, w.config)
	key, err := attestation.MintKey(vctx)
	if err != nil {
		return nil, err
	}

	wia, err := attestation.RequestWalletInstanceAttestation(vctx, walletProviderID, key.KeyID)
	if err != nil {
		vctx.EphemeralKeys.Delete(key.KeyID)
		return nil, err
	}

	now := timeutil.TimestampNow()
	flow := &goid4vci.FlowState{
		EphemeralKeyTag:           key.KeyID,
		WalletProviderID:          walletProviderID,
		WalletInstanceAttestation: wia,
		CreatedAtTimestamp:        now,
		ExpiresAtTimestamp:        now + w.config.FlowLifetimeSecs,
	}
	if err := w.config.FlowStates.Save(ctx, flow); err != nil {
		vctx.EphemeralKeys.Delete(key.KeyID)
		return nil, err
	}

	vctx.Logger.Info("flow started", slog.String("key_tag", flow.EphemeralKeyTag),
		slog.String("wallet_provider", walletProviderID))
	return flow.Clone(), nil
}

func (w *Wallet) Flow(ctx context.Context, keyTag string) (*goid4vci.FlowState, error) {
	return w.config.FlowStates.FlowState(ctx, keyTag)
}

// TrustChain resolves and verifies the trust chain of any federation entity.
func (w *Wallet) TrustChain(ctx context.Context, entityID string) (goid4vci.TrustChain, error) {
	return w.config.Resolver.VerifyTrustChain(ctx, entityID)
}

// DiscoverIssuers lists the credential issuers qualified to issue
// credentialType, sorted by entity identifier.
func (w *Wallet) DiscoverIssuers(ctx context.Context, credentialType string) ([]goid4vci.CredentialIssuerCandidate, error) {
	return issuer.Discover(vci.NewContext(ctx, w.config), credentialType)
}

// SelectIssuer returns the first qualified issuer for credentialType.
func (w *Wallet) SelectIssuer(ctx context.Context, credentialType string) (goid4vci.CredentialIssuerCandidate, error) {
	return issuer.Select(vci.NewContext(ctx, w.config), credentialType)
}

// AuthorizationURL starts an authorization attempt for the flow at the
// issuer and returns where the user agent must be redirected to.
func (w *Wallet) AuthorizationURL(ctx context.Context, keyTag, issuerID, credentialType string) (string, error) {
	return authorize.NewRequest(vci.NewContext(ctx, w.config), keyTag, issuerID, credentialType)
}

// HandleCallback records the authorization response received at the
// callback URI of the issuer identified by issuerHash.
func (w *Wallet) HandleCallback(ctx context.Context, issuerHash string, params url.Values) (*goid4vci.FlowState, error) {
	return authorize.HandleCallback(vci.NewContext(ctx, w.config), issuerHash, params)
}

func (w *Wallet) ExchangeToken(ctx context.Context, keyTag string) (goid4vci.Token, error) {
	return token.Exchange(vci.NewContext(ctx, w.config), keyTag)
}

func (w *Wallet) RequestCredential(ctx context.Context, keyTag string) (goid4vci.CredentialResponse, error) {
	return credential.Request(vci.NewContext(ctx, w.config), keyTag)
}

// DecodeCredential verifies an SD-JWT credential issued by issuerID and
// returns its claims with every disclosure applied. The issuer keys are
// known once a credential was requested from it.
func (w *Wallet) DecodeCredential(ctx context.Context, issuerID, cred string) (map[string]any, error) {
	decoded, err := credential.Decode(vci.NewContext(ctx, w.config), issuerID, cred)
	if err != nil {
		return nil, err
	}
	return decoded.Claims, nil
}

// EndFlow forgets the flow and its ephemeral key.
func (w *Wallet) EndFlow(ctx context.Context, keyTag string) error {
	w.config.EphemeralKeys.Delete(keyTag)
	if err := w.config.FlowStates.Delete(ctx, keyTag); err != nil && !errors.Is(err, goid4vci.ErrFlowNotFound) {
		return err
	}
	return nil
}

// EntityConfiguration returns the signed entity configuration of the
// wallet.
func (w *Wallet) EntityConfiguration(ctx context.Context) (string, error) {
	return federation.NewEntityConfiguration(vci.NewContext(ctx, w.config))
}
