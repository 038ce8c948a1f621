package wallet

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/luikyv/go-oid4vci/internal/federation"
	"github.com/luikyv/go-oid4vci/internal/keyjar"
	"github.com/luikyv/go-oid4vci/internal/storage"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

const (
	defaultFlowStorageMaxSize = 1000
	defaultTrustChainCacheTTL = 10 * time.Minute
	defaultSessionCookieName  = "wallet_session"
)

var defaultEntityStatementSigAlgs = []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.RS256, jose.PS256}

func (w *Wallet) setDefaults() error {
	c := w.config
	c.Logger = nonZeroOrDefault(c.Logger, slog.Default())
	c.FlowStates = nonZeroOrDefault[goid4vci.FlowStateManager](c.FlowStates,
		storage.NewFlowStateManager(defaultFlowStorageMaxSize))
	c.Keys = nonZeroOrDefault[goid4vci.KeyRegistry](c.Keys, keyjar.New())
	c.EphemeralKeys = nonZeroOrDefault(c.EphemeralKeys, keyjar.NewEphemeralKeys())
	c.EntityStatementSigAlgs = nonZeroOrDefault(c.EntityStatementSigAlgs, defaultEntityStatementSigAlgs)
	c.TrustMarkSigAlgs = nonZeroOrDefault(c.TrustMarkSigAlgs, c.EntityStatementSigAlgs)
	c.AttestationSigAlgs = nonZeroOrDefault(c.AttestationSigAlgs, c.EntityStatementSigAlgs)
	c.TrustChainMaxDepth = nonZeroOrDefault(c.TrustChainMaxDepth, goid4vci.DefaultTrustChainMaxDepth)
	c.TrustChainCacheTTL = nonZeroOrDefault(c.TrustChainCacheTTL, defaultTrustChainCacheTTL)
	c.FlowLifetimeSecs = nonZeroOrDefault(c.FlowLifetimeSecs, goid4vci.DefaultFlowLifetimeSecs)
	c.PKCEVerifierLength = nonZeroOrDefault(c.PKCEVerifierLength, goid4vci.DefaultPKCEVerifierLength)
	c.DPoPSigAlg = nonZeroOrDefault(c.DPoPSigAlg, jose.ES256)

	if !w.reverifySet {
		c.ReverifyOnCredentialRequest = true
	}
	if !w.statusCheckSet {
		c.CheckTrustMarkStatus = true
	}
	w.sessionCookie = nonZeroOrDefault(w.sessionCookie, defaultSessionCookieName)
	w.sessions = newSessions(time.Duration(c.FlowLifetimeSecs) * time.Second)

	if c.Resolver == nil {
		c.Resolver = federation.NewResolver(c)
	}
	return nil
}

func nonZeroOrDefault[T any](s T, defaultValue T) T {
	if reflect.ValueOf(&s).Elem().IsZero() {
		return defaultValue
	}
	return s
}
