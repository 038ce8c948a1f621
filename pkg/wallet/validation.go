package wallet

import (
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/go-jose/go-jose/v4"
)

func (w *Wallet) validate() error {
	return runValidations(
		w,
		validateEntityID,
		validateTrustAnchors,
		validateFederationKeys,
		validateLifetimes,
	)
}

func runValidations(w *Wallet, validators ...func(*Wallet) error) error {
	for _, validator := range validators {
		if err := validator(w); err != nil {
			return err
		}
	}
	return nil
}

func validateEntityID(w *Wallet) error {
	u, err := url.Parse(w.config.EntityID)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("the entity id must be an absolute url, got %q", w.config.EntityID)
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("the entity id must not contain query or fragment components")
	}
	return nil
}

func validateTrustAnchors(w *Wallet) error {
	if len(w.config.TrustAnchorIDs) == 0 {
		return errors.New("at least one trust anchor must be configured")
	}
	return nil
}

func validateFederationKeys(w *Wallet) error {
	if slices.ContainsFunc(w.config.FederationJWKS.Keys, func(key jose.JSONWebKey) bool {
		return key.IsPublic()
	}) {
		return errors.New("the federation keys must be private")
	}
	return nil
}

func validateLifetimes(w *Wallet) error {
	if w.config.FlowLifetimeSecs < 0 || w.config.JWTLifetimeSecs < 0 {
		return errors.New("lifetimes cannot be negative")
	}
	return nil
}
