package federation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/luikyv/go-oid4vci/internal/fedtest"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
)

func TestVerifyTrustMark(t *testing.T) {
	// Given.
	f, _, resolver := setUp(t)
	trustMark := f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark

	// When.
	tm, err := resolver.VerifyTrustMark(context.Background(), trustMark, fedtest.Issuer1ID, true)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tm.ID != fedtest.EHICTrustMarkID {
		t.Errorf("ID = %s, want %s", tm.ID, fedtest.EHICTrustMarkID)
	}

	if tm.Issuer != fedtest.TrustMarkIssuerID {
		t.Errorf("Issuer = %s, want %s", tm.Issuer, fedtest.TrustMarkIssuerID)
	}

	if tm.Raw != trustMark {
		t.Error("the raw trust mark must be kept")
	}
}

func TestVerifyTrustMark_WrongSubject(t *testing.T) {
	// Given.
	f, _, resolver := setUp(t)
	trustMark := f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark

	// When.
	_, err := resolver.VerifyTrustMark(context.Background(), trustMark, fedtest.Issuer2ID, false)

	// Then.
	if !errors.Is(err, goid4vci.ErrTrustMarkVerification) {
		t.Errorf("got %v, want %v", err, goid4vci.ErrTrustMarkVerification)
	}
}

func TestVerifyTrustMark_Revoked(t *testing.T) {
	// Given.
	f, _, resolver := setUp(t)
	trustMark := f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark
	f.TrustMarkIssuer.Revoke(trustMark)

	// When.
	_, err := resolver.VerifyTrustMark(context.Background(), trustMark, fedtest.Issuer1ID, true)

	// Then.
	if !errors.Is(err, goid4vci.ErrTrustMarkVerification) {
		t.Errorf("got %v, want %v", err, goid4vci.ErrTrustMarkVerification)
	}

	if _, err := resolver.VerifyTrustMark(context.Background(), trustMark, fedtest.Issuer1ID, false); err != nil {
		t.Errorf("the signature of a revoked trust mark is still valid: %v", err)
	}
}

func TestVerifyTrustMark_IssuerNotAllowed(t *testing.T) {
	// Given.
	f, _, resolver := setUp(t)
	trustMark := f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark
	f.TrustAnchor.TrustMarkIssuers[fedtest.EHICTrustMarkID] = []string{"https://other-tmi.example.org"}

	// When.
	_, err := resolver.VerifyTrustMark(context.Background(), trustMark, fedtest.Issuer1ID, false)

	// Then.
	if !errors.Is(err, goid4vci.ErrTrustMarkVerification) {
		t.Errorf("got %v, want %v", err, goid4vci.ErrTrustMarkVerification)
	}
}

func TestVerifyTrustMark_Malformed(t *testing.T) {
	_, _, resolver := setUp(t)

	_, err := resolver.VerifyTrustMark(context.Background(), "not_a_jwt", fedtest.Issuer1ID, false)

	if !errors.Is(err, goid4vci.ErrTrustMarkVerification) {
		t.Errorf("got %v, want %v", err, goid4vci.ErrTrustMarkVerification)
	}
}

func TestVerifyTrustMark_NoStatusEndpoint(t *testing.T) {
	// Given.
	f, _, resolver := setUp(t)
	trustMark := f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark
	delete(f.TrustMarkIssuer.Metadata[goid4vci.EntityTypeFederationEntity], "federation_trust_mark_status_endpoint")

	// When.
	_, err := resolver.VerifyTrustMark(context.Background(), trustMark, fedtest.Issuer1ID, true)

	// Then.
	if err == nil {
		t.Error("the status cannot be confirmed without an endpoint")
	}
}
