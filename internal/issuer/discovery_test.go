package issuer_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/luikyv/go-oid4vci/internal/fedtest"
	"github.com/luikyv/go-oid4vci/internal/issuer"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/samber/lo"
)

func TestDiscover(t *testing.T) {
	testCases := []struct {
		credentialType string
		want           []string
	}{
		{fedtest.EHIC, []string{fedtest.Issuer1ID}},
		{fedtest.PDA1, []string{fedtest.Issuer3ID}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.credentialType, func(t *testing.T) {
			// Given.
			f := fedtest.New(t)
			ctx := f.Context()

			// When.
			candidates, err := issuer.Discover(ctx, testCase.credentialType)

			// Then.
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(entityIDs(candidates), testCase.want); diff != "" {
				t.Error(diff)
			}

			if len(candidates[0].TrustMarks) != 1 {
				t.Fatalf("got %d trust marks, want 1", len(candidates[0].TrustMarks))
			}

			if !candidates[0].Metadata.Has(goid4vci.EntityTypeCredentialIssuer) {
				t.Error("the candidate must carry its credential issuer metadata")
			}
		})
	}
}

func TestDiscover_Idempotent(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	first, err := issuer.Discover(ctx, fedtest.EHIC)
	if err != nil {
		t.Fatal(err)
	}

	// When.
	second, err := issuer.Discover(ctx, fedtest.EHIC)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff(entityIDs(first), entityIDs(second)); diff != "" {
		t.Error(diff)
	}
}

func TestDiscover_SortedByEntityID(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	iss2 := f.Issuer(fedtest.Issuer2ID)
	iss2.TrustMarks = []goid4vci.TrustMarkEntry{{
		ID:        fedtest.EHICTrustMarkID,
		TrustMark: f.TrustMarkIssuer.Issue(fedtest.EHICTrustMarkID, fedtest.Issuer2ID),
	}}
	ctx := f.Context()

	// When.
	candidates, err := issuer.Discover(ctx, fedtest.EHIC)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff(entityIDs(candidates), []string{fedtest.Issuer1ID, fedtest.Issuer2ID}); diff != "" {
		t.Error(diff)
	}
}

func TestDiscover_RejectedTrustMarks(t *testing.T) {
	testCases := []struct {
		name  string
		setUp func(f *fedtest.Federation)
	}{
		{
			name: "revoked",
			setUp: func(f *fedtest.Federation) {
				f.TrustMarkIssuer.Revoke(f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark)
			},
		},
		{
			name: "issued to another entity",
			setUp: func(f *fedtest.Federation) {
				f.Issuer(fedtest.Issuer1ID).TrustMarks[0].TrustMark = f.TrustMarkIssuer.Issue(fedtest.EHICTrustMarkID, fedtest.Issuer2ID)
			},
		},
		{
			name: "issuer not recognized by the anchor",
			setUp: func(f *fedtest.Federation) {
				f.TrustAnchor.TrustMarkIssuers[fedtest.EHICTrustMarkID] = []string{fedtest.IntermediateID}
			},
		},
		{
			name: "other trust mark id",
			setUp: func(f *fedtest.Federation) {
				f.Issuer(fedtest.Issuer1ID).TrustMarks = []goid4vci.TrustMarkEntry{{
					ID:        fedtest.EHICTrustMarkID,
					TrustMark: f.TrustMarkIssuer.Issue(fedtest.PDA1TrustMarkID, fedtest.Issuer1ID),
				}}
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			// Given.
			f := fedtest.New(t)
			testCase.setUp(f)
			ctx := f.Context()

			// When.
			_, err := issuer.Discover(ctx, fedtest.EHIC)

			// Then.
			if !errors.Is(err, goid4vci.ErrNoQualifiedIssuer) {
				t.Errorf("err = %v, want %v", err, goid4vci.ErrNoQualifiedIssuer)
			}
		})
	}
}

func TestDiscover_MatchesSignedTrustMarkID(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	f.Issuer(fedtest.Issuer1ID).TrustMarks[0].ID = "stale_id"
	ctx := f.Context()

	// When.
	candidates, err := issuer.Discover(ctx, fedtest.EHIC)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff(entityIDs(candidates), []string{fedtest.Issuer1ID}); diff != "" {
		t.Error(diff)
	}
}

func TestDiscover_UnsupportedCredentialType(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()

	// When.
	_, err := issuer.Discover(ctx, "DiplomaCredential")

	// Then.
	if !errors.Is(err, goid4vci.ErrNoQualifiedIssuer) {
		t.Errorf("err = %v, want %v", err, goid4vci.ErrNoQualifiedIssuer)
	}
}

func TestDiscover_CustomTrustMarkID(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()
	ctx.TrustMarkIDFunc = func(string) string {
		return fedtest.PDA1TrustMarkID
	}
	f.Issuer(fedtest.Issuer1ID).TrustMarks = []goid4vci.TrustMarkEntry{{
		ID:        fedtest.PDA1TrustMarkID,
		TrustMark: f.TrustMarkIssuer.Issue(fedtest.PDA1TrustMarkID, fedtest.Issuer1ID),
	}}

	// When.
	candidates, err := issuer.Discover(ctx, fedtest.EHIC)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff(entityIDs(candidates), []string{fedtest.Issuer1ID}); diff != "" {
		t.Error(diff)
	}
}

func TestSelect(t *testing.T) {
	// Given.
	f := fedtest.New(t)
	ctx := f.Context()

	// When.
	c, err := issuer.Select(ctx, fedtest.EHIC)

	// Then.
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.EntityID != fedtest.Issuer1ID {
		t.Errorf("EntityID = %s, want %s", c.EntityID, fedtest.Issuer1ID)
	}

	if !c.HasTrustMark(fedtest.EHICTrustMarkID) {
		t.Error("the selected issuer must hold the trust mark")
	}
}

func TestSupportsCredentialType(t *testing.T) {
	testCases := []struct {
		name           string
		configurations any
		want           bool
	}{
		{
			name: "vct",
			configurations: map[string]any{
				"ehic": map[string]any{"vct": "EHICCredential"},
			},
			want: true,
		},
		{
			name: "credential definition",
			configurations: map[string]any{
				"ehic": map[string]any{
					"credential_definition": map[string]any{"type": []any{"VerifiableCredential", "EHICCredential"}},
				},
			},
			want: true,
		},
		{
			name: "list",
			configurations: []any{
				map[string]any{"vct": "PDA1Credential"},
				map[string]any{"vct": "EHICCredential"},
			},
			want: true,
		},
		{
			name: "other type",
			configurations: map[string]any{
				"pda1": map[string]any{"vct": "PDA1Credential"},
			},
			want: false,
		},
		{
			name:           "malformed",
			configurations: "EHICCredential",
			want:           false,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			metadata := goid4vci.Metadata{
				goid4vci.EntityTypeCredentialIssuer: {
					"credential_configurations_supported": testCase.configurations,
				},
			}

			if got := issuer.SupportsCredentialType(metadata, "EHICCredential"); got != testCase.want {
				t.Errorf("SupportsCredentialType() = %t, want %t", got, testCase.want)
			}
		})
	}
}

func entityIDs(candidates []goid4vci.CredentialIssuerCandidate) []string {
	return lo.Map(candidates, func(c goid4vci.CredentialIssuerCandidate, _ int) string {
		return c.EntityID
	})
}
