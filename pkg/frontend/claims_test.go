package frontend

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCombineClaims(t *testing.T) {
	// When.
	claims := combineClaims(map[string][]string{
		"given_name": {"Erika", "Maria"},
		"address":    {"Heidestrasse 17", "Köln"},
		"email":      {},
	})

	// Then.
	want := map[string]any{
		"given_name": "Erika",
		"address":    []string{"Heidestrasse 17", "Köln"},
	}
	if diff := cmp.Diff(claims, want); diff != "" {
		t.Error(diff)
	}
}

func TestMergeQuery(t *testing.T) {
	// When.
	u, err := mergeQuery("https://rp.example.org/cb?state=old&origin=wallet", map[string][]string{
		"state": {"new"},
		"code":  {"random_code"},
	})

	// Then.
	if err != nil {
		t.Fatal(err)
	}

	want := "https://rp.example.org/cb?code=random_code&origin=wallet&state=new"
	if u != want {
		t.Errorf("got %s, want %s", u, want)
	}
}
