// Package wallet orchestrates the issuance of verifiable credentials to a
// wallet that is a member of an OpenID Federation.
//
// A flow starts with an ephemeral key attested by a wallet provider. The
// wallet then discovers credential issuers beneath its trust anchor that
// support the wanted credential type and hold the required trust mark,
// authorizes at the selected issuer, redeems the authorization code and
// finally requests the credential.
//
//	w, err := wallet.New(
//		"https://wallet.example.org",
//		wallet.WithTrustAnchor("https://ta.example.org", anchorJWKS),
//	)
//	flow, err := w.StartFlow(ctx, "https://wp.example.org")
//	issuer, err := w.SelectIssuer(ctx, "EHICCredential")
//	redirectURL, err := w.AuthorizationURL(ctx, flow.EphemeralKeyTag, issuer.EntityID, "EHICCredential")
//
// Every step is also reachable over HTTP through [Wallet.Handler].
package wallet
