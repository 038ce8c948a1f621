package main

import (
	"encoding/json"

	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newDiscoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <credential type>",
		Short: "Lists the issuers qualified to issue a credential type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			logger, err := cfg.Log.logger()
			if err != nil {
				return err
			}

			w, err := newWallet(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}

			candidates, err := w.DiscoverIssuers(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			type issuer struct {
				EntityID           string   `json:"entity_id"`
				CredentialEndpoint string   `json:"credential_endpoint,omitempty"`
				TrustMarks         []string `json:"trust_marks"`
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(lo.Map(candidates, func(c goid4vci.CredentialIssuerCandidate, _ int) issuer {
				return issuer{
					EntityID:           c.EntityID,
					CredentialEndpoint: c.Metadata.String(goid4vci.EntityTypeCredentialIssuer, "credential_endpoint"),
					TrustMarks: lo.Map(c.TrustMarks, func(tm goid4vci.TrustMark, _ int) string {
						return tm.ID
					}),
				}
			}))
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Prints the resolved config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			cfg.Storage.Redis.Password = redacted(cfg.Storage.Redis.Password)
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(cfg)
		},
	}
}

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
