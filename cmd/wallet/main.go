// Command wallet runs a federation wallet that obtains credentials from
// OpenID4VCI issuers.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "wallet",
		Short:         "Wallet obtaining verifiable credentials from issuers trusted through OpenID Federation.",
		SilenceUsage:  true,
	}
	root.PersistentFlags().String(configFileFlag, defaultConfigFile, "YAML config file")
	addFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand())
	root.AddCommand(newDiscoverCommand())
	root.AddCommand(newConfigCommand())
	return root
}

// addFlags registers a flag for the config keys worth overriding on the
// command line. Flag names are the config keys.
func addFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()
	flags.String("entityid", defaults.EntityID, "entity identifier of the wallet")
	flags.StringSlice("trustanchors", nil, "trusted anchor entity identifiers")
	flags.String("http.address", defaults.HTTP.Address, "address the HTTP server listens on")
	flags.String("storage.type", defaults.Storage.Type, "flow storage: memory, redis or mongodb")
	flags.String("log.level", defaults.Log.Level, "log level")
	flags.String("log.format", defaults.Log.Format, "log format: text or json")
	flags.Bool("metrics.enabled", defaults.Metrics.Enabled, "serve prometheus metrics")
}
