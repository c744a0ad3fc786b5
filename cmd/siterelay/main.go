// SiteRelay keeps remote sites replicated and polled.
//
// Usage:
//
//	siterelay daemon [--config <path>]                  # query manager + scheduled replications + API
//	siterelay sync --source A --destination B [--bidirectional] [--exclude id]...
//	siterelay sync --config-id <id>                     # one replication from the config file
//	siterelay sites list|add|detect|remove              # manage the site registry
//	siterelay version                                   # print version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags

	root := &cobra.Command{
		Use:           "siterelay",
		Short:         "Replicate data between remote sites and keep pollable sites watched",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to config.yaml (default ~/.config/siterelay/config.yaml)")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newDaemonCmd(&f))
	root.AddCommand(newSyncCmd(&f))
	root.AddCommand(newSitesCmd(&f))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "siterelay", version)
		},
	})
	return root
}
