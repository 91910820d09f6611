// Command sitehost serves the sites of a YAML configuration: static files,
// event streams and WebSocket channels behind one lifecycle.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitehost",
		Short: "Serve sites, event streams and WebSocket channels",
		Long: `sitehost hosts a table of sites on one or more ports.

Sites are declared in a YAML file given by --config, SITEHOST_CONFIG,
./sitehost.yaml or /etc/sitehost/sitehost.yaml. A site may serve a
directory of static files, accept event stream subscriptions or echo
WebSocket messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		validateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
