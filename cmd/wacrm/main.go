// Command wacrm runs the WhatsApp CRM messaging service.
//
// Usage:
//
//	wacrm serve -c config.yaml    # run the service
//	wacrm validate -c config.yaml # check a config file
//	wacrm version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "wacrm",
	Short: "WhatsApp bulk dispatch and inbound coalescing service",
	Long: `wacrm paces bulk WhatsApp sends through an Evolution API gateway and
coalesces bursts of inbound messages before handing them to a response
pipeline.

Quick start:
  1. Copy config.example.yaml to config.yaml and fill in whatsapp.*
  2. Run: wacrm validate -c config.yaml
  3. Run: wacrm serve -c config.yaml`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wacrm %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
