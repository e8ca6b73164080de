package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"wacrm/internal/app"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Parse and validate a configuration file without starting anything.

Exit codes:
  0 - config is valid
  1 - config is invalid (details on stderr)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringP("config", "c", "./config.yaml", "path to config file (json or yaml)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := app.CheckConfig(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	gw := "not configured"
	if strings.TrimSpace(cfg.WhatsApp.BaseURL) != "" {
		gw = cfg.WhatsApp.BaseURL + " (" + cfg.WhatsApp.Instance + ")"
	}
	store := "disabled"
	if cfg.Storage != nil && cfg.Storage.Driver != "" {
		store = cfg.Storage.Driver
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = "default"
	}
	fmt.Fprintln(out, "Config is valid!")
	fmt.Fprintf(out, "  Gateway:  %s\n", gw)
	fmt.Fprintf(out, "  HTTP:     %s\n", addr)
	fmt.Fprintf(out, "  Storage:  %s\n", store)
	return nil
}
