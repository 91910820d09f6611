package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rhuss/sitehost/pkg/config"
	"github.com/rhuss/sitehost/pkg/server"
)

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := server.NewAuthenticator(cfg.Auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d site(s), listening on %s\n",
				len(cfg.Sites), cfg.Server.Addr)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	return cmd
}
