package main

import (
	"fmt"

	"github.com/matst80/shadowtap/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and print the effective values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Redis.Password != "" {
			shown.Redis.Password = "<redacted>"
		}
		out, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s: ok\n%s", cfgFile, out)
		return nil
	},
}
