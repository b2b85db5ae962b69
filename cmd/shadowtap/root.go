package main

import (
	"fmt"
	"os"

	"github.com/matst80/shadowtap/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "shadowtap",
	Short: "Proxy incoming TCP traffic and mirror it to every configured upstream",
	Long: `shadowtap accepts TCP clients and copies every byte they send to all
configured upstreams. Only the first (primary) upstream answers the client;
responses from the other (shadow) upstreams are read and discarded.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRelay,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}
