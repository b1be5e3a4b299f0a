// Command creditd serves the credit ledger over HTTP and runs its periodic
// sweeps.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var (
		configFile string
		cfg        daemonConfig
	)
	v := viper.New()

	root := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit and entitlement ledger daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			loaded, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML, JSON or TOML config file")
	root.PersistentFlags().String("log_level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("catalog_file", "", "YAML tier catalog replacing the built-in one")

	serveCmd := newServeCmd(&cfg)
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().Bool("disable_scheduler", false, "Do not run sweeps in-process")

	root.AddCommand(serveCmd, newCatalogCmd(&cfg))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "creditd:", err)
		os.Exit(1)
	}
}
