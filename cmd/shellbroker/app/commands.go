// Package app provides the entry point for the shellbroker command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shellbroker/shellbroker/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "shellbroker",
	DisableAutoGenTag: true,
	Short:             "shellbroker is a terminal session broker for hardened sandbox containers",
	Long: `shellbroker terminates websocket terminal connections and brokers each one
to its own hardened, disposable container: read-only root filesystem, all
capabilities dropped, restricted networking, seccomp and AppArmor confinement.

Authenticated sessions survive client drops for a configurable grace window
and can be resumed with the same credentials, replaying recent output.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		_ = viper.BindPFlag("debug", cmd.Root().PersistentFlags().Lookup("debug"))
		logger.Initialize()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the shellbroker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
