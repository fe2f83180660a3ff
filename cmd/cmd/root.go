/*
Copyright © 2024 Syncarcs
*/
package cmd

import (
	"os"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/utils"
	"github.com/spf13/cobra"
)

var sockPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "meshctl",
	Short:         "CLI to interact with the mesh dataplane node agent local unix socket",
	Long:          "Inspect and adjust the mesh interception dataplane of a node: cached cgroup identities, per pod interception config and recorded original destinations",
	Version:       "0.0.1",
	SilenceErrors: false,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&sockPath, "socket", "s", utils.ADMIN_UNIX_SOCK_PATH, "node agent admin unix socket")
}
