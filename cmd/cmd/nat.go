/*
Copyright © 2024 Syncarcs
*/
package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

// natCmd represents the nat command
var natCmd = &cobra.Command{
	Use:   "nat",
	Short: "Lists the original destinations recorded per connection 4-tuple",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodGet, "/nat", nil)
	},
}

func init() {
	rootCmd.AddCommand(natCmd)
}
