/*
Copyright © 2024 Syncarcs
*/
package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

// cgroupsCmd represents the cgroups command
var cgroupsCmd = &cobra.Command{
	Use:   "cgroups",
	Short: "Lists the cgroup identities cached by the node agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodGet, "/cgroups", nil)
	},
}

// invalidateCmd represents the invalidate command
var invalidateCmd = &cobra.Command{
	Use:   "invalidate [cgroup-id]",
	Short: "Forces the node agent to resolve a cgroup identity again, all cgroups without an id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/cgroups"
		if len(args) == 1 {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid cgroup id %q", args[0])
			}
			path = fmt.Sprintf("/cgroups?id=%d", id)
		}
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodDelete, path, nil)
	},
}

func init() {
	rootCmd.AddCommand(cgroupsCmd)
	rootCmd.AddCommand(invalidateCmd)
}
