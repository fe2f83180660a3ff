/*
Copyright © 2024 Syncarcs
*/
package cmd

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"os"

	"github.com/Synarcs/Mesh-Interception-Dataplane/pkg/maps"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	podConfigFile  string
	annotationFile string
)

// podsCmd represents the pods command
var podsCmd = &cobra.Command{
	Use:   "pods",
	Short: "Lists the per pod interception config on the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodGet, "/pods", nil)
	},
}

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Sets or deletes the interception config of one pod",
}

var podSetCmd = &cobra.Command{
	Use:   "set -f pod.yaml",
	Short: "Writes the pod config read from a yaml file",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := readPodConfigSpec(podConfigFile)
		if err != nil {
			return err
		}
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodPut, "/pods", spec)
	},
}

var podDeleteCmd = &cobra.Command{
	Use:   "delete <pod-ip>",
	Short: "Removes the config of a pod, its traffic is no longer intercepted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := netip.ParseAddr(args[0])
		if err != nil || !addr.Is4() {
			return fmt.Errorf("pod ip %q is not ipv4", args[0])
		}
		path := "/pods?ip=" + url.QueryEscape(addr.String())
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodDelete, path, nil)
	},
}

var podAnnotateCmd = &cobra.Command{
	Use:   "annotate <pod-ip> -f annotations.yaml",
	Short: "Writes the pod config derived from the pod's mesh annotations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := podConfigSpecFromAnnotations(args[0], annotationFile)
		if err != nil {
			return err
		}
		return callAgent(GetMeshAgentRemoteSockClient(sockPath), cmd.OutOrStdout(), http.MethodPut, "/pods", spec)
	},
}

// podConfigSpecFromAnnotations reads a flat yaml map of pod annotations.
func podConfigSpecFromAnnotations(ip, path string) (*maps.PodConfigSpec, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("pod ip %q is not ipv4", ip)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	annotations := map[string]string{}
	if err := yaml.Unmarshal(raw, &annotations); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg := maps.PodConfigFromAnnotations(annotations)
	spec := cfg.Spec(addr)
	return &spec, nil
}

// readPodConfigSpec parses and validates the file before it is sent.
func readPodConfigSpec(path string) (*maps.PodConfigSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec maps.PodConfigSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if addr, err := netip.ParseAddr(spec.IP); err != nil || !addr.Is4() {
		return nil, fmt.Errorf("%s: pod ip %q is not ipv4", path, spec.IP)
	}
	if _, err := spec.PodConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &spec, nil
}

func init() {
	podSetCmd.Flags().StringVarP(&podConfigFile, "file", "f", "", "pod config yaml")
	podSetCmd.MarkFlagRequired("file")
	podAnnotateCmd.Flags().StringVarP(&annotationFile, "file", "f", "", "pod annotations yaml")
	podAnnotateCmd.MarkFlagRequired("file")
	podCmd.AddCommand(podSetCmd, podAnnotateCmd, podDeleteCmd)
	rootCmd.AddCommand(podsCmd, podCmd)
}
