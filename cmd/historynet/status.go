package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/historynet/pkg/control"
)

func statusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			network, addr := controlEndpoint(c.conf.ControlAddr)
			client, err := control.Dial(cmd.Context(), network, addr)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Node is not running")
				return nil
			}
			defer client.Close()

			var info struct {
				NodeID       string `json:"node_id"`
				Tag          string `json:"tag"`
				Addr         string `json:"addr"`
				State        string `json:"state"`
				RoutingTable int    `json:"routing_table"`
				Radius       string `json:"radius"`
				Bootstrapped bool   `json:"bootstrapped"`
			}
			if err := client.Call("nodeInfo", nil, &info); err != nil {
				return fmt.Errorf("status request failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node ID:       %s\n", info.NodeID)
			fmt.Fprintf(out, "Tag:           %s\n", info.Tag)
			fmt.Fprintf(out, "Address:       %s\n", info.Addr)
			fmt.Fprintf(out, "State:         %s\n", info.State)
			fmt.Fprintf(out, "Peers:         %d\n", info.RoutingTable)
			fmt.Fprintf(out, "Radius:        %s\n", info.Radius)
			fmt.Fprintf(out, "Bootstrapped:  %s\n", strconv.FormatBool(info.Bootstrapped))
			return nil
		},
	}
}
