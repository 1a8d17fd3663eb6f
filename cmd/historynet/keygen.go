package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/historynet/pkg/identity"
	"github.com/WebFirstLanguage/historynet/pkg/node"
)

func keygenCommand(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the node identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(c.conf.Home, node.IdentityFileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("identity already exists at %s; use --force to replace it", path)
			}

			id, err := identity.GenerateIdentity()
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			if err := os.MkdirAll(c.conf.Home, 0700); err != nil {
				return fmt.Errorf("failed to create home directory: %w", err)
			}
			if err := id.SaveToFile(path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity saved to %s\n", path)
			fmt.Fprintf(out, "Node ID: %s\n", id.NodeIDHex())
			fmt.Fprintf(out, "Tag:     %s\n", id.Tag())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
