package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/txcore/internal/version"
)

func newVersionCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the txcore version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if full {
				out, err := yaml.Marshal(version.Describe())
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print module, version and Go toolchain as YAML")
	return cmd
}
