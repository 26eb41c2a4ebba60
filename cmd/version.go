package cmd

import (
	"github.com/spf13/cobra"
)

func getVersionCmd(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the connected browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			version, err := b.Version(cmd.Context())
			if err != nil {
				return &userFriendlyError{err}
			}
			ua, err := b.UserAgent(cmd.Context())
			if err != nil {
				return &userFriendlyError{err}
			}
			fprintf(cmd.OutOrStdout(), "browser %s\nuser agent %s\n", c.console.highlight(version), ua)
			return nil
		},
	}
}
