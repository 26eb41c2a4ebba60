package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/cdpdriver/common"
)

func getFramesCmd(c *rootCommand) *cobra.Command {
	nf := &navigateFlags{}

	framesCmd := &cobra.Command{
		Use:   "frames <url>",
		Short: "Print the frame tree of a page",
		Long: `Print the frame tree of a page.

The command loads the URL like goto and prints every frame of the page,
children indented below their parent.`,
		Args: exactArgsWithMsg(1, "arg should be the URL to navigate to"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.navigate(cmd.Context(), args[0], nf, func(n *navigation) error {
				printFrameTree(cmd.OutOrStdout(), c.console, n.page.MainFrame(), 0)
				return nil
			})
		},
	}
	framesCmd.Flags().AddFlagSet(nf.flagSet())

	return framesCmd
}

func printFrameTree(w io.Writer, con *console, f *common.Frame, depth int) {
	if f == nil {
		return
	}
	fprintf(w, "%s%s %s", indent(depth), f.ID(), con.highlight(f.URL()))
	if name := f.Name(); name != "" {
		fprintf(w, " (%s)", name)
	}
	fprintf(w, "\n")
	for _, child := range f.ChildFrames() {
		printFrameTree(w, con, child, depth+1)
	}
}
