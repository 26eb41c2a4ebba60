package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/liuxd6825/cdpdriver/common"
)

func getGotoCmd(c *rootCommand) *cobra.Command {
	nf := &navigateFlags{}
	var (
		printHeaders bool
		printMetrics bool
	)

	gotoCmd := &cobra.Command{
		Use:   "goto <url>",
		Short: "Navigate a new page to a URL",
		Long: `Navigate a new page to a URL.

The command opens a page in the connected browser, loads the URL, waits for
the requested lifecycle events and prints the main resource response.`,
		Example: `
  cdpctl goto --ws-url ws://127.0.0.1:9222/devtools/browser/<id> https://example.com

  # Only wait for the DOM to be ready
  cdpctl goto --wait-until domcontentloaded https://example.com`[1:],
		Args: exactArgsWithMsg(1, "arg should be the URL to navigate to"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.navigate(cmd.Context(), args[0], nf, func(n *navigation) error {
				w := cmd.OutOrStdout()
				printResponse(w, c.console, args[0], n.response, printHeaders)
				if !printMetrics {
					return nil
				}
				return writeMetrics(w, n.browser.Metrics())
			})
		},
	}

	flags := gotoCmd.Flags()
	flags.AddFlagSet(nf.flagSet())
	flags.BoolVar(&printHeaders, "headers", false, "print the response headers")
	flags.BoolVar(&printMetrics, "print-metrics", false, "print the driver metrics in the Prometheus text format")

	return gotoCmd
}

func printResponse(w io.Writer, con *console, url string, resp *common.Response, headers bool) {
	if resp == nil {
		fprintf(w, "navigated within the document to %s\n", con.highlight(url))
		return
	}

	status := fmt.Sprintf("%d %s", resp.Status(), resp.StatusText())
	fprintf(w, "%s %s\n", con.statusColor(resp.Ok(), status), con.highlight(resp.URL()))
	if !headers {
		return
	}
	names := make([]string, 0, len(resp.Headers()))
	for k := range resp.Headers() {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fprintf(w, "%s: %s\n", k, resp.Headers()[k])
	}
}

func writeMetrics(w io.Writer, m *common.Metrics) error {
	mfs, err := m.Registry().Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metrics: %w", err)
		}
	}
	return nil
}
