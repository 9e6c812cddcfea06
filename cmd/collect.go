package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/pkg/collect"
	"github.com/sw33tLie/shelfsync/pkg/engine"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Scrape the configured reference and competitor sites",
	Long: `Runs every configured site collector (or only those given with --site) and
stores what they return. A site whose run fails stores nothing for that run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sites, _ := cmd.Flags().GetStringSlice("site")
		return withEngine(cmd, func(e *engine.Engine) error {
			if len(e.Sites) == 0 {
				return errors.New("no sites configured; add a sites list to the config file")
			}
			results, err := e.Collect(cmd.Context(), sites...)
			if err != nil {
				return err
			}
			printRuns(results)
			if n := countFailed(results); n > 0 {
				return fmt.Errorf("%d of %d sites did not store records", n, len(results))
			}
			return nil
		})
	},
}

func countFailed(results []collect.SiteResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil && r.Stored == 0 {
			n++
		}
	}
	return n
}

func printRuns(results []collect.SiteResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SITE\tROLE\tSTATUS\tFETCHED\tSTORED\tMALFORMED\tERROR\t")
	for _, r := range results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t\n", r.Site, r.Role, r.Status, r.Fetched, r.Stored, r.Malformed, msg)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringSlice("site", nil, "Only collect these site ids (repeatable)")
}
