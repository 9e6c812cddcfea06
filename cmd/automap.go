package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/pkg/engine"
	"github.com/sw33tLie/shelfsync/pkg/matcher"
)

var automapCmd = &cobra.Command{
	Use:   "automap",
	Short: "Match unmapped scraped names onto catalog items",
	Long: `Scores every unmapped reference and competitor name against the catalog with
token Jaccard similarity and records the best match above matcher.threshold.
Manual mappings are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		actor, _ := cmd.Flags().GetString("actor")
		return withEngine(cmd, func(e *engine.Engine) error {
			sum, err := e.AutoMap(cmd.Context(), actor)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "SOURCE\tTOTAL\tMAPPED\tUNMATCHED\tFAILED\t")
			fmt.Fprintf(w, "reference\t%d\t%d\t%d\t%d\t\n", sum.Reference.Total, sum.Reference.Mapped, sum.Reference.Unmatched, sum.Reference.Failed)
			fmt.Fprintf(w, "competitor\t%d\t%d\t%d\t%d\t\n", sum.Competitor.Total, sum.Competitor.Mapped, sum.Competitor.Unmatched, sum.Competitor.Failed)
			w.Flush()
			if sum.Manual > 0 {
				fmt.Printf("%d manually mapped names left alone\n", sum.Manual)
			}
			if sum.AlreadyMapped > 0 {
				fmt.Printf("%d names kept their existing automatic mapping\n", sum.AlreadyMapped)
			}

			if verbose {
				printOutcomes(sum.Reference.Outcomes)
				printOutcomes(sum.Competitor.Outcomes)
			}
			return nil
		})
	},
}

func printOutcomes(outs []matcher.Outcome) {
	for _, o := range outs {
		switch {
		case o.Err != nil:
			fmt.Printf("%-40s ! %v\n", o.SourceKey, o.Err)
		case o.TargetKey == "":
			fmt.Printf("%-40s - %s\n", o.SourceKey, o.Status)
		default:
			fmt.Printf("%-40s -> %s (%.2f)\n", o.SourceKey, o.TargetKey, o.Score)
		}
	}
}

func init() {
	rootCmd.AddCommand(automapCmd)
	automapCmd.Flags().BoolP("verbose", "v", false, "Print every match decision")
	automapCmd.Flags().String("actor", "", "Actor recorded in the audit log")
}
