package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints row counts for the local database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(true)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "WHAT\tCOUNT\t")
		fmt.Fprintf(w, "catalog items\t%d\t\n", stats.CatalogItems)
		fmt.Fprintf(w, "reference records\t%d\t\n", stats.ReferenceRecords)
		fmt.Fprintf(w, "competitor rows\t%d\t\n", stats.CompetitorRows)
		fmt.Fprintf(w, "competitor sites\t%d\t\n", stats.CompetitorSites)
		for _, origin := range sortedKeys(stats.ActiveMappings) {
			fmt.Fprintf(w, "%s mappings\t%d\t\n", origin, stats.ActiveMappings[origin])
		}
		for _, status := range sortedKeys(stats.Plans) {
			fmt.Fprintf(w, "%s plans\t%d\t\n", status, stats.Plans[status])
		}
		fmt.Fprintf(w, "audit entries\t%d\t\n", stats.AuditEntries)

		w.Flush()

		return nil
	},
}

func sortedKeys[K ~string](m map[K]int) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
