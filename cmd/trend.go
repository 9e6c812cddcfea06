package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/internal/utils"
	"github.com/sw33tLie/shelfsync/pkg/canon"
)

var trendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Show a competitor's daily price and stock for one product",
	RunE: func(cmd *cobra.Command, args []string) error {
		site, _ := cmd.Flags().GetString("site")
		name, _ := cmd.Flags().GetString("name")
		days, _ := cmd.Flags().GetInt("days")
		if name == "" {
			return errors.New("--name is required")
		}
		if days <= 0 {
			return errors.New("--days must be positive")
		}

		db, err := openDB(true)
		if err != nil {
			return err
		}
		defer db.Close()

		since := time.Now().UTC().AddDate(0, 0, -days)
		snaps, err := db.Trend(cmd.Context(), site, canon.Name(name), since)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots in that window.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DAY\tSITE\tLAST\tMIN\tMAX\tIN STOCK\tSAMPLES\t")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%d\t\n", s.Day, s.Site,
				utils.FormatMinor(s.LastPrice), utils.FormatMinor(s.MinPrice), utils.FormatMinor(s.MaxPrice), s.InStock, s.Samples)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(trendCmd)
	trendCmd.Flags().String("site", "", "Competitor site id (all sites when empty)")
	trendCmd.Flags().String("name", "", "Product name; canonicalized before lookup")
	trendCmd.Flags().Int("days", 30, "How many days back")
}
