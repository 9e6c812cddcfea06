package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/pkg/storage"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the audit log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		planID, _ := cmd.Flags().GetString("plan")
		itemID, _ := cmd.Flags().GetString("item")
		op, _ := cmd.Flags().GetString("op")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := openDB(true)
		if err != nil {
			return err
		}
		defer db.Close()

		f := storage.AuditFilter{PlanID: planID, ItemID: itemID, Operation: storage.Operation(op), Limit: limit}
		if since > 0 {
			f.Since = time.Now().Add(-since)
		}
		entries, err := db.ListAudit(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTOR\tOPERATION\tPLAN\tITEM\tBEFORE\tAFTER\tRESULT\t")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
				e.OccurredAt.Local().Format("2006-01-02 15:04:05"), e.Actor, e.Operation, e.PlanID, e.ItemID, e.Before, e.After, e.Result)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("plan", "", "Only entries for this plan")
	auditCmd.Flags().String("item", "", "Only entries for this plan item (plan-id/seq)")
	auditCmd.Flags().String("op", "", "Only this operation (e.g. item.apply)")
	auditCmd.Flags().Duration("since", 0, "Only entries newer than this (e.g. 24h)")
	auditCmd.Flags().Int("limit", 50, "Maximum number of entries")
}
