package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/internal/utils"
	"github.com/sw33tLie/shelfsync/pkg/engine"
	"github.com/sw33tLie/shelfsync/pkg/plan"
	"github.com/sw33tLie/shelfsync/pkg/storage"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build and inspect change plans",
	Long: `Plans are frozen batches of storefront changes. A new plan starts as a draft
and is only applied after it has been approved.`,
}

var planPriceCmd = &cobra.Command{
	Use:   "price",
	Short: "Plan price updates from the latest reference prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *engine.Engine) error {
			return reportPlan(e.BuildPricePlan(cmd.Context()))
		})
	},
}

var planSplitCmd = &cobra.Command{
	Use:   "split [item-id...]",
	Short: "Plan pack variants for box items",
	Long: `Plans a pack child for each given item, or for every standalone item with a
known units-per-box ratio when no ids are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *engine.Engine) error {
			return reportPlan(e.BuildSplitPlan(cmd.Context(), args))
		})
	},
}

var planRebalanceCmd = &cobra.Command{
	Use:   "rebalance [item-id...]",
	Short: "Plan a re-split of existing box/pack pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *engine.Engine) error {
			return reportPlan(e.BuildRebalancePlan(cmd.Context(), args))
		})
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Print a plan and the status of its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(true)
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := db.GetPlan(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printPlan(p)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		if kind != "" && !plan.Kind(kind).Valid() {
			return fmt.Errorf("unknown plan kind %q", kind)
		}

		db, err := openDB(true)
		if err != nil {
			return err
		}
		defer db.Close()

		plans, err := db.ListPlans(cmd.Context(), storage.PlanFilter{Status: plan.Status(status), Kind: plan.Kind(kind), Limit: limit})
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Println("No plans found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCREATED\tITEMS\tDONE\tFAILED\tSKIPPED\t")
		for _, p := range plans {
			c := p.Counts()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t\n", p.ID, p.Kind, p.Status, p.CreatedAt.Format("2006-01-02 15:04"), len(p.Items), c.Succeeded, c.Failed, c.Skipped)
		}
		return w.Flush()
	},
}

func reportPlan(res *engine.PlanResult, err error) error {
	if res != nil {
		for _, x := range res.Excluded {
			utils.Log.Warnf("Excluded %s: %s", x.ItemID, x.Reason)
		}
		if res.NoOps > 0 {
			utils.Log.Infof("%d items already match", res.NoOps)
		}
	}
	if errors.Is(err, plan.ErrEmptyPlan) {
		fmt.Println("Nothing to change; no plan created.")
		return nil
	}
	if err != nil {
		return err
	}
	printPlan(res.Plan)
	fmt.Printf("\nReview it, then run: shelfsync approve %s --actor <you>\n", res.Plan.ID)
	return nil
}

func printPlan(p *plan.Plan) {
	fmt.Printf("Plan %s (%s) is %s\n", p.ID, p.Kind, p.Status)
	if p.ApprovedBy != "" && p.ApprovedAt != nil {
		fmt.Printf("Approved by %s at %s\n", p.ApprovedBy, p.ApprovedAt.Format("2006-01-02 15:04:05"))
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SEQ\tITEM\tFIELD\tOLD\tNEW\tSTATUS\tREASON\t")
	for _, it := range p.Items {
		oldV, newV := fmt.Sprint(it.Old), fmt.Sprint(it.New)
		switch it.Field {
		case plan.FieldPrice:
			oldV, newV = utils.FormatMinor(it.Old), utils.FormatMinor(it.New)
		case plan.FieldVariant:
			oldV = "-"
			if it.Variant != nil {
				newV = fmt.Sprintf("%q x%d @ %s", it.Variant.Title, it.Variant.Inventory, utils.FormatMinor(it.Variant.Price))
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n", it.Seq, it.TargetID, it.Field, oldV, newV, it.Status, it.Reason)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planPriceCmd)
	planCmd.AddCommand(planSplitCmd)
	planCmd.AddCommand(planRebalanceCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planListCmd)

	planListCmd.Flags().String("status", "", "Only plans in this status")
	planListCmd.Flags().String("kind", "", "Only plans of this kind")
	planListCmd.Flags().Int("limit", 20, "Maximum number of plans")
}
