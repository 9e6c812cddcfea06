package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/pkg/apply"
	"github.com/sw33tLie/shelfsync/pkg/engine"
	"github.com/sw33tLie/shelfsync/pkg/plan"
)

var approveCmd = &cobra.Command{
	Use:   "approve <plan-id>",
	Short: "Approve a draft plan so it can be applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		if actor == "" {
			return errors.New("--actor is required")
		}
		return withEngine(cmd, func(e *engine.Engine) error {
			if err := e.Approve(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Printf("Plan %s approved by %s\n", args[0], actor)
			return nil
		})
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <plan-id>",
	Short: "Push an approved plan to the storefront",
	Long: `Applies each pending item of an approved plan in order. Transient storefront
errors are retried with backoff. An interrupted or partially applied plan can be
picked up again with --resume; items already done are never sent twice.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("resume")
		return withEngine(cmd, func(e *engine.Engine) error {
			if resume {
				return reportApply(cmd, e)(e.Resume(cmd.Context(), args[0]))
			}
			return reportApply(cmd, e)(e.Apply(cmd.Context(), args[0]))
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <plan-id>",
	Short: "Take over a plan left in applying by a run that died",
	Long: `Moves a plan stuck in applying back to partially-applied and applies its
pending items. The plan must not have recorded any progress for --stale-after,
so a run that is still going is never taken over. The takeover is written to the
audit log under --actor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		staleAfter, _ := cmd.Flags().GetDuration("stale-after")
		if actor == "" {
			return errors.New("--actor is required")
		}
		return withEngine(cmd, func(e *engine.Engine) error {
			return reportApply(cmd, e)(e.Recover(cmd.Context(), args[0], actor, staleAfter))
		})
	},
}

func reportApply(cmd *cobra.Command, e *engine.Engine) func(*apply.Report, error) error {
	return func(rep *apply.Report, err error) error {
		if rep != nil {
			if p, gerr := e.DB.GetPlan(context.WithoutCancel(cmd.Context()), rep.PlanID); gerr == nil {
				printPlan(p)
			}
			fmt.Printf("\n%d succeeded, %d failed, %d skipped, %d pending\n", rep.Succeeded, rep.Failed, rep.Skipped, rep.Pending)
		}
		if err != nil {
			return err
		}
		if rep.Status != plan.StatusApplied {
			return fmt.Errorf("plan %s is %s", rep.PlanID, rep.Status)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(recoverCmd)

	approveCmd.Flags().String("actor", "", "Who is approving the plan")
	applyCmd.Flags().Bool("resume", false, "Continue a partially applied plan")
	recoverCmd.Flags().String("actor", "", "Who is taking the plan over")
	recoverCmd.Flags().Duration("stale-after", apply.DefaultStaleAfter, "How long the plan must have made no progress")
}
