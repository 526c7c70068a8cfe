package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/sym"
)

// ReviewCmd groups the review sink commands
var ReviewCmd = &cobra.Command{
	Use:   "review",
	Short: sym.Review + " Inspect and resolve posts that need a human",
	Long: sym.Review + ` review — posts parked after fatal errors or exhausted retries

Examples:
  autopost review list
  autopost review requeue 3f2c...          # back in the queue, next free slot
  autopost review requeue 3f2c... --plan=false   # back to draft only
  autopost review discard 3f2c...`,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts in review with their last error",
	RunE:  runReviewList,
}

var reviewRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Reset a post to draft with a fresh attempt count",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewRequeue,
}

var reviewDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Delete a post in review",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDiscard,
}

var requeuePlan bool

func init() {
	reviewRequeueCmd.Flags().BoolVar(&requeuePlan, "plan", true, "Schedule the requeued post into the next free slot")

	ReviewCmd.AddCommand(reviewListCmd)
	ReviewCmd.AddCommand(reviewRequeueCmd)
	ReviewCmd.AddCommand(reviewDiscardCmd)
}

func runReviewList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.store.List(cmd.Context(), queue.Filter{Status: queue.StatusReview})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		printf(cmd.OutOrStdout(), "%s Nothing needs review\n", sym.Review)
		return nil
	}
	return renderReview(cmd.OutOrStdout(), jobs, a.alloc.Config().Location)
}

func runReviewRequeue(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	job, err := a.store.Requeue(ctx, args[0])
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s %s back to draft\n", sym.Draft, job.ID)

	if !requeuePlan {
		return nil
	}
	scheduled, err := a.planner.ScheduleNext(ctx, job.ID, time.Time{})
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s Scheduled for %s\n", sym.Scheduled, formatTime(scheduled.ScheduledAt, a.alloc.Config().Location))
	return nil
}

func runReviewDiscard(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Discard(cmd.Context(), args[0]); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s Discarded %s\n", sym.Review, args[0])
	return nil
}
