package commands

import (
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/sym"
)

// EnqueueCmd adds a draft
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue <text>",
	Short: sym.Draft + " Add a post to the queue as a draft",
	Long: sym.Draft + ` enqueue — add a post as a draft

The text is stored as given. Use --schedule to place it in the next free
slot straight away, or run 'autopost plan' later to schedule every draft.

Examples:
  autopost enqueue "Shipping v2 today"
  autopost enqueue --topic launch --schedule "Shipping v2 today"
  echo "from a pipe" | autopost enqueue -`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

// ScheduleCmd places one draft
var ScheduleCmd = &cobra.Command{
	Use:   "schedule <id>",
	Short: sym.Scheduled + " Schedule a draft into a slot",
	Long: sym.Scheduled + ` schedule — place a draft in a posting slot

Without --at the job gets the first free slot after now plus the lead time.
With --at the exact instant is validated: it must be a posting window, free,
and far enough from other posts.

Examples:
  autopost schedule 3f2c...
  autopost schedule 3f2c... --at 2026-03-03T10:00:00-05:00
  autopost schedule 3f2c... --after 2026-03-10`,
	Args: cobra.ExactArgs(1),
	RunE: runSchedule,
}

// PlanCmd schedules every draft
var PlanCmd = &cobra.Command{
	Use:   "plan",
	Short: sym.Scheduled + " Schedule all drafts in creation order",
	RunE:  runPlan,
}

// ListCmd shows the queue
var ListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"queue", "ls"},
	Short:   "List jobs",
	Long: `List jobs ordered by scheduled time, drafts last.

Dates are read in the configured timezone; --to includes the whole day.

Examples:
  autopost list
  autopost list --status scheduled --from 2026-03-01 --to 2026-03-07`,
	RunE: runList,
}

// StatsCmd shows counts by status
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	RunE:  runStats,
}

// ReflowCmd recomputes scheduled slots after a window change
var ReflowCmd = &cobra.Command{
	Use:   "reflow",
	Short: sym.Scheduled + " Re-place scheduled jobs under the current windows",
	Long: sym.Scheduled + ` reflow — recompute slots for scheduled jobs

Every scheduled job at or after --from is placed again, oldest first, as if
newly scheduled. Posted and in-flight jobs stay put. Nothing changes if any job
no longer fits within the horizon.`,
	RunE: runReflow,
}

var (
	enqueueTopic    string
	enqueueNotes    string
	enqueueSchedule bool

	scheduleAt    string
	scheduleAfter string

	listStatus string
	listFrom   string
	listTo     string
	listLimit  int

	reflowFrom string
)

func init() {
	EnqueueCmd.Flags().StringVar(&enqueueTopic, "topic", "", "Topic label")
	EnqueueCmd.Flags().StringVar(&enqueueNotes, "notes", "", "Free-form notes")
	EnqueueCmd.Flags().BoolVar(&enqueueSchedule, "schedule", false, "Schedule into the next free slot")

	ScheduleCmd.Flags().StringVar(&scheduleAt, "at", "", "Exact slot (RFC 3339)")
	ScheduleCmd.Flags().StringVar(&scheduleAfter, "after", "", "Earliest slot to consider (RFC 3339 or YYYY-MM-DD)")
	ScheduleCmd.MarkFlagsMutuallyExclusive("at", "after")

	ListCmd.Flags().StringVar(&listStatus, "status", "", "Only jobs in this status")
	ListCmd.Flags().StringVar(&listFrom, "from", "", "Scheduled at or after (RFC 3339 or YYYY-MM-DD)")
	ListCmd.Flags().StringVar(&listTo, "to", "", "Scheduled before (RFC 3339, or YYYY-MM-DD inclusive)")
	ListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum rows (0 = all)")

	ReflowCmd.Flags().StringVar(&reflowFrom, "from", "", "Reflow jobs scheduled at or after this time (default: now + lead time)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	text, err := readText(cmd, args[0])
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	job, err := a.store.Enqueue(ctx, queue.NewJob{Text: text, Topic: enqueueTopic, Notes: enqueueNotes})
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s Enqueued %s\n", sym.Draft, job.ID)

	if !enqueueSchedule {
		return nil
	}
	scheduled, err := a.planner.ScheduleNext(ctx, job.ID, time.Time{})
	if err != nil {
		return errors.Wrapf(err, "enqueued %s but could not schedule it", job.ID)
	}
	printf(cmd.OutOrStdout(), "%s Scheduled for %s\n", sym.Scheduled, formatTime(scheduled.ScheduledAt, a.alloc.Config().Location))
	return nil
}

// readText takes "-" to mean stdin
func readText(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", errors.Wrap(err, "failed to read post text from stdin")
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	loc := a.alloc.Config().Location

	var job *queue.Job
	switch {
	case scheduleAt != "":
		at, err := time.Parse(time.RFC3339, scheduleAt)
		if err != nil {
			return errors.WithStack(&queue.ValidationError{Field: "at", Reason: "expected RFC 3339, got " + scheduleAt})
		}
		job, err = a.store.Schedule(ctx, args[0], at)
		if err != nil {
			return err
		}
	default:
		var after time.Time
		if scheduleAfter != "" {
			f, err := queue.ParseFilter("", scheduleAfter, "", 0, loc)
			if err != nil {
				return err
			}
			after = f.From
		}
		job, err = a.planner.ScheduleNext(ctx, args[0], after)
		if err != nil {
			return err
		}
	}

	printf(cmd.OutOrStdout(), "%s %s scheduled for %s\n", sym.Scheduled, job.ID, formatTime(job.ScheduledAt, loc))
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.alloc.Config().Location
	result, planErr := a.planner.PlanDrafts(cmd.Context())
	if result != nil {
		out := cmd.OutOrStdout()
		for _, job := range result.Scheduled {
			printf(out, "%s %s → %s  %s\n", sym.Scheduled, job.ID, formatTime(job.ScheduledAt, loc), preview(job.ContentText))
		}
		for id, err := range result.Duplicates {
			printf(out, "%s %s left as draft: %v\n", sym.Draft, id, err)
		}
		printf(out, "Scheduled %d, duplicates %d\n", len(result.Scheduled), len(result.Duplicates))
	}
	return planErr
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.alloc.Config().Location
	filter, err := queue.ParseFilter(listStatus, listFrom, listTo, listLimit, loc)
	if err != nil {
		return err
	}
	jobs, err := a.store.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		printf(cmd.OutOrStdout(), "Queue is empty. Enqueue posts first.\n")
		return nil
	}
	return renderJobs(cmd.OutOrStdout(), jobs, loc)
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.store.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}
	return renderCounts(cmd.OutOrStdout(), counts)
}

func runReflow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	loc := a.alloc.Config().Location
	from := a.alloc.Earliest(a.store.Now())
	if reflowFrom != "" {
		f, err := queue.ParseFilter("", reflowFrom, "", 0, loc)
		if err != nil {
			return err
		}
		from = f.From
	}

	moves, err := a.alloc.Reflow(cmd.Context(), a.store, from)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range moves {
		printf(out, "%s %s  %s → %s\n", sym.Scheduled, m.JobID, m.From.In(loc).Format("2006-01-02 15:04"), m.To.In(loc).Format("2006-01-02 15:04 MST"))
	}
	printf(out, "Moved %d job(s)\n", len(moves))
	return nil
}
